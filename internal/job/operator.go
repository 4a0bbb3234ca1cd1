package job

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"X402-Chain/internal/agent"
	xerrors "X402-Chain/internal/errors"
	"X402-Chain/internal/escrow"
)

// OrderSettler 是 execute_order 任务依赖的托管能力。
type OrderSettler interface {
	ExecuteOrder(ctx context.Context, caller common.Address, id uint64, recipient common.Address, amountOut *big.Int) (*escrow.Settlement, error)
}

// StrategyRunner 是 execute_strategy 任务依赖的 agent 能力。
type StrategyRunner interface {
	ExecuteStrategy(ctx context.Context, caller common.Address, id common.Hash, encoded []byte) (*agent.ExecutionRecord, error)
}

// Operator 把任务分派给托管服务或 agent。payload 未指定 caller 时使用 identity。
type Operator struct {
	identity   common.Address
	orders     OrderSettler
	strategies StrategyRunner
}

// NewOperator 创建 Operator。orders 或 strategies 为 nil 时对应任务类型不可用。
func NewOperator(identity common.Address, orders OrderSettler, strategies StrategyRunner) *Operator {
	return &Operator{identity: identity, orders: orders, strategies: strategies}
}

// Execute 实现 Executor 接口。
func (o *Operator) Execute(ctx context.Context, job *Job) (json.RawMessage, error) {
	switch job.Kind {
	case KindExecuteOrder:
		return o.executeOrder(ctx, job.Payload)
	case KindExecuteStrategy:
		return o.executeStrategy(ctx, job.Payload)
	default:
		return nil, xerrors.New(CodeJobValidation, "未知的任务类型", xerrors.WithMetadata("kind", string(job.Kind)))
	}
}

func (o *Operator) executeOrder(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	if o.orders == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置托管服务")
	}
	var payload OrderPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, xerrors.Wrap(CodeJobValidation, err, "解析订单任务参数失败")
	}
	caller, err := o.caller(payload.Caller)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(payload.Recipient) {
		return nil, xerrors.New(CodeJobValidation, "recipient 地址不合法")
	}
	amountOut, ok := new(big.Int).SetString(payload.AmountOut, 10)
	if !ok {
		return nil, xerrors.New(CodeJobValidation, "amount_out 必须是十进制整数")
	}

	settled, err := o.orders.ExecuteOrder(ctx, caller, payload.OrderID, common.HexToAddress(payload.Recipient), amountOut)
	if err != nil {
		return nil, err
	}
	return json.Marshal(settled)
}

func (o *Operator) executeStrategy(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	if o.strategies == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置策略 agent")
	}
	var payload StrategyPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, xerrors.Wrap(CodeJobValidation, err, "解析策略任务参数失败")
	}
	caller, err := o.caller(payload.Caller)
	if err != nil {
		return nil, err
	}
	id, err := hexutil.Decode(payload.StrategyID)
	if err != nil || len(id) != common.HashLength {
		return nil, xerrors.New(CodeJobValidation, "strategy_id 必须是 32 字节十六进制")
	}
	params, err := hexutil.Decode(payload.Params)
	if err != nil {
		return nil, xerrors.Wrap(CodeJobValidation, err, "params 必须是十六进制")
	}

	record, err := o.strategies.ExecuteStrategy(ctx, caller, common.BytesToHash(id), params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(record)
}

func (o *Operator) caller(value string) (common.Address, error) {
	if value == "" {
		if o.identity == (common.Address{}) {
			return common.Address{}, xerrors.New(CodeJobValidation, "未指定 caller")
		}
		return o.identity, nil
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, xerrors.New(CodeJobValidation, "caller 地址不合法")
	}
	return common.HexToAddress(value), nil
}

var _ Executor = (*Operator)(nil)
