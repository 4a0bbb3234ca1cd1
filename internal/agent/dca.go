package agent

import (
	"context"
	"errors"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "X402-Chain/internal/errors"
	"X402-Chain/internal/journal"
	"X402-Chain/internal/observability/metrics"
	"X402-Chain/internal/oracle"
	"X402-Chain/internal/router"
	"X402-Chain/internal/token"
	"X402-Chain/pkg/logger"
)

// DCAAgent 按策略编号执行定投兑换。
type DCAAgent struct {
	*BaseAgent
	oracle oracle.Oracle
	router router.Router
}

// NewDCAAgent 创建 DCAAgent。
func NewDCAAgent(self, owner common.Address, ledger token.Ledger, priceOracle oracle.Oracle, swapRouter router.Router, opts ...Option) (*DCAAgent, error) {
	base, err := NewBaseAgent(self, owner, ledger, opts...)
	if err != nil {
		return nil, err
	}
	if priceOracle == nil || swapRouter == nil {
		return nil, errors.New("agent oracle and router are required")
	}
	return &DCAAgent{BaseAgent: base, oracle: priceOracle, router: swapRouter}, nil
}

// ConfigureStrategy 写入策略配置，仅限 owner。
func (a *DCAAgent) ConfigureStrategy(ctx context.Context, caller common.Address, id common.Hash, cfg StrategyConfig) (err error) {
	defer func() { metrics.RecordOperation(eventSource, "configure_strategy", err) }()

	a.mu.Lock()
	defer a.mu.Unlock()
	if caller != a.owner {
		return ErrNotOwner
	}
	if id == (common.Hash{}) {
		return invalidConfig("strategy id is zero")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := a.opts.state.SaveConfig(ctx, a.self, id, cfg); err != nil {
		return err
	}
	a.emit(ctx, "StrategyConfigured",
		"strategy_id", id.Hex(),
		"token_in", cfg.TokenIn.Hex(),
		"token_out", cfg.TokenOut.Hex(),
		"active", formatBool(cfg.Active),
	)
	return nil
}

// Strategy 返回策略配置。
func (a *DCAAgent) Strategy(ctx context.Context, id common.Hash) (StrategyConfig, bool, error) {
	return a.opts.state.LoadConfig(ctx, a.self, id)
}

// LastExecution 返回上次成功执行的时间。
func (a *DCAAgent) LastExecution(ctx context.Context, id common.Hash) (int64, bool, error) {
	at, ok, err := a.opts.state.LastExecution(ctx, a.self, id)
	if err != nil || !ok {
		return 0, ok, err
	}
	return at.Unix(), true, nil
}

// ValidateExecution 是无副作用的执行前校验，返回是否通过与失败原因。
func (a *DCAAgent) ValidateExecution(ctx context.Context, id common.Hash, encoded []byte) (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, reason, err := a.validate(ctx, id, encoded); err != nil {
		return false, reason
	}
	return true, ""
}

// ExecuteStrategy 校验并执行一次兑换。任何一步失败时，价格更新、授权与兑换
// 都会按 journal 回退，执行时间也不会更新。
func (a *DCAAgent) ExecuteStrategy(ctx context.Context, caller common.Address, id common.Hash, encoded []byte) (record *ExecutionRecord, err error) {
	defer func() { metrics.RecordOperation(eventSource, "execute_strategy", err) }()

	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, changes := journal.Begin(ctx)
	defer func() {
		if err == nil {
			changes.Commit()
			return
		}
		if rollbackErr := changes.Rollback(); rollbackErr != nil {
			a.opts.log.Error("执行失败后回退状态失败",
				slog.String("strategy_id", id.Hex()),
				slog.Any("cause", err),
				slog.Any("error", rollbackErr),
			)
		}
	}()

	if err := a.authorize(caller); err != nil {
		return nil, err
	}
	params, _, err := a.validate(ctx, id, encoded)
	if err != nil {
		return nil, err
	}
	cfg, _, err := a.opts.state.LoadConfig(ctx, a.self, id)
	if err != nil {
		return nil, err
	}

	fee, err := a.oracle.UpdateFee(ctx, params.PriceUpdateData)
	if err != nil {
		return nil, err
	}
	if params.MaxUpdateFee.Sign() > 0 && fee.Cmp(params.MaxUpdateFee) > 0 {
		return nil, ErrFeeExceedsCap
	}
	if err := a.oracle.UpdatePriceFeeds(ctx, a.self, params.PriceUpdateData, fee); err != nil {
		return nil, err
	}
	price, err := a.oracle.PriceNoOlderThan(ctx, cfg.PriceFeedID, cfg.MaxStaleness)
	if err != nil {
		return nil, err
	}
	executed, err := oracle.Normalize(price)
	if err != nil {
		return nil, err
	}
	if cfg.MaxSlippageBps > 0 && params.ReferencePrice.Sign() > 0 &&
		!withinSlippage(params.ReferencePrice, executed, cfg.MaxSlippageBps) {
		return nil, ErrSlippageExceeded
	}

	if err := a.assertCustody(ctx, id, params); err != nil {
		return nil, err
	}
	if err := a.approveRouter(ctx, cfg.TokenIn, params.Desc.Amount); err != nil {
		return nil, err
	}

	before, err := a.ledger.BalanceOf(ctx, cfg.TokenOut, a.self)
	if err != nil {
		return nil, err
	}
	reported, _, err := a.router.Swap(ctx, a.self, params.Executor, params.Desc, params.ExecutionData)
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(CodeSwapFailed, err, "swap failed")
	}
	after, err := a.ledger.BalanceOf(ctx, cfg.TokenOut, a.self)
	if err != nil {
		return nil, err
	}
	received := new(big.Int).Sub(after, before)
	if received.Cmp(params.Desc.MinReturnAmount) < 0 {
		a.opts.log.Error("兑换产出低于最小产出",
			slog.String("strategy_id", id.Hex()),
			logger.Amount("received", received),
			logger.Amount("min_return", params.Desc.MinReturnAmount),
		)
		return nil, ErrInsufficientOutput
	}
	if err := a.assertCustody(ctx, id, params); err != nil {
		return nil, err
	}

	now := a.opts.clock()
	if err := a.opts.state.SetLastExecution(ctx, a.self, id, now); err != nil {
		return nil, err
	}

	record = &ExecutionRecord{
		StrategyID:     id,
		Caller:         caller,
		TokenIn:        cfg.TokenIn,
		TokenOut:       cfg.TokenOut,
		AmountIn:       new(big.Int).Set(params.Desc.Amount),
		AmountOut:      received,
		ReportedOut:    reported,
		ReferencePrice: new(big.Int).Set(params.ReferencePrice),
		ExecutedPrice:  executed,
		FeePaid:        fee,
		ExecutedAt:     now.UTC(),
	}
	a.emit(ctx, "StrategyExecuted",
		"strategy_id", id.Hex(),
		"caller", caller.Hex(),
		"amount_in", record.AmountIn.String(),
		"amount_out", received.String(),
		"reference_price", record.ReferencePrice.String(),
		"executed_price", executed.String(),
		"fee_paid", fee.String(),
	)
	return record, nil
}

// validate 按固定顺序执行校验，返回解析后的参数。调用方需持有 a.mu。
func (a *DCAAgent) validate(ctx context.Context, id common.Hash, encoded []byte) (Params, string, error) {
	cfg, ok, err := a.opts.state.LoadConfig(ctx, a.self, id)
	if err != nil {
		return Params{}, "state unavailable", err
	}
	if !ok || !cfg.Active {
		return Params{}, ReasonStrategyInactive, ErrStrategyInactive
	}

	params, err := DecodeParams(encoded)
	if err != nil {
		return Params{}, ReasonInvalidParams, err
	}
	if !pairMatches(cfg, params) {
		return Params{}, ReasonPairMismatch, invalidParams(ReasonPairMismatch)
	}

	switch {
	case params.Executor == (common.Address{}):
		return Params{}, ReasonInvalidExecutor, invalidParams(ReasonInvalidExecutor)
	case !token.IsPositive(params.Desc.Amount):
		return Params{}, ReasonInvalidAmount, invalidParams(ReasonInvalidAmount)
	case params.Desc.SrcReceiver != a.self || params.Desc.DstReceiver != a.self:
		return Params{}, ReasonInvalidReceiver, invalidParams(ReasonInvalidReceiver)
	case len(params.ExecutionData) == 0:
		return Params{}, ReasonEmptyExecutionData, invalidParams(ReasonEmptyExecutionData)
	case len(params.PriceUpdateData) == 0:
		return Params{}, ReasonEmptyPriceUpdate, invalidParams(ReasonEmptyPriceUpdate)
	}

	balance, err := a.ledger.BalanceOf(ctx, cfg.TokenIn, a.self)
	if err != nil {
		return Params{}, "balance unavailable", err
	}
	if balance.Cmp(params.Desc.Amount) < 0 {
		return Params{}, ReasonInsufficientBalance, ErrInsufficientBalance
	}

	last, executed, err := a.opts.state.LastExecution(ctx, a.self, id)
	if err != nil {
		return Params{}, "state unavailable", err
	}
	if executed && a.opts.clock().Before(last.Add(cfg.MinInterval)) {
		return Params{}, ReasonIntervalNotElapsed, ErrIntervalNotElapsed
	}

	if cfg.MaxSlippageBps > 0 && params.ReferencePrice.Sign() == 0 {
		return Params{}, ReasonReferencePriceNeeded, invalidParams(ReasonReferencePriceNeeded)
	}
	return params, "", nil
}

// assertCustody 以最新配置重新核对交易对与自托管约束。
func (a *DCAAgent) assertCustody(ctx context.Context, id common.Hash, params Params) error {
	cfg, ok, err := a.opts.state.LoadConfig(ctx, a.self, id)
	if err != nil {
		return err
	}
	if !ok || !cfg.Active || !pairMatches(cfg, params) ||
		params.Desc.SrcReceiver != a.self || params.Desc.DstReceiver != a.self {
		a.opts.log.Error("自托管约束被破坏", slog.String("strategy_id", id.Hex()))
		return ErrCustodyViolation
	}
	return nil
}

// approveRouter 先清零再设置授权额度。
func (a *DCAAgent) approveRouter(ctx context.Context, asset common.Address, amount *big.Int) error {
	spender := a.router.Address()
	current, err := a.ledger.Allowance(ctx, asset, a.self, spender)
	if err != nil {
		return err
	}
	if current.Sign() != 0 {
		if err := a.ledger.Approve(ctx, asset, a.self, spender, new(big.Int)); err != nil {
			return err
		}
	}
	return a.ledger.Approve(ctx, asset, a.self, spender, amount)
}

func pairMatches(cfg StrategyConfig, params Params) bool {
	return params.TokenIn == cfg.TokenIn && params.TokenOut == cfg.TokenOut &&
		params.Desc.SrcToken == cfg.TokenIn && params.Desc.DstToken == cfg.TokenOut
}

// withinSlippage 判断 |ref-actual|*10000 <= ref*bps。
func withinSlippage(ref, actual *big.Int, bps uint32) bool {
	diff := new(big.Int).Sub(ref, actual)
	diff.Abs(diff).Mul(diff, big.NewInt(MaxSlippageBps))
	limit := new(big.Int).Mul(ref, big.NewInt(int64(bps)))
	return diff.Cmp(limit) <= 0
}
