// Package planner 根据策略配置拼装 ExecuteStrategy 的执行参数：
// 从 Hermes 取参考价格和价格更新数据，从 1inch 取报价与兑换交易。
package planner

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"X402-Chain/internal/agent"
	xerrors "X402-Chain/internal/errors"
	"X402-Chain/internal/oracle"
	"X402-Chain/internal/oracle/hermes"
	"X402-Chain/internal/router"
	"X402-Chain/internal/router/oneinch"
	"X402-Chain/pkg/logger"
)

// PriceSource 提供最新价格与可上链的价格更新数据，*hermes.Client 满足该接口。
type PriceSource interface {
	LatestPrice(ctx context.Context, id string) (hermes.PriceFeed, error)
	LatestUpdateData(ctx context.Context, ids []string) ([][]byte, error)
}

// SwapSource 提供报价与兑换交易，*oneinch.Client 满足该接口。
type SwapSource interface {
	Quote(ctx context.Context, from, to common.Address, amount *big.Int) (*oneinch.Quote, error)
	BuildSwap(ctx context.Context, req oneinch.SwapRequest) (*oneinch.SwapTx, error)
}

// FeeQuoter 查询价格更新费用，oracle.Oracle 满足该接口。
type FeeQuoter interface {
	UpdateFee(ctx context.Context, updates [][]byte) (*big.Int, error)
}

// Request 描述一次规划。SlippageBps 为零时使用策略配置的滑点。
type Request struct {
	StrategyID  common.Hash
	Config      agent.StrategyConfig
	Amount      *big.Int
	SlippageBps uint32
}

// Plan 是规划结果，Encoded 可直接作为 execute_strategy 任务的参数。
type Plan struct {
	StrategyID     common.Hash
	Params         agent.Params
	Encoded        []byte
	QuotedOut      *big.Int
	MinReturn      *big.Int
	ReferencePrice *big.Int
	UpdateFee      *big.Int
}

// Planner 组合价格源与兑换源。
type Planner struct {
	agent  common.Address
	prices PriceSource
	swaps  SwapSource
	fees   FeeQuoter
	log    *slog.Logger
}

// New 创建 Planner。fees 为空时 MaxUpdateFee 置零，表示不设上限。
func New(agentAddr common.Address, prices PriceSource, swaps SwapSource, fees FeeQuoter) (*Planner, error) {
	if agentAddr == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent 地址不能为空")
	}
	if prices == nil || swaps == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "价格源与兑换源不能为空")
	}
	return &Planner{agent: agentAddr, prices: prices, swaps: swaps, fees: fees, log: logger.Named("planner")}, nil
}

// Plan 生成一次执行所需的参数。
func (p *Planner) Plan(ctx context.Context, req Request) (*Plan, error) {
	if err := req.Config.Validate(); err != nil {
		return nil, err
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "兑换数量必须大于零")
	}
	slippage := req.SlippageBps
	if slippage == 0 {
		slippage = req.Config.MaxSlippageBps
	}
	if slippage > agent.MaxSlippageBps {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "滑点超过 10000 bps")
	}
	cfg := req.Config
	feedID := cfg.PriceFeedID.Hex()

	feed, err := p.prices.LatestPrice(ctx, feedID)
	if err != nil {
		return nil, err
	}
	price, err := feed.Price.OraclePrice()
	if err != nil {
		return nil, xerrors.Wrap(oracle.CodeInvalidPrice, err, "Hermes 价格无效")
	}
	reference, err := oracle.Normalize(price)
	if err != nil {
		return nil, err
	}

	updates, err := p.prices.LatestUpdateData(ctx, []string{feedID})
	if err != nil {
		return nil, err
	}
	if len(updates) == 0 {
		return nil, xerrors.New(oracle.CodeInvalidUpdate, "Hermes 未返回价格更新数据")
	}
	fee := new(big.Int)
	if p.fees != nil {
		if fee, err = p.fees.UpdateFee(ctx, updates); err != nil {
			return nil, err
		}
	}

	quote, err := p.swaps.Quote(ctx, cfg.TokenIn, cfg.TokenOut, req.Amount)
	if err != nil {
		return nil, err
	}
	minReturn := MinReturn(quote.ToTokenAmount, slippage)
	tx, err := p.swaps.BuildSwap(ctx, oneinch.SwapRequest{
		From:        cfg.TokenIn,
		To:          cfg.TokenOut,
		Amount:      req.Amount,
		FromAddress: p.agent,
		Slippage:    float64(slippage) / 100,
	})
	if err != nil {
		return nil, err
	}

	params := agent.Params{
		TokenIn:  cfg.TokenIn,
		TokenOut: cfg.TokenOut,
		Executor: tx.To,
		Desc: router.SwapDescription{
			SrcToken:        cfg.TokenIn,
			DstToken:        cfg.TokenOut,
			SrcReceiver:     p.agent,
			DstReceiver:     p.agent,
			Amount:          new(big.Int).Set(req.Amount),
			MinReturnAmount: minReturn,
			Flags:           new(big.Int),
		},
		ExecutionData:   tx.Data,
		PriceUpdateData: updates,
		MaxUpdateFee:    fee,
		ReferencePrice:  reference,
	}
	encoded, err := agent.EncodeParams(params)
	if err != nil {
		return nil, err
	}

	p.log.Info("策略执行参数已生成",
		slog.String("strategy_id", req.StrategyID.Hex()),
		logger.Amount("amount", req.Amount),
		logger.Amount("quoted_out", quote.ToTokenAmount),
		logger.Amount("min_return", minReturn),
		logger.Amount("reference_price", reference),
	)
	return &Plan{
		StrategyID:     req.StrategyID,
		Params:         params,
		Encoded:        encoded,
		QuotedOut:      new(big.Int).Set(quote.ToTokenAmount),
		MinReturn:      minReturn,
		ReferencePrice: reference,
		UpdateFee:      fee,
	}, nil
}

// MinReturn 计算 quoted × (10000 − bps) / 10000，向下取整。
func MinReturn(quoted *big.Int, bps uint32) *big.Int {
	if quoted == nil || quoted.Sign() <= 0 {
		return new(big.Int)
	}
	if bps > agent.MaxSlippageBps {
		bps = agent.MaxSlippageBps
	}
	out := new(big.Int).Mul(quoted, big.NewInt(int64(agent.MaxSlippageBps-bps)))
	return out.Quo(out, big.NewInt(agent.MaxSlippageBps))
}
