package oneinch

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"X402-Chain/internal/router"
	"X402-Chain/internal/token"
	"X402-Chain/pkg/logger"
)

// PaperRouter 按 1inch 实时报价在账本上结算兑换，产出资产来自路由自身的库存，
// 用于模拟盘运行。
type PaperRouter struct {
	client *Client
	ledger token.Ledger
	self   common.Address
	log    *slog.Logger
}

// NewPaperRouter 创建模拟盘路由。
func NewPaperRouter(client *Client, ledger token.Ledger, self common.Address) *PaperRouter {
	return &PaperRouter{client: client, ledger: ledger, self: self, log: logger.Named("paper_router")}
}

// Address 实现 router.Router 接口。
func (r *PaperRouter) Address() common.Address { return r.self }

// Swap 实现 router.Router 接口。执行数据与 executor 只做记录，不参与结算。
func (r *PaperRouter) Swap(ctx context.Context, caller, executor common.Address, desc router.SwapDescription, data []byte) (*big.Int, *big.Int, error) {
	if !token.IsPositive(desc.Amount) {
		return nil, nil, token.ErrInvalidTransfer
	}
	quote, err := r.client.Quote(ctx, desc.SrcToken, desc.DstToken, desc.Amount)
	if err != nil {
		return nil, nil, err
	}
	returned := quote.ToTokenAmount
	if desc.MinReturnAmount != nil && returned.Cmp(desc.MinReturnAmount) < 0 {
		return nil, nil, router.ErrReturnTooLow
	}
	if err := r.ledger.TransferFrom(ctx, desc.SrcToken, r.self, caller, r.self, desc.Amount); err != nil {
		return nil, nil, err
	}
	if err := r.ledger.Transfer(ctx, desc.DstToken, r.self, desc.DstReceiver, returned); err != nil {
		return nil, nil, err
	}
	r.log.Info("模拟兑换完成",
		slog.String("executor", executor.Hex()),
		slog.Int("calldata_bytes", len(data)),
		logger.Amount("amount_in", desc.Amount),
		logger.Amount("amount_out", returned),
	)
	return new(big.Int).Set(returned), new(big.Int).Set(desc.Amount), nil
}

var _ router.Router = (*PaperRouter)(nil)
