package escrow

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "X402-Chain/internal/errors"
	"X402-Chain/pkg/logger"
)

// Vault 是 escrow 的资产托管方，负责真实资产的收付。
type Vault interface {
	Receive(ctx context.Context, asset, from common.Address, amount *big.Int) error
	Send(ctx context.Context, asset, to common.Address, amount *big.Int) error
}

type transfer struct {
	inbound bool
	asset   common.Address
	party   common.Address
	amount  *big.Int
}

// settlement 记录事务内已完成的资产移动，事务失败时按逆序回退。
type settlement struct {
	vault Vault
	done  []transfer
}

func (s *settlement) pull(ctx context.Context, asset, from common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := s.vault.Receive(ctx, asset, from, amount); err != nil {
		return settlementError(err, "拉取资产失败")
	}
	s.done = append(s.done, transfer{inbound: true, asset: asset, party: from, amount: amount})
	return nil
}

func (s *settlement) push(ctx context.Context, asset, to common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := s.vault.Send(ctx, asset, to, amount); err != nil {
		return settlementError(err, "转出资产失败")
	}
	s.done = append(s.done, transfer{asset: asset, party: to, amount: amount})
	return nil
}

// unwind 退还已拉入的资产。已转出的资产无法收回，只能告警人工处理。
func (s *settlement) unwind(ctx context.Context, cause error) {
	for i := len(s.done) - 1; i >= 0; i-- {
		t := s.done[i]
		if !t.inbound {
			logger.L().Error("事务回滚时资产已转出，需要人工对账",
				slog.String("asset", t.asset.Hex()),
				slog.String("to", t.party.Hex()),
				logger.Amount("amount", t.amount),
				slog.Any("cause", cause),
			)
			continue
		}
		if err := s.vault.Send(ctx, t.asset, t.party, t.amount); err != nil {
			logger.L().Error("退还已拉入资产失败",
				slog.String("asset", t.asset.Hex()),
				slog.String("from", t.party.Hex()),
				logger.Amount("amount", t.amount),
				slog.Any("error", err),
			)
		}
	}
	s.done = nil
}

// settlementError 保留账本自身的统一错误码 (余额或授权不足)，其余归为结算失败。
func settlementError(err error, message string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(CodeSettlementFailed, err, message)
}
