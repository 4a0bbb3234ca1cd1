package token

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "X402-Chain/internal/errors"
)

// Ledger 抽象了 ERC20 风格的多资产账本，escrow、agent 与 router 都只通过它移动资产。
type Ledger interface {
	BalanceOf(ctx context.Context, asset, holder common.Address) (*big.Int, error)
	Allowance(ctx context.Context, asset, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, asset, owner, spender common.Address, amount *big.Int) error
	Transfer(ctx context.Context, asset, from, to common.Address, amount *big.Int) error
	TransferFrom(ctx context.Context, asset, spender, from, to common.Address, amount *big.Int) error
}

const (
	CodeInsufficientFunds     xerrors.Code = "TOKEN_INSUFFICIENT_FUNDS"
	CodeInsufficientAllowance xerrors.Code = "TOKEN_INSUFFICIENT_ALLOWANCE"
	CodeInvalidTransfer       xerrors.Code = "TOKEN_INVALID_TRANSFER"
)

var (
	// ErrInsufficientFunds 表示持有人余额不足。
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "transfer amount exceeds balance")
	// ErrInsufficientAllowance 表示授权额度不足。
	ErrInsufficientAllowance = xerrors.New(CodeInsufficientAllowance, "transfer amount exceeds allowance")
	// ErrInvalidTransfer 表示转账参数非法。
	ErrInvalidTransfer = xerrors.New(CodeInvalidTransfer, "invalid transfer")
)

func init() {
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:   "transfer amount exceeds balance",
		Severity:  xerrors.SeverityWarning,
		Category:  xerrors.CategoryEconomic,
		Retryable: true,
	})
	xerrors.Register(CodeInsufficientAllowance, xerrors.Attributes{
		Message:   "transfer amount exceeds allowance",
		Severity:  xerrors.SeverityWarning,
		Category:  xerrors.CategoryEconomic,
		Retryable: true,
	})
	xerrors.Register(CodeInvalidTransfer, xerrors.Attributes{
		Message:  "invalid transfer",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryValidation,
	})
}

// IsPositive 判断金额是否严格大于零。
func IsPositive(amount *big.Int) bool {
	return amount != nil && amount.Sign() > 0
}

// IsNonNegative 判断金额是否为合法的无符号整数。
func IsNonNegative(amount *big.Int) bool {
	return amount != nil && amount.Sign() >= 0
}

// Copy 返回金额的独立副本，nil 视为 0。
func Copy(amount *big.Int) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(amount)
}
