// Package oracle 定义价格预言机协作方：更新费用查询、价格发布与有界时效读取。
package oracle

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "X402-Chain/internal/errors"
)

// NormalizedDecimals 是归一化价格的小数位数。
const NormalizedDecimals = 18

// Price 是预言机返回的定点价格，真实值为 Value × 10^Expo。
type Price struct {
	Value       int64  `json:"price"`
	Confidence  uint64 `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

// Oracle 是执行合约依赖的价格预言机。
type Oracle interface {
	// UpdateFee 返回发布 updates 所需的费用。
	UpdateFee(ctx context.Context, updates [][]byte) (*big.Int, error)
	// UpdatePriceFeeds 由 payer 支付 fee 发布价格更新。
	UpdatePriceFeeds(ctx context.Context, payer common.Address, updates [][]byte, fee *big.Int) error
	// PriceNoOlderThan 返回发布时间不早于 now-maxAge 的价格，否则返回 ErrPriceTooStale。
	PriceNoOlderThan(ctx context.Context, feedID common.Hash, maxAge time.Duration) (Price, error)
}

const (
	CodePriceTooStale   xerrors.Code = "ORACLE_PRICE_TOO_STALE"
	CodePriceNotFound   xerrors.Code = "ORACLE_PRICE_NOT_FOUND"
	CodeInsufficientFee xerrors.Code = "ORACLE_INSUFFICIENT_FEE"
	CodeInvalidUpdate   xerrors.Code = "ORACLE_INVALID_UPDATE"
	CodeInvalidPrice    xerrors.Code = "ORACLE_INVALID_PRICE"
)

var (
	// ErrPriceTooStale 表示价格超出允许的时效。
	ErrPriceTooStale = xerrors.New(CodePriceTooStale, "price too stale")
	// ErrPriceNotFound 表示预言机中没有该价格源。
	ErrPriceNotFound = xerrors.New(CodePriceNotFound, "price feed not found")
	// ErrInsufficientFee 表示支付的更新费用不足。
	ErrInsufficientFee = xerrors.New(CodeInsufficientFee, "insufficient update fee")
	// ErrInvalidUpdate 表示价格更新数据无法解析。
	ErrInvalidUpdate = xerrors.New(CodeInvalidUpdate, "invalid price update")
	// ErrInvalidPrice 表示价格非正或指数越界。
	ErrInvalidPrice = xerrors.New(CodeInvalidPrice, "invalid price")
)

func init() {
	external := func(code xerrors.Code, message string) {
		xerrors.Register(code, xerrors.Attributes{
			Message:   message,
			Severity:  xerrors.SeverityWarning,
			Category:  xerrors.CategoryExternal,
			Retryable: true,
		})
	}
	external(CodePriceTooStale, "price too stale")
	external(CodePriceNotFound, "price feed not found")
	external(CodeInsufficientFee, "insufficient update fee")
	xerrors.Register(CodeInvalidUpdate, xerrors.Attributes{
		Message:  "invalid price update",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryValidation,
	})
	xerrors.Register(CodeInvalidPrice, xerrors.Attributes{
		Message:  "invalid price",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryExternal,
	})
}

// Normalize 把价格换算为 18 位小数定点整数。
func Normalize(p Price) (*big.Int, error) {
	if p.Value <= 0 || p.Expo > 0 || p.Expo < -NormalizedDecimals {
		return nil, ErrInvalidPrice
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(NormalizedDecimals+p.Expo)), nil)
	return new(big.Int).Mul(big.NewInt(p.Value), scale), nil
}
