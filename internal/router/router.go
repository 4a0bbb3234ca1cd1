// Package router 定义 DEX 聚合路由协作方，以及用于测试和本地运行的固定汇率实现。
package router

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "X402-Chain/internal/errors"
)

// SwapDescription 描述一次兑换，字段与聚合路由的 swap 入参一致。
type SwapDescription struct {
	SrcToken        common.Address `json:"src_token"`
	DstToken        common.Address `json:"dst_token"`
	SrcReceiver     common.Address `json:"src_receiver"`
	DstReceiver     common.Address `json:"dst_receiver"`
	Amount          *big.Int       `json:"amount"`
	MinReturnAmount *big.Int       `json:"min_return_amount"`
	Flags           *big.Int       `json:"flags"`
}

// Router 是聚合路由。caller 必须事先授权路由地址动用 SrcToken。
type Router interface {
	Address() common.Address
	Swap(ctx context.Context, caller, executor common.Address, desc SwapDescription, data []byte) (returnAmount, spentAmount *big.Int, err error)
}

const (
	CodeUnsupportedPair xerrors.Code = "ROUTER_UNSUPPORTED_PAIR"
	CodeReturnTooLow    xerrors.Code = "ROUTER_RETURN_TOO_LOW"
	CodeRequestFailed   xerrors.Code = "ROUTER_REQUEST_FAILED"
)

var (
	// ErrUnsupportedPair 表示路由没有该交易对的报价。
	ErrUnsupportedPair = xerrors.New(CodeUnsupportedPair, "unsupported pair")
	// ErrReturnTooLow 表示路由产出低于 MinReturnAmount。
	ErrReturnTooLow = xerrors.New(CodeReturnTooLow, "return amount is not enough")
)

func init() {
	xerrors.Register(CodeUnsupportedPair, xerrors.Attributes{
		Message:  "unsupported pair",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryExternal,
	})
	xerrors.Register(CodeReturnTooLow, xerrors.Attributes{
		Message:   "return amount is not enough",
		Severity:  xerrors.SeverityInfo,
		Category:  xerrors.CategoryExternal,
		Retryable: true,
	})
	xerrors.Register(CodeRequestFailed, xerrors.Attributes{
		Message:   "router request failed",
		Severity:  xerrors.SeverityWarning,
		Category:  xerrors.CategoryExternal,
		Retryable: true,
		Alert:     true,
	})
}
