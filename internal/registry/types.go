package registry

import (
	"github.com/ethereum/go-ethereum/common"

	xerrors "X402-Chain/internal/errors"
)

// Record 是策略编号到链下内容指针的登记记录。
type Record struct {
	ID             common.Hash    `json:"id"`
	Owner          common.Address `json:"owner"`
	ContentPointer string         `json:"content_pointer"`
	PairLabel      string         `json:"pair_label"`
	Active         bool           `json:"active"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

// Clone 返回副本。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

const (
	CodeInvalidID        xerrors.Code = "REGISTRY_INVALID_ID"
	CodeInvalidCaller    xerrors.Code = "REGISTRY_INVALID_CALLER"
	CodeStrategyExists   xerrors.Code = "REGISTRY_STRATEGY_EXISTS"
	CodeNotOwner         xerrors.Code = "REGISTRY_NOT_OWNER"
	CodeStrategyInactive xerrors.Code = "REGISTRY_STRATEGY_INACTIVE"
	CodeStrategyNotFound xerrors.Code = "REGISTRY_STRATEGY_NOT_FOUND"
)

var (
	// ErrInvalidID 表示策略编号为零值。
	ErrInvalidID = xerrors.New(CodeInvalidID, "strategy id is empty")
	// ErrInvalidCaller 表示调用方为零地址。
	ErrInvalidCaller = xerrors.New(CodeInvalidCaller, "caller is the zero address")
	// ErrStrategyExists 表示该编号已被登记。
	ErrStrategyExists = xerrors.New(CodeStrategyExists, "strategy exists")
	// ErrNotOwner 表示调用方不是记录所有者。
	ErrNotOwner = xerrors.New(CodeNotOwner, "caller is not strategy owner")
	// ErrStrategyInactive 表示策略已停用。
	ErrStrategyInactive = xerrors.New(CodeStrategyInactive, "strategy inactive")
	// ErrStrategyNotFound 表示策略从未登记。
	ErrStrategyNotFound = xerrors.New(CodeStrategyNotFound, "strategy not found")
)

func init() {
	xerrors.Register(CodeInvalidID, xerrors.Attributes{
		Message:  "strategy id is empty",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryValidation,
	})
	xerrors.Register(CodeInvalidCaller, xerrors.Attributes{
		Message:  "caller is the zero address",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryValidation,
	})
	xerrors.Register(CodeStrategyExists, xerrors.Attributes{
		Message:  "strategy exists",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryState,
	})
	xerrors.Register(CodeNotOwner, xerrors.Attributes{
		Message:  "caller is not strategy owner",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryAuthorization,
	})
	xerrors.Register(CodeStrategyInactive, xerrors.Attributes{
		Message:  "strategy inactive",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryState,
	})
	xerrors.Register(CodeStrategyNotFound, xerrors.Attributes{
		Message:  "strategy not found",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryState,
	})
}
