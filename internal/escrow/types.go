package escrow

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "X402-Chain/internal/errors"
)

// OrderStatus 表示订单在状态机中的位置。
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderExecuted  OrderStatus = "executed"
	OrderCancelled OrderStatus = "cancelled"
)

// Terminal 判断状态是否已结束。
func (s OrderStatus) Terminal() bool {
	return s == OrderExecuted || s == OrderCancelled
}

// Order 是追加写入的条件订单，ID 即其在序列中的下标。
type Order struct {
	ID           uint64         `json:"id"`
	Owner        common.Address `json:"owner"`
	Agent        common.Address `json:"agent"`
	TokenIn      common.Address `json:"token_in"`
	TokenOut     common.Address `json:"token_out"`
	AmountIn     *big.Int       `json:"amount_in"`
	MinAmountOut *big.Int       `json:"min_amount_out"`
	StrategyRef  common.Hash    `json:"strategy_ref"`
	Status       OrderStatus    `json:"status"`
	CreatedAt    int64          `json:"created_at"`
	UpdatedAt    int64          `json:"updated_at"`
}

// Clone 返回深拷贝。
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	clone.AmountIn = cloneAmount(o.AmountIn)
	clone.MinAmountOut = cloneAmount(o.MinAmountOut)
	return &clone
}

// OrderRequest 是 CreateOrder 的入参。
type OrderRequest struct {
	Agent        common.Address `json:"agent"`
	TokenIn      common.Address `json:"token_in"`
	TokenOut     common.Address `json:"token_out"`
	AmountIn     *big.Int       `json:"amount_in"`
	MinAmountOut *big.Int       `json:"min_amount_out"`
	StrategyRef  common.Hash    `json:"strategy_ref"`
}

// Settlement 描述一次订单执行的资金去向。
type Settlement struct {
	Order     *Order         `json:"order"`
	Recipient common.Address `json:"recipient"`
	AmountOut *big.Int       `json:"amount_out"`
	Surplus   *big.Int       `json:"surplus"`
}

const (
	CodeInvalidAmount       xerrors.Code = "ESCROW_INVALID_AMOUNT"
	CodeInvalidAddress      xerrors.Code = "ESCROW_INVALID_ADDRESS"
	CodeInsufficientBalance xerrors.Code = "ESCROW_INSUFFICIENT_BALANCE"
	CodeAgentNotAuthorised  xerrors.Code = "ESCROW_AGENT_NOT_AUTHORISED"
	CodeNotTreasury         xerrors.Code = "ESCROW_NOT_TREASURY"
	CodeNotOwner            xerrors.Code = "ESCROW_NOT_OWNER"
	CodeNotAgent            xerrors.Code = "ESCROW_NOT_AGENT"
	CodeNotPending          xerrors.Code = "ESCROW_NOT_PENDING"
	CodeRecipientRequired   xerrors.Code = "ESCROW_RECIPIENT_REQUIRED"
	CodeSlippageExceeded    xerrors.Code = "ESCROW_SLIPPAGE_EXCEEDED"
	CodeOrderNotFound       xerrors.Code = "ESCROW_ORDER_NOT_FOUND"
	CodeSettlementFailed    xerrors.Code = "ESCROW_SETTLEMENT_FAILED"
)

var (
	// ErrInvalidAmount 表示金额必须大于零。
	ErrInvalidAmount = xerrors.New(CodeInvalidAmount, "amount must be positive")
	// ErrInvalidAddress 表示地址不能为零地址。
	ErrInvalidAddress = xerrors.New(CodeInvalidAddress, "zero address")
	// ErrInsufficientBalance 表示托管余额不足。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "insufficient balance")
	// ErrAgentNotAuthorised 表示 owner 未授权该 agent。
	ErrAgentNotAuthorised = xerrors.New(CodeAgentNotAuthorised, "agent not authorised")
	// ErrNotTreasury 表示调用方不是 treasury。
	ErrNotTreasury = xerrors.New(CodeNotTreasury, "caller is not treasury")
	// ErrNotOwner 表示调用方不是订单所有者。
	ErrNotOwner = xerrors.New(CodeNotOwner, "caller is not order owner")
	// ErrNotAgent 表示调用方既不是订单指定 agent 也不是全局 agent。
	ErrNotAgent = xerrors.New(CodeNotAgent, "caller is not order agent")
	// ErrNotPending 表示订单已经结束。
	ErrNotPending = xerrors.New(CodeNotPending, "order not pending")
	// ErrRecipientRequired 表示执行时必须指定收款人。
	ErrRecipientRequired = xerrors.New(CodeRecipientRequired, "recipient required")
	// ErrSlippageExceeded 表示 amountOut 低于订单的最小输出。
	ErrSlippageExceeded = xerrors.New(CodeSlippageExceeded, "slippage exceeded")
	// ErrOrderNotFound 表示订单不存在。
	ErrOrderNotFound = xerrors.New(CodeOrderNotFound, "order not found")
)

func init() {
	register := func(code xerrors.Code, message string, sev xerrors.Severity, cat xerrors.Category, retryable bool) {
		xerrors.Register(code, xerrors.Attributes{
			Message:   message,
			Severity:  sev,
			Category:  cat,
			Retryable: retryable,
		})
	}
	register(CodeInvalidAmount, "amount must be positive", xerrors.SeverityInfo, xerrors.CategoryValidation, false)
	register(CodeInvalidAddress, "zero address", xerrors.SeverityInfo, xerrors.CategoryValidation, false)
	register(CodeInsufficientBalance, "insufficient balance", xerrors.SeverityInfo, xerrors.CategoryEconomic, true)
	register(CodeAgentNotAuthorised, "agent not authorised", xerrors.SeverityWarning, xerrors.CategoryAuthorization, false)
	register(CodeNotTreasury, "caller is not treasury", xerrors.SeverityWarning, xerrors.CategoryAuthorization, false)
	register(CodeNotOwner, "caller is not order owner", xerrors.SeverityWarning, xerrors.CategoryAuthorization, false)
	register(CodeNotAgent, "caller is not order agent", xerrors.SeverityWarning, xerrors.CategoryAuthorization, false)
	register(CodeNotPending, "order not pending", xerrors.SeverityInfo, xerrors.CategoryState, false)
	register(CodeRecipientRequired, "recipient required", xerrors.SeverityInfo, xerrors.CategoryValidation, false)
	register(CodeSlippageExceeded, "slippage exceeded", xerrors.SeverityInfo, xerrors.CategoryEconomic, true)
	register(CodeOrderNotFound, "order not found", xerrors.SeverityInfo, xerrors.CategoryState, false)
	xerrors.Register(CodeSettlementFailed, xerrors.Attributes{
		Message:   "asset settlement failed",
		Severity:  xerrors.SeverityCritical,
		Category:  xerrors.CategoryExternal,
		Retryable: true,
		Alert:     true,
	})
}
