package agent

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "X402-Chain/internal/errors"
	"X402-Chain/internal/router"
)

// MaxSlippageBps 是滑点上限，即 100%。
const MaxSlippageBps = 10_000

// StrategyConfig 是单个策略编号的执行配置。
type StrategyConfig struct {
	TokenIn        common.Address `json:"token_in"`
	TokenOut       common.Address `json:"token_out"`
	PriceFeedID    common.Hash    `json:"price_feed_id"`
	MinInterval    time.Duration  `json:"min_interval"`
	MaxStaleness   time.Duration  `json:"max_staleness"`
	MaxSlippageBps uint32         `json:"max_slippage_bps"`
	Active         bool           `json:"active"`
}

// Validate 校验配置本身的取值范围。
func (c StrategyConfig) Validate() error {
	switch {
	case c.MaxSlippageBps > MaxSlippageBps:
		return invalidConfig("max slippage exceeds 10000 bps")
	case c.MinInterval <= 0:
		return invalidConfig("interval must be positive")
	case c.MaxStaleness <= 0:
		return invalidConfig("staleness must be positive")
	case c.TokenIn == (common.Address{}) || c.TokenOut == (common.Address{}):
		return invalidConfig("token address is zero")
	case c.TokenIn == c.TokenOut:
		return invalidConfig("token pair is identical")
	case c.PriceFeedID == (common.Hash{}):
		return invalidConfig("price feed id is zero")
	}
	return nil
}

// Params 是 ExecuteStrategy 的入参，线上以 ABI 元组编码传递。
type Params struct {
	TokenIn         common.Address
	TokenOut        common.Address
	Executor        common.Address
	Desc            router.SwapDescription
	ExecutionData   []byte
	PriceUpdateData [][]byte
	MaxUpdateFee    *big.Int
	ReferencePrice  *big.Int
}

// ExecutionRecord 是一次成功执行的结构化记录。
type ExecutionRecord struct {
	StrategyID     common.Hash    `json:"strategy_id"`
	Caller         common.Address `json:"caller"`
	TokenIn        common.Address `json:"token_in"`
	TokenOut       common.Address `json:"token_out"`
	AmountIn       *big.Int       `json:"amount_in"`
	AmountOut      *big.Int       `json:"amount_out"`
	ReportedOut    *big.Int       `json:"reported_out"`
	ReferencePrice *big.Int       `json:"reference_price"`
	ExecutedPrice  *big.Int       `json:"executed_price"`
	FeePaid        *big.Int       `json:"fee_paid"`
	ExecutedAt     time.Time      `json:"executed_at"`
}

// 稳定的校验失败原因。
const (
	ReasonStrategyInactive     = "strategy inactive"
	ReasonInvalidParams        = "invalid params"
	ReasonPairMismatch         = "token pair mismatch"
	ReasonInvalidExecutor      = "invalid executor"
	ReasonInvalidAmount        = "invalid swap amount"
	ReasonInvalidReceiver      = "receiver must be agent"
	ReasonEmptyExecutionData   = "empty execution data"
	ReasonEmptyPriceUpdate     = "empty price update data"
	ReasonInsufficientBalance  = "insufficient balance"
	ReasonIntervalNotElapsed   = "interval not elapsed"
	ReasonReferencePriceNeeded = "reference price required"
)

const (
	CodeNotOwner            xerrors.Code = "AGENT_NOT_OWNER"
	CodeNotExecutor         xerrors.Code = "AGENT_NOT_EXECUTOR"
	CodePaused              xerrors.Code = "AGENT_PAUSED"
	CodeInvalidConfig       xerrors.Code = "AGENT_INVALID_CONFIG"
	CodeInvalidParams       xerrors.Code = "AGENT_INVALID_PARAMS"
	CodeStrategyInactive    xerrors.Code = "AGENT_STRATEGY_INACTIVE"
	CodeIntervalNotElapsed  xerrors.Code = "AGENT_INTERVAL_NOT_ELAPSED"
	CodeInsufficientBalance xerrors.Code = "AGENT_INSUFFICIENT_BALANCE"
	CodeFeeExceedsCap       xerrors.Code = "AGENT_FEE_EXCEEDS_CAP"
	CodeSlippageExceeded    xerrors.Code = "AGENT_SLIPPAGE_EXCEEDED"
	CodeInsufficientOutput  xerrors.Code = "AGENT_INSUFFICIENT_OUTPUT"
	CodeCustodyViolation    xerrors.Code = "AGENT_CUSTODY_VIOLATION"
	CodeSwapFailed          xerrors.Code = "AGENT_SWAP_FAILED"
)

var (
	// ErrNotOwner 表示调用方不是 agent owner。
	ErrNotOwner = xerrors.New(CodeNotOwner, "caller is not owner")
	// ErrNotExecutor 表示调用方既不是 owner 也不在执行者名单中。
	ErrNotExecutor = xerrors.New(CodeNotExecutor, "caller is not executor")
	// ErrPaused 表示 agent 已紧急暂停。
	ErrPaused = xerrors.New(CodePaused, "agent paused")
	// ErrStrategyInactive 表示策略未配置或未启用。
	ErrStrategyInactive = xerrors.New(CodeStrategyInactive, ReasonStrategyInactive)
	// ErrIntervalNotElapsed 表示距离上次执行未满最小间隔。
	ErrIntervalNotElapsed = xerrors.New(CodeIntervalNotElapsed, ReasonIntervalNotElapsed)
	// ErrInsufficientBalance 表示 agent 持有的输入资产不足。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, ReasonInsufficientBalance)
	// ErrFeeExceedsCap 表示预言机更新费用超过调用方上限。
	ErrFeeExceedsCap = xerrors.New(CodeFeeExceedsCap, "update fee exceeds cap")
	// ErrSlippageExceeded 表示预言机价格偏离参考价格超过允许范围。
	ErrSlippageExceeded = xerrors.New(CodeSlippageExceeded, "slippage exceeded")
	// ErrInsufficientOutput 表示按余额差额计量的产出低于最小产出。
	ErrInsufficientOutput = xerrors.New(CodeInsufficientOutput, "insufficient output")
	// ErrCustodyViolation 表示收款方或交易对在执行过程中被改变。
	ErrCustodyViolation = xerrors.New(CodeCustodyViolation, "self custody violated")
)

func init() {
	register := func(code xerrors.Code, message string, cat xerrors.Category, retryable bool) {
		sev := xerrors.SeverityInfo
		if cat == xerrors.CategoryAuthorization || cat == xerrors.CategoryExternal {
			sev = xerrors.SeverityWarning
		}
		xerrors.Register(code, xerrors.Attributes{
			Message:   message,
			Severity:  sev,
			Category:  cat,
			Retryable: retryable,
		})
	}
	register(CodeNotOwner, "caller is not owner", xerrors.CategoryAuthorization, false)
	register(CodeNotExecutor, "caller is not executor", xerrors.CategoryAuthorization, false)
	register(CodePaused, "agent paused", xerrors.CategoryState, false)
	register(CodeInvalidConfig, "invalid strategy config", xerrors.CategoryValidation, false)
	register(CodeInvalidParams, "invalid execution params", xerrors.CategoryValidation, false)
	register(CodeStrategyInactive, ReasonStrategyInactive, xerrors.CategoryState, false)
	register(CodeIntervalNotElapsed, ReasonIntervalNotElapsed, xerrors.CategoryState, false)
	register(CodeInsufficientBalance, ReasonInsufficientBalance, xerrors.CategoryEconomic, true)
	register(CodeFeeExceedsCap, "update fee exceeds cap", xerrors.CategoryEconomic, true)
	register(CodeSlippageExceeded, "slippage exceeded", xerrors.CategoryEconomic, true)
	register(CodeInsufficientOutput, "insufficient output", xerrors.CategoryEconomic, true)
	register(CodeSwapFailed, "swap failed", xerrors.CategoryExternal, true)
	xerrors.Register(CodeCustodyViolation, xerrors.Attributes{
		Message:  "self custody violated",
		Severity: xerrors.SeverityCritical,
		Category: xerrors.CategoryInternal,
		Alert:    true,
	})
}

func invalidConfig(reason string) error {
	return xerrors.New(CodeInvalidConfig, reason)
}

func invalidParams(reason string) error {
	return xerrors.New(CodeInvalidParams, reason, xerrors.WithMetadata("reason", reason))
}
