// Package job 是运营方的执行任务层：订单结算与策略执行请求先持久化，再经队列
// 交给 Processor 执行，可重试的失败会重新入队直到达到 max_retries。
package job

import (
	"encoding/json"
	stdErrors "errors"

	xerrors "X402-Chain/internal/errors"
)

// Kind 表示任务类型。
type Kind string

const (
	KindExecuteOrder    Kind = "execute_order"
	KindExecuteStrategy Kind = "execute_strategy"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// DefaultMaxRetries 是未指定时的最大尝试次数。
const DefaultMaxRetries = 3

// Job 描述了排队执行的运营任务。
type Job struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Payload    json.RawMessage   `json:"payload"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Status     Status            `json:"status"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	LastError  string            `json:"last_error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Result     json.RawMessage   `json:"result,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

// OrderPayload 是 execute_order 任务的参数。金额以十进制字符串传递。
type OrderPayload struct {
	Caller    string `json:"caller"`
	OrderID   uint64 `json:"order_id"`
	Recipient string `json:"recipient"`
	AmountOut string `json:"amount_out"`
}

// StrategyPayload 是 execute_strategy 任务的参数，Params 为 ABI 编码的执行参数。
type StrategyPayload struct {
	Caller     string `json:"caller"`
	StrategyID string `json:"strategy_id"`
	Params     string `json:"params"`
}

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrJobCompleted 表示任务已经成功完成。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrJobExhausted 表示任务的重试次数已经耗尽或已终止。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "job retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeJobNotFound   xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "JOB_CONFLICT"
	CodeJobCompleted  xerrors.Code = "JOB_COMPLETED"
	CodeJobExhausted  xerrors.Code = "JOB_RETRIES_EXHAUSTED"
	CodeJobValidation xerrors.Code = "JOB_VALIDATION_FAILED"
	CodeJobPublish    xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobProcessing xerrors.Code = "JOB_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "job not found",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryValidation,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:  "job conflict",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryState,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:  "job already completed",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryState,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:  "job retries exhausted",
		Severity: xerrors.SeverityCritical,
		Category: xerrors.CategoryState,
		Alert:    true,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:  "job validation failed",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryValidation,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish job",
		Severity:  xerrors.SeverityCritical,
		Category:  xerrors.CategoryInternal,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:   "job execution failed",
		Severity:  xerrors.SeverityWarning,
		Category:  xerrors.CategoryInternal,
		Retryable: true,
		Alert:     true,
	})
}

// IsJobError 判断错误是否为指定的任务错误。
func IsJobError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	for _, candidate := range []*xerrors.Error{ErrJobNotFound, ErrJobConflict, ErrJobCompleted, ErrJobExhausted} {
		if stdErrors.Is(err, candidate) {
			return target == candidate.Code()
		}
	}
	return false
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// IsValidKind 检查任务类型。
func IsValidKind(kind Kind) bool {
	return kind == KindExecuteOrder || kind == KindExecuteStrategy
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]string, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneJob(job *Job) *Job {
	clone := *job
	clone.Payload = append(json.RawMessage(nil), job.Payload...)
	if job.Result != nil {
		clone.Result = append(json.RawMessage(nil), job.Result...)
	}
	clone.Metadata = cloneMetadata(job.Metadata)
	return &clone
}
