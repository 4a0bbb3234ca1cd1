package errors

import (
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Category 对错误进行业务归类，调用方据此决定是否调整参数后重试。
type Category string

const (
	// CategoryValidation 输入校验失败，例如零金额、零地址或参数无法解码。
	CategoryValidation Category = "validation"
	// CategoryAuthorization 调用方不是 owner、agent 或 treasury。
	CategoryAuthorization Category = "authorization"
	// CategoryState 当前状态下操作不成立，例如订单已结束或策略已停用。
	CategoryState Category = "state"
	// CategoryEconomic 滑点、余额、输出或费用不满足要求，可调整参数后重试。
	CategoryEconomic Category = "economic"
	// CategoryExternal 预言机、路由或存储等外部依赖失败，待依赖恢复后整体重试。
	CategoryExternal Category = "external"
	// CategoryInternal 系统内部错误。
	CategoryInternal Category = "internal"
)

// Attributes 为错误码提供默认行为。字段顺序固定，内置表按位置初始化。
type Attributes struct {
	Message   string
	Severity  Severity
	Category  Category
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeExecutorFailure       Code = "EXECUTOR_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {"unknown error", SeverityCritical, CategoryInternal, false, true},
		CodeInvalidArgument:       {"invalid argument", SeverityInfo, CategoryValidation, false, false},
		CodeNotFound:              {"resource not found", SeverityInfo, CategoryState, false, false},
		CodeConflict:              {"resource conflict", SeverityWarning, CategoryState, false, false},
		CodeInitializationFailure: {"service not initialized", SeverityWarning, CategoryInternal, true, true},
		CodeStorageFailure:        {"storage failure", SeverityCritical, CategoryExternal, true, true},
		CodeQueueFailure:          {"queue failure", SeverityCritical, CategoryExternal, true, true},
		CodeExecutorFailure:       {"executor failure", SeverityWarning, CategoryExternal, true, true},
		CodeTimeout:               {"operation timed out", SeverityWarning, CategoryExternal, true, true},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	attr, ok := registry[code]
	registryMu.RUnlock()
	if ok {
		return attr
	}
	registryMu.RLock()
	fallback := registry[CodeUnknown]
	registryMu.RUnlock()
	return fallback
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	attr := AttributesOf(e.code)
	return attr.Retryable
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	attr := AttributesOf(e.code)
	return attr.Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	attr := AttributesOf(e.code)
	return attr.Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// Retryable 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// CategoryOf 返回错误所属的业务类别，未知错误归为 internal。
func CategoryOf(err error) Category {
	if e, ok := From(err); ok {
		return AttributesOf(e.Code()).Category
	}
	return CategoryInternal
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// LogAttrs 把统一错误展开为结构化日志字段：code、category、severity、
// retryable 以及按键排序的 metadata。非统一错误只输出 error 文本。
func LogAttrs(err error) []any {
	if err == nil {
		return nil
	}
	attrs := []any{slog.String("error", err.Error())}
	e, ok := From(err)
	if !ok {
		return attrs
	}
	attrs = append(attrs,
		slog.String("error_code", string(e.Code())),
		slog.String("category", string(AttributesOf(e.Code()).Category)),
		slog.String("severity", string(e.Severity())),
		slog.Bool("retryable", e.Retryable()),
	)
	metadata := e.Metadata()
	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		attrs = append(attrs, slog.String("meta."+key, metadata[key]))
	}
	return attrs
}
