package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
	"sync"
)

// Code 表示系统内的统一错误码，同时作为线上 error 事件的 code 字段。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Kind 将错误码归入对外约定的错误类别，决定重试与事件上报方式。
type Kind string

const (
	// KindInternal 表示进程内部故障，不属于任何对外类别。
	KindInternal Kind = "internal"
	// KindValidation 表示入站请求不合法，直接拒绝且不重试。
	KindValidation Kind = "validation"
	// KindBackend 表示证明引擎执行失败，以 proof_error 事件上报。
	KindBackend Kind = "backend"
	// KindTransient 表示网络抖动类故障，仅由验证协调器与结算触发器有限重试。
	KindTransient Kind = "transient"
	// KindChainRejection 表示链上验证合约拒绝证明，属于终态。
	KindChainRejection Kind = "chain_rejection"
	// KindSettlement 表示支付网关拒绝或失败，属于终态。
	KindSettlement Kind = "settlement"
)

// kindSeverity 是注册时未声明严重程度的错误码按类别取得的默认值。
var kindSeverity = map[Kind]Severity{
	KindInternal:       SeverityCritical,
	KindValidation:     SeverityInfo,
	KindBackend:        SeverityWarning,
	KindTransient:      SeverityWarning,
	KindChainRejection: SeverityWarning,
	KindSettlement:     SeverityCritical,
}

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
	Kind      Kind
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeConflict              Code = "CONFLICT"
	CodeRetriesExhausted      Code = "RETRIES_EXHAUSTED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeValidation            Code = "VALIDATION_ERROR"
	CodeMalformedMessage      Code = "MALFORMED_MESSAGE"
	CodeTransientNetwork      Code = "TRANSIENT_NETWORK"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[Code]Attributes)
)

func init() {
	Register(CodeUnknown, Attributes{Message: "unknown error", Alert: true})
	Register(CodeInvalidArgument, Attributes{Message: "invalid argument", Kind: KindValidation})
	Register(CodeConflict, Attributes{Message: "resource conflict", Severity: SeverityWarning})
	Register(CodeRetriesExhausted, Attributes{Message: "retries exhausted", Severity: SeverityWarning, Alert: true})
	Register(CodeInitializationFailure, Attributes{Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true})
	Register(CodeStorageFailure, Attributes{Message: "storage failure", Retryable: true, Alert: true})
	Register(CodeTimeout, Attributes{Message: "operation timed out", Retryable: true, Alert: true, Kind: KindTransient})
	Register(CodeValidation, Attributes{Message: "request validation failed", Kind: KindValidation})
	Register(CodeMalformedMessage, Attributes{Message: "message is not valid JSON or has an unknown shape", Kind: KindValidation})
	Register(CodeTransientNetwork, Attributes{Message: "temporary network failure", Retryable: true, Kind: KindTransient})
}

// Register 允许业务模块在初始化阶段注册新的错误码描述。
// 未声明类别的视为内部错误，未声明严重程度的按类别取默认值。
func Register(code Code, attr Attributes) {
	if attr.Kind == "" {
		attr.Kind = KindInternal
	}
	if attr.Severity == "" {
		attr.Severity = kindSeverity[attr.Kind]
	}
	registryMu.Lock()
	registry[code] = attr
	registryMu.Unlock()
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。属性在读取时按错误码解析，
// 因此包级哨兵错误可以早于对应错误码的注册而创建。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息，随告警事件一并投递。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖错误码的默认重试属性。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// WithAlert 覆盖错误码的默认告警属性。
func WithAlert(alert bool) Option {
	return func(e *Error) { e.alert = &alert }
}

// New 创建错误实例，message 为空时使用错误码注册的描述。
func New(code Code, message string, opts ...Option) *Error {
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

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause == nil {
		return fmt.Sprintf("[%s] %s", e.code, e.Message())
	}
	return fmt.Sprintf("[%s] %s: %v", e.code, e.Message(), e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 使 errors.Is 按错误码匹配。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回可对外展示的描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	if e.message != "" {
		return e.message
	}
	return AttributesOf(e.code).Message
}

// attributes 合并注册表默认值与实例上的覆盖项。
func (e *Error) attributes() Attributes {
	attr := AttributesOf(e.code)
	if e.retryable != nil {
		attr.Retryable = *e.retryable
	}
	if e.alert != nil {
		attr.Alert = *e.alert
	}
	return attr
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool { return e != nil && e.attributes().Retryable }

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool { return e != nil && e.attributes().Alert }

// Kind 返回错误所属类别。
func (e *Error) Kind() Kind {
	if e == nil {
		return KindInternal
	}
	return e.attributes().Kind
}

// From 尝试从 error 链中取出最外层的统一错误类型。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
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

// RetryableError 判断任意 error 是否可重试，非统一错误一律不重试。
func RetryableError(err error) bool {
	e, ok := From(err)
	return ok && e.Retryable()
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	e, ok := From(err)
	return ok && e.ShouldAlert()
}

// KindOf 返回任意 error 所属的错误类别。
func KindOf(err error) Kind {
	if e, ok := From(err); ok {
		return e.Kind()
	}
	return KindInternal
}

// PublicMessage 返回可以安全暴露给客户端的描述，不包含底层原因。
func PublicMessage(err error) string {
	if e, ok := From(err); ok {
		return e.Message()
	}
	return AttributesOf(CodeUnknown).Message
}

// MetadataOf 收集错误链上全部统一错误的附加信息，外层覆盖内层。
func MetadataOf(err error) map[string]string {
	var chain []*Error
	for cur := err; cur != nil; cur = stdErrors.Unwrap(cur) {
		if e, ok := cur.(*Error); ok && len(e.metadata) > 0 {
			chain = append(chain, e)
		}
	}
	if len(chain) == 0 {
		return nil
	}
	merged := make(map[string]string)
	for i := len(chain) - 1; i >= 0; i-- {
		maps.Copy(merged, chain[i].metadata)
	}
	return merged
}

// IsCode 判断错误链中是否存在指定错误码。
func IsCode(err error, code Code) bool {
	return err != nil && stdErrors.Is(err, &Error{code: code})
}
