package apierrors

import (
	"context"
	"errors"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"
)

// Code 表示统一业务错误码。
type Code string

const (
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeNotFound         Code = "NOT_FOUND"
	CodeBusy             Code = "BUSY"
	CodeAuth             Code = "AUTH"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeEnvelope         Code = "ENVELOPE"
	CodeIntegrity        Code = "INTEGRITY"
	CodeDownload         Code = "DOWNLOAD"
	CodeHandoff          Code = "HANDOFF"
	CodeProtocol         Code = "PROTOCOL"
	CodeExecution        Code = "EXECUTION"
	CodeExecutionTimeout Code = "EXECUTION_TIMEOUT"
	CodeAborted          Code = "ABORTED"
	CodeInternal         Code = "INTERNAL_ERROR"
)

// Reason 是上报给状态回调方的失败类别。
type Reason string

const (
	ReasonAuth      Reason = "auth"
	ReasonTamper    Reason = "tamper"
	ReasonIntegrity Reason = "integrity"
	ReasonDownload  Reason = "download"
	ReasonHandoff   Reason = "handoff"
	ReasonProtocol  Reason = "protocol"
	ReasonExecution Reason = "execution"
	ReasonTimeout   Reason = "timeout"
	ReasonAborted   Reason = "aborted"
	ReasonInternal  Reason = "internal"
)

var httpStatusMap = map[Code]int{
	CodeInvalidArgument:  400,
	CodeNotFound:         404,
	CodeBusy:             429,
	CodeAuth:             401,
	CodeUnavailable:      503,
	CodeEnvelope:         422,
	CodeIntegrity:        422,
	CodeDownload:         502,
	CodeHandoff:          500,
	CodeProtocol:         500,
	CodeExecution:        500,
	CodeExecutionTimeout: 504,
	CodeAborted:          409,
}

var grpcStatusMap = map[Code]codes.Code{
	CodeInvalidArgument:  codes.InvalidArgument,
	CodeNotFound:         codes.NotFound,
	CodeBusy:             codes.ResourceExhausted,
	CodeAuth:             codes.Unauthenticated,
	CodeUnavailable:      codes.Unavailable,
	CodeEnvelope:         codes.FailedPrecondition,
	CodeIntegrity:        codes.DataLoss,
	CodeDownload:         codes.Unavailable,
	CodeHandoff:          codes.Internal,
	CodeProtocol:         codes.Internal,
	CodeExecution:        codes.Aborted,
	CodeExecutionTimeout: codes.DeadlineExceeded,
	CodeAborted:          codes.Canceled,
}

var reasonMap = map[Code]Reason{
	CodeAuth:             ReasonAuth,
	CodeUnavailable:      ReasonAuth,
	CodeEnvelope:         ReasonTamper,
	CodeIntegrity:        ReasonIntegrity,
	CodeDownload:         ReasonDownload,
	CodeHandoff:          ReasonHandoff,
	CodeProtocol:         ReasonProtocol,
	CodeExecution:        ReasonExecution,
	CodeExecutionTimeout: ReasonTimeout,
	CodeAborted:          ReasonAborted,
}

// Error 表示带统一错误码的业务错误。
type Error struct {
	Code       Code
	Message    string
	cause      error
	retryAfter time.Duration
	fatal      bool
}

// New 创建一个新的业务错误。
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap 创建带底层原因的业务错误，cause 可通过 errors.Is/As 访问。
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithRetryAfter 设置 Retry-After 提示，返回自身方便链式调用。
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.retryAfter = d
	return e
}

// AsFatal 标记该错误不可重试，错误码与上报类别不变。
func (e *Error) AsFatal() *Error {
	e.fatal = true
	return e
}

// RetryAfterHint 以秒为单位返回 Retry-After 提示文本。
func (e *Error) RetryAfterHint() string {
	if e == nil || e.retryAfter <= 0 {
		return ""
	}
	seconds := int((e.retryAfter + time.Second - 1) / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.cause != nil {
		return msg + ": " + e.cause.Error()
	}
	return msg
}

// Unwrap 返回底层原因。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，使 errors.Is(err, apierrors.New(CodeX, "")) 可用。
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return other.Message == "" && other.cause == nil && other.Code == e.Code
}

// FromError 尝试从通用 error 中解析业务错误。
func FromError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// CodeOf 返回错误码，非业务错误返回 CodeInternal。
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if apiErr, ok := FromError(err); ok {
		return apiErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeUnavailable
	}
	return CodeInternal
}

// HasCode 判断错误链中是否带有指定错误码。
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable 标记可以退避重试的错误码。
func Retryable(code Code) bool {
	switch code {
	case CodeAuth, CodeUnavailable, CodeDownload:
		return true
	default:
		return false
	}
}

// IsFatal 判断错误链中的业务错误是否被标记为不可重试。
func IsFatal(err error) bool {
	apiErr, ok := FromError(err)
	return ok && apiErr.fatal
}

// ReasonFor 将错误映射为上报用的失败类别。
func ReasonFor(err error) Reason {
	if err == nil {
		return ""
	}
	if reason, ok := reasonMap[CodeOf(err)]; ok {
		return reason
	}
	return ReasonInternal
}

// HTTPStatus 返回对应的 HTTP 状态码，未知错误默认 500。
func HTTPStatus(code Code) int {
	if status, ok := httpStatusMap[code]; ok {
		return status
	}
	return 500
}

// GRPCStatus 返回对应的 gRPC code，未知错误默认 Internal。
func GRPCStatus(code Code) codes.Code {
	if status, ok := grpcStatusMap[code]; ok {
		return status
	}
	return codes.Internal
}

// RequiresRetryAfter 标记是否必须携带 Retry-After 头。
func RequiresRetryAfter(code Code) bool {
	return code == CodeBusy || code == CodeUnavailable
}
