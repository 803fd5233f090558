package hub

import (
	"errors"
	"time"
)

// Core hub errors
var (
	// Connection errors (transport-level, retryable)

	ErrConnectionClosed  = errors.New("connection is closed")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrConnectionLost    = errors.New("connection lost")
	ErrServerUnreachable = errors.New("server unreachable")

	// Authentication errors

	ErrTokenExpired         = errors.New("token expired")
	ErrTokenInvalid         = errors.New("invalid token")
	ErrTokenRevoked         = errors.New("token revoked")
	ErrAuthenticationFailed = errors.New("authentication failed")

	// Protocol errors

	ErrProtocolViolation = errors.New("protocol violation")
	ErrInvalidMessage    = errors.New("invalid message")

	// Capacity errors (admission decisions, not defects)

	ErrConnectionLimitReached = errors.New("connection limit reached")
	ErrAuthenticationBlocked  = errors.New("authentication blocked")

	// Queue errors

	ErrOperationRejected = errors.New("operation rejected by server")
	ErrQueueCleared      = errors.New("pending queue cleared")

	// Routing errors

	ErrBindingNotFound = errors.New("binding not found")
	ErrBindingDisabled = errors.New("binding disabled")

	// Configuration errors

	ErrInvalidConfig = errors.New("invalid configuration")

	// Internal bug class: the operation-queue optimizer let two entries
	// coexist for one key. Must never be observable in production.
	ErrOptimizerInvariant = errors.New("optimizer invariant violation")
)

// ErrorCode represents a numeric error code for efficient classification
type ErrorCode int

const (
	ErrorCodeSuccess ErrorCode = 0

	// Connection error codes (1000-1999)

	ErrorCodeConnectionClosed  ErrorCode = 1001
	ErrorCodeConnectionTimeout ErrorCode = 1002
	ErrorCodeConnectionLost    ErrorCode = 1003
	ErrorCodeServerUnreachable ErrorCode = 1004

	// Authentication error codes (2000-2999)

	ErrorCodeTokenExpired         ErrorCode = 2001
	ErrorCodeTokenInvalid         ErrorCode = 2002
	ErrorCodeTokenRevoked         ErrorCode = 2003
	ErrorCodeAuthenticationFailed ErrorCode = 2004

	// Protocol error codes (3000-3999)

	ErrorCodeProtocolViolation ErrorCode = 3001
	ErrorCodeInvalidMessage    ErrorCode = 3002

	// Capacity error codes (4000-4999)

	ErrorCodeConnectionLimitReached ErrorCode = 4001
	ErrorCodeAuthenticationBlocked  ErrorCode = 4002

	// Queue error codes (5000-5999)

	ErrorCodeOperationRejected ErrorCode = 5001
	ErrorCodeQueueCleared      ErrorCode = 5002

	// Generic error codes (9000-9999)

	ErrorCodeInvalidConfig      ErrorCode = 9001
	ErrorCodeOptimizerInvariant ErrorCode = 9002
	ErrorCodeUnknown            ErrorCode = 9999
)

// Error is a hub error with code and context
type Error struct {
	Code      ErrorCode
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp int64
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new hub error
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Context:   make(map[string]any),
		Timestamp: time.Now().Unix(),
	}
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

// IsRetryable reports whether the failed operation can be retried
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrorCodeConnectionTimeout,
		ErrorCodeConnectionLost,
		ErrorCodeServerUnreachable,
		ErrorCodeTokenExpired:
		return true
	default:
		return false
	}
}

// IsFatal reports whether the error requires operator intervention
func (e *Error) IsFatal() bool {
	switch e.Code {
	case ErrorCodeTokenInvalid,
		ErrorCodeTokenRevoked,
		ErrorCodeOptimizerInvariant:
		return true
	default:
		return false
	}
}

var errorCodeMap = map[error]ErrorCode{
	ErrConnectionClosed:  ErrorCodeConnectionClosed,
	ErrConnectionTimeout: ErrorCodeConnectionTimeout,
	ErrConnectionLost:    ErrorCodeConnectionLost,
	ErrServerUnreachable: ErrorCodeServerUnreachable,

	ErrTokenExpired:         ErrorCodeTokenExpired,
	ErrTokenInvalid:         ErrorCodeTokenInvalid,
	ErrTokenRevoked:         ErrorCodeTokenRevoked,
	ErrAuthenticationFailed: ErrorCodeAuthenticationFailed,

	ErrProtocolViolation: ErrorCodeProtocolViolation,
	ErrInvalidMessage:    ErrorCodeInvalidMessage,

	ErrConnectionLimitReached: ErrorCodeConnectionLimitReached,
	ErrAuthenticationBlocked:  ErrorCodeAuthenticationBlocked,

	ErrOperationRejected: ErrorCodeOperationRejected,
	ErrQueueCleared:      ErrorCodeQueueCleared,

	ErrInvalidConfig:      ErrorCodeInvalidConfig,
	ErrOptimizerInvariant: ErrorCodeOptimizerInvariant,
}

// GetErrorCode returns the error code for a given error
func GetErrorCode(err error) ErrorCode {
	if code, exists := errorCodeMap[err]; exists {
		return code
	}

	var hubErr *Error
	if errors.As(err, &hubErr) {
		return hubErr.Code
	}

	return ErrorCodeUnknown
}

// WrapError wraps a standard error into a hub Error
func WrapError(err error, message string) *Error {
	return NewError(GetErrorCode(err), message, err)
}
