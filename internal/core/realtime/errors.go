package realtime

import (
	"errors"
	"time"
)

// Core realtime errors
var (
	// Connection errors

	ErrNotConnected       = errors.New("not connected")
	ErrConnectionClosed   = errors.New("connection is closed")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrConnectionLost     = errors.New("connection lost")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrMissingToken       = errors.New("auth token is required")
	ErrMissingURL         = errors.New("connection URL is required")

	// Message errors

	ErrMissingFeature = errors.New("message feature is required")
	ErrMissingType    = errors.New("message type is required")
	ErrMissingHandler = errors.New("route handler is required")

	// Routing errors

	ErrValidationFailed     = errors.New("message validation failed")
	ErrTransformationFailed = errors.New("message transformation failed")
	ErrProcessingTimeout    = errors.New("message processing timeout")
)

// ErrorCode represents a numeric error code for efficient error handling
type ErrorCode int

const (
	// Network error codes (1000-1999)

	ErrorCodeConnectionClosed   ErrorCode = 1001
	ErrorCodeConnectionTimeout  ErrorCode = 1002
	ErrorCodeConnectionLost     ErrorCode = 1003
	ErrorCodeNotConnected       ErrorCode = 1004
	ErrorCodeReconnectExhausted ErrorCode = 1005
	ErrorCodeDialFailed         ErrorCode = 1006
	ErrorCodeMissingToken       ErrorCode = 1007

	// Message error codes (2000-2999)

	ErrorCodeInvalidMessage ErrorCode = 2001
	ErrorCodeParseFailed    ErrorCode = 2002

	// Routing error codes (3000-3999)

	ErrorCodeValidationFailed     ErrorCode = 3001
	ErrorCodeTransformationFailed ErrorCode = 3002
	ErrorCodeProcessingTimeout    ErrorCode = 3003
	ErrorCodeRoutingCancelled     ErrorCode = 3004

	// Generic error codes (9000-9999)

	ErrorCodeInternalError ErrorCode = 9001
	ErrorCodeUnknownError  ErrorCode = 9999
)

// Error is a realtime-specific error with a code and optional cause.
type Error struct {
	Code      ErrorCode
	Message   string
	Cause     error
	Timestamp int64
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new realtime error
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now().Unix(),
	}
}

// IsTemporary checks if the error is temporary and the operation can be retried
func (e *Error) IsTemporary() bool {
	switch e.Code {
	case ErrorCodeConnectionTimeout,
		ErrorCodeConnectionLost,
		ErrorCodeProcessingTimeout,
		ErrorCodeDialFailed:
		return true
	default:
		return false
	}
}

// IsRetryable checks if the operation should be retried
func (e *Error) IsRetryable() bool {
	return e.IsTemporary()
}

var errorCodeMap = map[error]ErrorCode{
	ErrNotConnected:         ErrorCodeNotConnected,
	ErrConnectionClosed:     ErrorCodeConnectionClosed,
	ErrConnectionTimeout:    ErrorCodeConnectionTimeout,
	ErrConnectionLost:       ErrorCodeConnectionLost,
	ErrReconnectExhausted:   ErrorCodeReconnectExhausted,
	ErrMissingToken:         ErrorCodeMissingToken,
	ErrMissingFeature:       ErrorCodeInvalidMessage,
	ErrMissingType:          ErrorCodeInvalidMessage,
	ErrValidationFailed:     ErrorCodeValidationFailed,
	ErrTransformationFailed: ErrorCodeTransformationFailed,
	ErrProcessingTimeout:    ErrorCodeProcessingTimeout,
}

// GetErrorCode returns the error code for a given error
func GetErrorCode(err error) ErrorCode {
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	var rtErr *Error
	if errors.As(err, &rtErr) {
		return rtErr.Code
	}

	return ErrorCodeUnknownError
}

// WrapError wraps a standard error into a realtime Error
func WrapError(err error, message string) *Error {
	return NewError(GetErrorCode(err), message, err)
}
