package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode enumerates every failure kind the engine can surface, both on
// job records and as HTTP responses.
type ErrorCode string

const (
	ErrValidation           ErrorCode = "VALIDATION"
	ErrAuth                 ErrorCode = "AUTH"
	ErrRateLimit            ErrorCode = "RATE_LIMIT"
	ErrNotFound             ErrorCode = "NOT_FOUND"
	ErrConflict             ErrorCode = "CONFLICT"
	ErrQueueFull            ErrorCode = "QUEUE_FULL"
	ErrPathUnsafe           ErrorCode = "PATH_UNSAFE"
	ErrSpawnFailed          ErrorCode = "SUBPROCESS_SPAWN_FAILED"
	ErrNonZeroExit          ErrorCode = "SUBPROCESS_NONZERO_EXIT"
	ErrTimeout              ErrorCode = "TIMEOUT"
	ErrStallTimeout         ErrorCode = "STALL_TIMEOUT"
	ErrCancelled            ErrorCode = "CANCELLED"
	ErrOutputMissing        ErrorCode = "OUTPUT_MISSING"
	ErrDecryptFailed        ErrorCode = "DECRYPT_FAILED"
	ErrInvalidCookieFormat  ErrorCode = "INVALID_FORMAT"
	ErrInternal             ErrorCode = "INTERNAL"
)

// Error is the typed error carried on failed jobs and mapped onto HTTP
// status codes by the admission layer.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewError creates a typed error with the given code.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a typed error that wraps an underlying cause.
func WrapError(code ErrorCode, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf extracts the error code from err, defaulting to INTERNAL for
// untyped errors.
func CodeOf(err error) ErrorCode {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	return ErrInternal
}

// HTTPStatus maps an error code to its HTTP status per the admission
// contract. Job-execution codes never reach a synchronous response but map
// to 500 as a fallback.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrValidation, ErrConflict, ErrPathUnsafe, ErrInvalidCookieFormat:
		return http.StatusBadRequest
	case ErrAuth:
		return http.StatusUnauthorized
	case ErrNotFound:
		return http.StatusNotFound
	case ErrRateLimit:
		return http.StatusTooManyRequests
	case ErrQueueFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
