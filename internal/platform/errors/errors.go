// Package errors provides the typed error taxonomy shared by the repository,
// service and handler layers. Every business-rule failure carries a Code that
// the transport layer maps to a status; anything without a Code is internal.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies the kind of failure in a machine-checkable way.
type ErrorCode string

const (
	ErrCodeValidation     ErrorCode = "VALIDATION"
	ErrCodeConflict       ErrorCode = "CONFLICT"
	ErrCodeInvalidState   ErrorCode = "INVALID_STATE"
	ErrCodeScope          ErrorCode = "SCOPE"
	ErrCodeLocked         ErrorCode = "LOCKED"
	ErrCodeEmptyBill      ErrorCode = "EMPTY_BILL"
	ErrCodeRejectionLimit ErrorCode = "REJECTION_LIMIT"
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimited    ErrorCode = "RATE_LIMITED"
	ErrCodeUnavailable    ErrorCode = "UNAVAILABLE"
	ErrCodeInternal       ErrorCode = "INTERNAL"
)

// Error is a coded error with a human-readable message.
type Error struct {
	Code    ErrorCode
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code so callers can write
// errors.Is(err, errors.New(errors.ErrCodeConflict, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a coded error.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error. Driver errors that
// signal a transient storage fault are re-coded as unavailable so callers can
// decide to retry.
func Wrap(err error, code ErrorCode, message string) *Error {
	if code == ErrCodeInternal && isTransient(err) {
		code = ErrCodeUnavailable
	}
	return &Error{Code: code, Message: message, Err: err}
}

// InvalidInput reports a malformed or missing request field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeValidation, Message: fmt.Sprintf("%s: %s", field, message), Field: field}
}

// NotFound reports an unknown resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s '%s' not found", resource, id)}
}

func Conflict(message string) *Error       { return New(ErrCodeConflict, message) }
func InvalidState(message string) *Error   { return New(ErrCodeInvalidState, message) }
func Scope(message string) *Error          { return New(ErrCodeScope, message) }
func Locked(message string) *Error         { return New(ErrCodeLocked, message) }
func EmptyBill(message string) *Error      { return New(ErrCodeEmptyBill, message) }
func RejectionLimit(message string) *Error { return New(ErrCodeRejectionLimit, message) }
func Unauthorized(message string) *Error   { return New(ErrCodeUnauthorized, message) }

// CodeOf returns the code of the first *Error in the chain, or ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	if isTransient(err) {
		return ErrCodeUnavailable
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether the caller may retry the operation. Business
// rule outcomes are definite and never retryable.
func IsRetryable(err error) bool {
	return CodeOf(err) == ErrCodeUnavailable
}

// PublicMessage is the message safe to return to a caller. Internal failures
// are reported generically.
func PublicMessage(err error) string {
	switch CodeOf(err) {
	case ErrCodeInternal:
		return "internal server error"
	case ErrCodeUnavailable:
		return "service temporarily unavailable, retry later"
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// HTTPStatus maps an error code to its HTTP status.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeValidation, ErrCodeInvalidState, ErrCodeEmptyBill, ErrCodeRejectionLimit:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeScope, ErrCodeLocked:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return true
	}
	var t interface{ Timeout() bool }
	if stderrors.As(err, &t) && t.Timeout() {
		return true
	}
	return false
}
