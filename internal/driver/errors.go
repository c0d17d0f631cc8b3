package driver

import (
	"errors"
	"fmt"
)

// Error codes surfaced by drivers and mapped to HTTP statuses by the
// streaming and API layers.
const (
	CodeNotFound       = "NOT_FOUND"
	CodeForbidden      = "FORBIDDEN"
	CodeNotImplemented = "NOT_IMPLEMENTED"
	CodeConflict       = "CONFLICT"
	CodeStreamClosed   = "STREAM_CLOSED"
	CodeInternal       = "INTERNAL_ERROR"
)

// Error is the typed error drivers return. HTTPStatus carries the backend
// status when the failure came off the wire; Retryable, when set,
// overrides the task layer's retry classification.
type Error struct {
	Code       string
	Message    string
	HTTPStatus int
	Retryable  *bool
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// ErrorCode and ErrorMessage satisfy the structural error interfaces the
// streaming and API layers match on.
func (e *Error) ErrorCode() string    { return e.Code }
func (e *Error) ErrorMessage() string { return e.Message }

// HTTPStatusCode exposes the backend status for retry classification.
func (e *Error) HTTPStatusCode() int { return e.HTTPStatus }

// RetryableFlag reports the explicit retryability override, when set.
func (e *Error) RetryableFlag() (retryable, ok bool) {
	if e.Retryable == nil {
		return false, false
	}
	return *e.Retryable, true
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// NewNotFound reports a missing object.
func NewNotFound(path string) *Error {
	return &Error{Code: CodeNotFound, Message: "not found: " + path, HTTPStatus: 404}
}

// NewForbidden reports a denied backend operation.
func NewForbidden(msg string) *Error {
	return &Error{Code: CodeForbidden, Message: msg, HTTPStatus: 403}
}

// NewNotImplemented reports an operation the driver lacks the capability
// for.
func NewNotImplemented(kind, op string) *Error {
	return &Error{
		Code:       CodeNotImplemented,
		Message:    fmt.Sprintf("driver %s does not implement %s", kind, op),
		HTTPStatus: 501,
	}
}

// WrapInternal wraps an unexpected backend failure.
func WrapInternal(msg string, cause error) *Error {
	return &Error{Code: CodeInternal, Message: msg, HTTPStatus: 500, Cause: cause}
}

// IsNotFound reports whether err is a NOT_FOUND driver error.
func IsNotFound(err error) bool {
	de, ok := AsError(err)
	return ok && de.Code == CodeNotFound
}
