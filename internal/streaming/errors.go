package streaming

import (
	"errors"
	"strings"
)

// codedError is satisfied by the driver error type without importing it.
type codedError interface {
	error
	ErrorCode() string
	ErrorMessage() string
}

// MapError converts a streaming failure into an HTTP status, error code
// and user-visible message.
func MapError(err error) (status int, code string, message string) {
	if err == nil {
		return 200, "", ""
	}
	var ce codedError
	if errors.As(err, &ce) {
		switch {
		case strings.Contains(ce.ErrorCode(), "NOT_FOUND"):
			return 404, ce.ErrorCode(), ce.ErrorMessage()
		case strings.Contains(ce.ErrorCode(), "FORBIDDEN"):
			return 403, ce.ErrorCode(), ce.ErrorMessage()
		case strings.Contains(ce.ErrorCode(), "STREAM_CLOSED"):
			return 500, ce.ErrorCode(), "stream closed"
		}
		return 500, ce.ErrorCode(), ce.ErrorMessage()
	}
	return 500, "INTERNAL_ERROR", err.Error()
}
