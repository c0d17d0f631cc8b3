package tasks

import (
	"errors"
	"regexp"
	"strings"
)

// subrequestCapPhrase is the edge-runtime per-invocation subrequest cap
// message. Retrying cannot help inside the same invocation.
const subrequestCapPhrase = "too many subrequests"

var transientPattern = regexp.MustCompile(`(?i)TIMEOUT|ECONNRESET|ECONNREFUSED|ENOTFOUND|ETIMEDOUT|EHOSTUNREACH|ENETUNREACH|EPIPE|THROTTL|RATE_LIMIT|TOO_MANY|BUSY|NETWORK|SOCKET|CONNECTION|DNS|SLOWDOWN|INTERNAL_ERROR|SERVICE_EXCEPTION|REQUEST_TIMEOUT|OPERATION_ABORTED`)

var (
	nonRetryableStatus = map[int]bool{
		400: true, 401: true, 403: true, 404: true, 405: true,
		409: true, 410: true, 413: true, 415: true, 422: true,
	}
	retryableStatus = map[int]bool{
		408: true, 425: true, 429: true, 500: true, 502: true,
		503: true, 504: true, 507: true, 509: true,
	}
)

// statusedError and flaggedError are satisfied by the driver error type.
type statusedError interface {
	error
	ErrorCode() string
	ErrorMessage() string
}

type flaggedError interface {
	RetryableFlag() (bool, bool)
}

type httpStatusError interface {
	HTTPStatusCode() int
}

// IsRetryable classifies an error for the copy handler's retry loop.
// Rules apply in order; the error chain is unwrapped and re-examined when
// no rule matches the outermost error.
func IsRetryable(err error) bool {
	for err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, subrequestCapPhrase) || strings.Contains(msg, "too_many_subrequests") {
			return false
		}

		var flagged flaggedError
		if errors.As(err, &flagged) {
			if retryable, ok := flagged.RetryableFlag(); ok {
				return retryable
			}
		}

		var statused httpStatusError
		if errors.As(err, &statused) {
			if status := statused.HTTPStatusCode(); status != 0 {
				if nonRetryableStatus[status] {
					return false
				}
				if retryableStatus[status] {
					return true
				}
			}
		}

		var coded statusedError
		if errors.As(err, &coded) {
			if transientPattern.MatchString(coded.ErrorCode()) || transientPattern.MatchString(coded.ErrorMessage()) {
				return true
			}
		}
		if transientPattern.MatchString(err.Error()) {
			return true
		}

		err = errors.Unwrap(err)
	}
	return false
}
