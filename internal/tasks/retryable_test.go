package tasks

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cloudpaste/cloudpaste/internal/driver"
)

func boolPtr(b bool) *bool { return &b }

func TestRetryClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"plain unknown error", errors.New("something odd"), false},
		{"econnreset message", errors.New("read tcp: ECONNRESET"), true},
		{"timeout message", errors.New("request timeout while reading"), true},
		{"throttle code", &driver.Error{Code: "THROTTLED", Message: "slow down"}, true},
		{"subrequest cap", errors.New("Too many subrequests"), false},
		{"subrequest cap code", errors.New("TOO_MANY_SUBREQUESTS"), false},
		{"explicit retryable override", &driver.Error{Code: "X", Message: "y", Retryable: boolPtr(true)}, true},
		{"explicit non-retryable override", &driver.Error{Code: "ECONNRESET", Message: "y", Retryable: boolPtr(false)}, false},
		{"http 404", &driver.Error{Code: "X", Message: "y", HTTPStatus: 404}, false},
		{"http 503", &driver.Error{Code: "X", Message: "y", HTTPStatus: 503}, true},
		{"http 429", &driver.Error{Code: "X", Message: "y", HTTPStatus: 429}, true},
		{"http 422", &driver.Error{Code: "X", Message: "y", HTTPStatus: 422}, false},
		{"wrapped cause", fmt.Errorf("copy failed: %w", errors.New("dial: EHOSTUNREACH")), true},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.retryable, IsRetryable(tc.err))
		})
	}
}

func TestSubrequestCapBeatsTransientPattern(t *testing.T) {
	// The cap phrase wins even when the message also matches a transient
	// pattern like TOO_MANY.
	err := errors.New("TOO_MANY_SUBREQUESTS: Too many subrequests")
	assert.False(t, IsRetryable(err))
}

func TestRetryDelayFormula(t *testing.T) {
	exp := RetryPolicy{Limit: 3, DelayMS: 2000, Backoff: "exponential"}
	lin := RetryPolicy{Limit: 3, DelayMS: 1000, Backoff: "linear"}

	// ±10% jitter bounds.
	d := retryDelay(exp, 1)
	assert.InDelta(t, 2000, d.Milliseconds(), 200)
	d = retryDelay(exp, 3)
	assert.InDelta(t, 8000, d.Milliseconds(), 800)

	d = retryDelay(lin, 2)
	assert.InDelta(t, 2000, d.Milliseconds(), 200)

	// The cap holds regardless of attempt number.
	huge := RetryPolicy{Limit: 10, DelayMS: 30000, Backoff: "exponential"}
	assert.LessOrEqual(t, retryDelay(huge, 8), maxRetryDelay)
}
