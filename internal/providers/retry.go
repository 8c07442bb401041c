package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// HTTPError carries a non-2xx provider response.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Retryable reports whether the failure is transient (rate limit or server
// side).
func (e *HTTPError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// ParseRetryAfter parses a Retry-After header value (seconds form only).
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// RetryConfig bounds transient-error retries on a provider call.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig suits interactive classify calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: 15 * time.Second}
}

// NoRetry disables provider-level retries. Executor calls use this: repeating
// a call that may have triggered tool side effects is worse than failing.
func NoRetry() RetryConfig { return RetryConfig{} }

// RetryDo runs fn, retrying transient HTTP errors with exponential backoff.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	delay := cfg.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}

	for attempt := 0; ; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}

		var httpErr *HTTPError
		retryable := errors.As(err, &httpErr) && httpErr.Retryable()
		if !retryable || attempt >= cfg.MaxRetries {
			return zero, err
		}

		wait := delay
		if httpErr.RetryAfter > 0 {
			wait = httpErr.RetryAfter
		}
		if cfg.MaxDelay > 0 && wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
}
