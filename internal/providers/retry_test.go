package providers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestRetryDoTransient(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	calls := 0
	out, err := RetryDo(context.Background(), cfg, func() (string, error) {
		calls++
		if calls < 3 {
			return "", &HTTPError{Status: http.StatusTooManyRequests}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if out != "ok" || calls != 3 {
		t.Fatalf("out=%q calls=%d", out, calls)
	}
}

func TestRetryDoPermanent(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}
	calls := 0
	_, err := RetryDo(context.Background(), cfg, func() (string, error) {
		calls++
		return "", &HTTPError{Status: http.StatusBadRequest, Body: "invalid model"}
	})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusBadRequest {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Fatalf("4xx retried %d times", calls)
	}
}

func TestNoRetry(t *testing.T) {
	calls := 0
	_, err := RetryDo(context.Background(), NoRetry(), func() (string, error) {
		calls++
		return "", &HTTPError{Status: http.StatusInternalServerError}
	})
	if err == nil || calls != 1 {
		t.Fatalf("calls=%d err=%v", calls, err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := ParseRetryAfter("30"); d != 30*time.Second {
		t.Errorf("ParseRetryAfter(30) = %v", d)
	}
	if d := ParseRetryAfter(""); d != 0 {
		t.Errorf("ParseRetryAfter(empty) = %v", d)
	}
	if d := ParseRetryAfter("garbage"); d != 0 {
		t.Errorf("ParseRetryAfter(garbage) = %v", d)
	}
}
