package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyRateLimit(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantRetry time.Duration
		wantOK    bool
	}{
		{
			name:      "typed with retry-after",
			err:       &RateLimitedError{Provider: "yahoo", RetryAfter: 5 * time.Second},
			wantRetry: 5 * time.Second,
			wantOK:    true,
		},
		{
			name:      "typed wrapped",
			err:       fmt.Errorf("get bars: %w", &RateLimitedError{Provider: "yahoo", RetryAfter: 3 * time.Second}),
			wantRetry: 3 * time.Second,
			wantOK:    true,
		},
		{
			name:   "429 substring",
			err:    errors.New("HTTP 429 from upstream"),
			wantOK: true,
		},
		{
			name:   "rate limit substring case-insensitive",
			err:    errors.New("Rate Limit exceeded for key"),
			wantOK: true,
		},
		{
			name:   "too many requests substring",
			err:    errors.New("server said Too Many Requests"),
			wantOK: true,
		},
		{
			name:      "retry-after string parse",
			err:       errors.New("429 too many requests, Retry-After: 42"),
			wantRetry: 42 * time.Second,
			wantOK:    true,
		},
		{
			name:   "unrelated error",
			err:    errors.New("connection refused"),
			wantOK: false,
		},
		{
			name:   "nil error",
			err:    nil,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retry, ok := ClassifyRateLimit(tt.err)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if retry != tt.wantRetry {
				t.Errorf("retryAfter = %v, want %v", retry, tt.wantRetry)
			}
		})
	}
}

func TestSniffRateLimitMessage(t *testing.T) {
	if sniffRateLimitMessage("all good") {
		t.Error("sniff matched an unrelated message")
	}
	if !sniffRateLimitMessage("TOO MANY REQUESTS") {
		t.Error("sniff must be case-insensitive")
	}
}

func TestIsCancellation(t *testing.T) {
	if !IsCancellation(context.Canceled) {
		t.Error("context.Canceled not classified as cancellation")
	}
	if !IsCancellation(fmt.Errorf("wrap: %w", context.DeadlineExceeded)) {
		t.Error("wrapped deadline not classified as cancellation")
	}
	if IsCancellation(errors.New("other")) {
		t.Error("unrelated error classified as cancellation")
	}
}

func TestAggregateError(t *testing.T) {
	agg := &AggregateError{
		Op:     "GetDailyBars",
		Errors: []error{errors.New("yahoo: boom"), &RateLimitedError{Provider: "finnhub", RetryAfter: time.Second}},
	}

	var rl *RateLimitedError
	if !errors.As(agg, &rl) {
		t.Error("errors.As failed to find RateLimitedError inside aggregate")
	}
	if rl.Provider != "finnhub" {
		t.Errorf("Provider = %q, want finnhub", rl.Provider)
	}
}
