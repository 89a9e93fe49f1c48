package provider

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Sentinel error kinds. NotFound is a non-failure: the composite records
// nothing against the provider and moves on to the next one.
var (
	ErrNotFound     = errors.New("symbol not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnavailable  = errors.New("provider unavailable")
)

// RateLimitedError is the typed rate-limit signal. Adapters that can read a
// structured Retry-After populate it; zero means the server gave none.
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited: %s", e.Provider, e.Message)
}

// TransientError marks a connection/timeout failure the caller may retry
// against another provider or after backoff.
type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AggregateError is surfaced only after every provider has been tried.
type AggregateError struct {
	Op     string
	Errors []error
}

func (e *AggregateError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%s: all providers failed: %s", e.Op, strings.Join(msgs, "; "))
}

func (e *AggregateError) Unwrap() []error { return e.Errors }

var retryAfterPattern = regexp.MustCompile(`(?i)retry-after:\s*(\d+)`)

// ClassifyRateLimit reports whether err is a rate-limit signal, with the
// parsed Retry-After when one is available. The typed error is preferred;
// the message-sniff path is the last-resort fallback for adapters wrapping
// foreign client libraries.
func ClassifyRateLimit(err error) (retryAfter time.Duration, ok bool) {
	if err == nil {
		return 0, false
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	if !sniffRateLimitMessage(err.Error()) {
		return 0, false
	}
	if m := retryAfterPattern.FindStringSubmatch(err.Error()); m != nil {
		if secs, perr := strconv.Atoi(m[1]); perr == nil {
			return time.Duration(secs) * time.Second, true
		}
	}
	return 0, true
}

// sniffRateLimitMessage is the string-match fallback for rate-limit
// detection, kept behind a named function so it can be unit-tested.
func sniffRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "429") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests")
}

// IsCancellation reports whether err is a context cancellation or deadline,
// which is always propagated unchanged.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsFatal reports whether err disables the provider for the rest of the
// process lifetime (authentication rejections).
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsNotFound reports whether err is the non-failure not-found kind.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
