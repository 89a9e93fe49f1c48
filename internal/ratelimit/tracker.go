package ratelimit

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Defaults per provider descriptor when the provider does not advertise them.
const (
	DefaultRetryAfter        = 60 * time.Second
	DefaultApproachThreshold = 0.8
)

var ErrUnknownProvider = errors.New("provider not registered")

// Limit describes a provider's advertised rate limit.
type Limit struct {
	MaxRequests int
	Window      time.Duration
	MinDelay    time.Duration
}

// Status is a point-in-time snapshot of a provider's rate-limit state.
type Status struct {
	WindowStart   time.Time
	RequestCount  int
	UsageRatio    float64
	IsRateLimited bool
	RetryAfter    time.Duration // Zero when not limited
	ResetAt       time.Time     // Zero when not limited
}

// providerState holds per-provider window bookkeeping behind its own lock so
// heavy traffic against one provider never contends with another.
type providerState struct {
	mu          sync.Mutex
	limit       Limit
	windowStart time.Time
	count       int
	limitedTil  time.Time // Zero when not limited
	lastRequest time.Time
}

// Tracker tracks sliding-window usage and Retry-After state per provider.
// All methods are safe under concurrent calls from many provider clients.
type Tracker struct {
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	providers map[string]*providerState
}

// NewTracker creates a Tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		logger:    logger,
		now:       time.Now,
		providers: make(map[string]*providerState),
	}
}

// SetClock overrides the time source. Test hook.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// RegisterProvider registers a provider's limit. Re-registering replaces the
// limit and clears any rate-limited state.
func (t *Tracker) RegisterProvider(id string, maxRequests int, window, minDelay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.providers[id] = &providerState{
		limit: Limit{MaxRequests: maxRequests, Window: window, MinDelay: minDelay},
	}
}

// state returns the provider state, or nil if unregistered.
func (t *Tracker) state(id string) *providerState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.providers[id]
}

// rollWindow resets the window if it has elapsed. Must hold s.mu.
func (s *providerState) rollWindow(now time.Time) {
	if s.windowStart.IsZero() || (s.limit.Window > 0 && now.Sub(s.windowStart) >= s.limit.Window) {
		s.windowStart = now
		s.count = 0
	}
}

// RecordRequest increments the provider's window counter, rolling the window
// first if it has elapsed.
func (t *Tracker) RecordRequest(id string) {
	s := t.state(id)
	if s == nil {
		return
	}
	now := t.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollWindow(now)
	s.count++
	s.lastRequest = now
}

// RecordRateLimitHit marks the provider limited until now + retryAfter.
// A zero retryAfter falls back to DefaultRetryAfter.
func (t *Tracker) RecordRateLimitHit(id string, retryAfter time.Duration) {
	s := t.state(id)
	if s == nil {
		return
	}
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	resetAt := t.now().Add(retryAfter)

	s.mu.Lock()
	s.limitedTil = resetAt
	s.mu.Unlock()

	t.logger.Warn("provider rate limited",
		"provider", id,
		"retry_after", retryAfter,
		"reset_at", resetAt,
	)
}

// ClearRateLimitState clears the limited flag. Called on the first success
// after a limit.
func (t *Tracker) ClearRateLimitState(id string) {
	s := t.state(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.limitedTil = time.Time{}
	s.mu.Unlock()
}

// IsRateLimited reports whether the provider is inside a Retry-After window.
func (t *Tracker) IsRateLimited(id string) bool {
	s := t.state(id)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.limitedTil.IsZero() && t.now().Before(s.limitedTil)
}

// UsageRatio returns count/max for the current window (0 when unlimited).
func (t *Tracker) UsageRatio(id string) float64 {
	s := t.state(id)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollWindow(t.now())
	if s.limit.MaxRequests <= 0 {
		return 0
	}
	return float64(s.count) / float64(s.limit.MaxRequests)
}

// IsApproachingLimit reports whether usage ratio >= threshold. A threshold
// of zero falls back to DefaultApproachThreshold.
func (t *Tracker) IsApproachingLimit(id string, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultApproachThreshold
	}
	return t.UsageRatio(id) >= threshold
}

// GetTimeUntilReset returns the remaining time until the provider's
// rate-limit window resets, and true if the provider is currently limited.
func (t *Tracker) GetTimeUntilReset(id string) (time.Duration, bool) {
	s := t.state(id)
	if s == nil {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := t.now()
	if !s.limitedTil.IsZero() && now.Before(s.limitedTil) {
		return s.limitedTil.Sub(now), true
	}
	return 0, false
}

// GetStatus returns a snapshot of the provider's rate-limit state.
func (t *Tracker) GetStatus(id string) (Status, error) {
	s := t.state(id)
	if s == nil {
		return Status{}, ErrUnknownProvider
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := t.now()
	s.rollWindow(now)

	st := Status{
		WindowStart:  s.windowStart,
		RequestCount: s.count,
	}
	if s.limit.MaxRequests > 0 {
		st.UsageRatio = float64(s.count) / float64(s.limit.MaxRequests)
	}
	if !s.limitedTil.IsZero() && now.Before(s.limitedTil) {
		st.IsRateLimited = true
		st.RetryAfter = s.limitedTil.Sub(now)
		st.ResetAt = s.limitedTil
	}
	return st, nil
}

// MinDelay returns the provider's minimum inter-request delay.
func (t *Tracker) MinDelay(id string) time.Duration {
	s := t.state(id)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit.MinDelay
}
