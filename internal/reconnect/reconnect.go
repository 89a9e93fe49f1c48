package reconnect

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults for the backoff loop.
const (
	DefaultMaxAttempts = 10
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 60 * time.Second
)

// Event describes one completed reconnect cycle. The gap window
// [DisconnectedAt, ReconnectedAt] is the handoff to the backfill planner.
type Event struct {
	ProviderName   string
	DisconnectedAt time.Time
	ReconnectedAt  time.Time
	AttemptsUsed   int
	GapDuration    time.Duration
}

// Handler consumes reconnect events. Handlers identify themselves by ID, not
// by holding references back into the helper; panics are caught and logged,
// never propagated into the reconnect loop.
type Handler func(Event)

// Config configures a Helper.
type Config struct {
	ProviderName string
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
}

// Helper runs a gated exponential-backoff reconnect loop. At most one attempt
// sequence runs at a time; concurrent callers return false immediately.
type Helper struct {
	cfg    Config
	logger *slog.Logger

	gate atomic.Bool

	markMu         sync.Mutex
	disconnectedAt time.Time

	handlerMu sync.RWMutex
	handlers  map[string]Handler
}

// New creates a Helper.
func New(cfg Config, logger *slog.Logger) *Helper {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Helper{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// OnReconnected registers a handler under the given ID, replacing any
// previous handler with that ID.
func (h *Helper) OnReconnected(id string, fn Handler) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	h.handlers[id] = fn
}

// RemoveHandler unregisters a handler.
func (h *Helper) RemoveHandler(id string) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	delete(h.handlers, id)
}

// MarkDisconnected pins the true disconnect instant so the emitted gap does
// not under-report when TryReconnect is invoked late.
func (h *Helper) MarkDisconnected(at time.Time) {
	h.markMu.Lock()
	defer h.markMu.Unlock()
	h.disconnectedAt = at
}

// Reconnecting reports whether an attempt sequence is in flight.
func (h *Helper) Reconnecting() bool {
	return h.gate.Load()
}

// TryReconnect runs the backoff loop around action. The first caller drives
// the attempts; any concurrent caller gets (false, nil) immediately, which
// means "already reconnecting", not an error. Success emits a Reconnected
// event to every handler and returns (true, nil); exhausting MaxAttempts
// returns (false, nil); cancellation propagates as (false, ctx.Err()).
func (h *Helper) TryReconnect(ctx context.Context, action func(context.Context) error) (bool, error) {
	if !h.gate.CompareAndSwap(false, true) {
		return false, nil
	}
	defer h.gate.Store(false)

	entered := time.Now()
	h.markMu.Lock()
	disconnectedAt := h.disconnectedAt
	h.disconnectedAt = time.Time{}
	h.markMu.Unlock()
	if disconnectedAt.IsZero() {
		disconnectedAt = entered
	}

	for attempt := 1; attempt <= h.cfg.MaxAttempts; attempt++ {
		delay := h.backoffDelay(attempt)

		h.logger.Info("reconnect attempt scheduled",
			"provider", h.cfg.ProviderName,
			"attempt", attempt,
			"delay", delay,
		)

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}

		err := action(ctx)
		if err == nil {
			now := time.Now()
			evt := Event{
				ProviderName:   h.cfg.ProviderName,
				DisconnectedAt: disconnectedAt,
				ReconnectedAt:  now,
				AttemptsUsed:   attempt,
				GapDuration:    now.Sub(disconnectedAt),
			}
			h.emit(evt)
			h.logger.Info("reconnected",
				"provider", h.cfg.ProviderName,
				"attempts", attempt,
				"gap", evt.GapDuration,
			)
			return true, nil
		}

		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		h.logger.Warn("reconnect attempt failed",
			"provider", h.cfg.ProviderName,
			"attempt", attempt,
			"error", err,
		)
	}

	h.logger.Error("reconnect attempts exhausted",
		"provider", h.cfg.ProviderName,
		"attempts", h.cfg.MaxAttempts,
	)
	return false, nil
}

// backoffDelay computes min(base * 2^(k-1), cap) scaled by uniform jitter in
// [0.8, 1.2].
func (h *Helper) backoffDelay(attempt int) time.Duration {
	delay := h.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= h.cfg.MaxDelay {
			delay = h.cfg.MaxDelay
			break
		}
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

// emit delivers the event to every registered handler, recovering panics.
func (h *Helper) emit(evt Event) {
	h.handlerMu.RLock()
	handlers := make(map[string]Handler, len(h.handlers))
	for id, fn := range h.handlers {
		handlers[id] = fn
	}
	h.handlerMu.RUnlock()

	for id, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error("reconnect handler panicked",
						"handler", id,
						"panic", r,
					)
				}
			}()
			fn(evt)
		}()
	}
}
