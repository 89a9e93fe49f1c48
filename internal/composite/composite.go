package composite

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mdflow/mdflow/internal/event"
	"github.com/mdflow/mdflow/internal/provider"
	"github.com/mdflow/mdflow/internal/ratelimit"
)

// Defaults.
const (
	DefaultFailureBackoff    = 5 * time.Minute
	DefaultRotationThreshold = 0.8
	DefaultAllLimitedWaitCap = 5 * time.Minute

	// Scores for rotation ordering. Lower wins.
	scoreRateLimited = 1000
	scoreApproaching = 100

	crossValidateBars   = 5
	crossValidateDelta  = 0.01 // |Δclose|/close above this logs a discrepancy
	maxConcurrentChecks = 4
)

// Options configure the composite.
type Options struct {
	FailureBackoff        time.Duration // Skip window after a non-rate-limit failure
	EnableCrossValidation bool
	EnableRotation        bool
	RotationThreshold     float64
	AllLimitedWaitCap     time.Duration // Longest reset the composite will wait out
}

func (o *Options) applyDefaults() {
	if o.FailureBackoff <= 0 {
		o.FailureBackoff = DefaultFailureBackoff
	}
	if o.RotationThreshold <= 0 {
		o.RotationThreshold = DefaultRotationThreshold
	}
	if o.AllLimitedWaitCap <= 0 {
		o.AllLimitedWaitCap = DefaultAllLimitedWaitCap
	}
}

// providerHealth tracks composite-local health for one child.
type providerHealth struct {
	consecutiveFailures int
	lastError           string
	lastSuccess         time.Time
	backoffUntil        time.Time
}

// HealthStatus is an externally visible health snapshot for one child.
type HealthStatus struct {
	ConsecutiveFailures int
	LastError           string
	LastSuccess         time.Time
	InBackoff           bool
	BackoffUntil        time.Time
}

// Composite is a Historical provider that routes across the registry's
// children. It is reentrant: concurrent calls for distinct symbols run in
// parallel, sharing only the rate-limit tracker and health map.
type Composite struct {
	opts     Options
	registry *provider.Registry
	limiter  *ratelimit.Tracker
	resolver provider.SymbolResolver
	logger   *slog.Logger
	now      func() time.Time

	healthMu sync.Mutex
	health   map[string]*providerHealth

	valSem        *semaphore.Weighted
	valWG         sync.WaitGroup
	discrepancies atomic.Int64
}

// New creates a Composite over the registry's historical providers.
// A nil resolver means identity symbol mapping.
func New(opts Options, registry *provider.Registry, limiter *ratelimit.Tracker, resolver provider.SymbolResolver, logger *slog.Logger) *Composite {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	c := &Composite{
		opts:     opts,
		registry: registry,
		limiter:  limiter,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
		health:   make(map[string]*providerHealth),
		valSem:   semaphore.NewWeighted(maxConcurrentChecks),
	}
	for _, p := range registry.HistoricalProviders() {
		d := p.Descriptor()
		limiter.RegisterProvider(d.ID, d.RateLimit.MaxRequests, d.RateLimit.Window, d.RateLimit.MinDelay)
	}
	return c
}

// SetClock overrides the time source. Test hook.
func (c *Composite) SetClock(now func() time.Time) { c.now = now }

// Descriptor aggregates child capabilities: the composite can serve whatever
// any child can.
func (c *Composite) Descriptor() provider.Descriptor {
	desc := provider.Descriptor{
		ID:          "composite",
		DisplayName: "Composite Historical",
	}
	for _, p := range c.registry.HistoricalProviders() {
		desc.Capabilities = desc.Capabilities.Union(p.Descriptor().Capabilities)
	}
	return desc
}

// IsAvailable reports whether any child is available.
func (c *Composite) IsAvailable(ctx context.Context) bool {
	for _, p := range c.registry.HistoricalProviders() {
		if p.IsAvailable(ctx) {
			return true
		}
	}
	return false
}

// GetDailyBars returns daily bars for the closed inclusive [from, to] range,
// trying providers in rotation order.
func (c *Composite) GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]event.Bar, error) {
	return c.fetch(ctx, "GetDailyBars", symbol, from, to, false, true)
}

// GetAdjustedDailyBars considers only children advertising adjustedPrices.
// If none succeed, it falls back to daily bars projected as trivially
// adjusted (AdjClose = Close).
func (c *Composite) GetAdjustedDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]event.Bar, error) {
	bars, err := c.fetch(ctx, "GetAdjustedDailyBars", symbol, from, to, true, true)
	if err == nil && bars != nil {
		return bars, nil
	}
	if provider.IsCancellation(err) {
		return nil, err
	}

	daily, derr := c.fetch(ctx, "GetDailyBars", symbol, from, to, false, true)
	if derr != nil {
		if err != nil {
			return nil, err
		}
		return nil, derr
	}
	projected := make([]event.Bar, len(daily))
	for i, b := range daily {
		b.AdjClose = b.Close
		b.Adjusted = true
		projected[i] = b
	}
	return projected, nil
}

// WaitValidation blocks until in-flight cross-validation goroutines finish.
func (c *Composite) WaitValidation() { c.valWG.Wait() }

// Discrepancies returns the count of logged cross-validation discrepancies.
func (c *Composite) Discrepancies() int64 { return c.discrepancies.Load() }

// GetProviderHealth returns a snapshot of composite-local health per child.
func (c *Composite) GetProviderHealth() map[string]HealthStatus {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()

	now := c.now()
	out := make(map[string]HealthStatus, len(c.health))
	for id, h := range c.health {
		out[id] = HealthStatus{
			ConsecutiveFailures: h.consecutiveFailures,
			LastError:           h.lastError,
			LastSuccess:         h.lastSuccess,
			InBackoff:           now.Before(h.backoffUntil),
			BackoffUntil:        h.backoffUntil,
		}
	}
	return out
}

// fetch is the routing core. allowWait permits at most one all-limited wait
// cycle; the recursive retry runs with allowWait=false so total wait time is
// capped at one reset cycle.
func (c *Composite) fetch(ctx context.Context, op, symbol string, from, to time.Time, adjusted, allowWait bool) ([]event.Bar, error) {
	candidates := c.order(ctx, adjusted)
	if len(candidates) == 0 {
		return nil, provider.ErrUnavailable
	}

	var errs []error
	rateLimitedErrs := 0
	shortestReset := time.Duration(math.MaxInt64)

	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		d := p.Descriptor()
		resolved := symbol
		if c.resolver != nil {
			resolved = c.resolver.Resolve(d.ID, symbol)
		}

		c.limiter.RecordRequest(d.ID)
		start := c.now()
		bars, err := c.invoke(ctx, p, resolved, from, to, adjusted)
		elapsed := time.Since(start)

		if err == nil {
			if len(bars) == 0 {
				c.logger.Debug("provider returned empty result",
					"op", op, "provider", d.ID, "symbol", symbol,
				)
				continue
			}

			c.recordSuccess(d.ID)
			c.limiter.ClearRateLimitState(d.ID)
			c.logger.Debug("provider call succeeded",
				"op", op, "provider", d.ID, "symbol", symbol,
				"bars", len(bars), "elapsed", elapsed,
			)

			if c.opts.EnableCrossValidation {
				c.spawnValidation(symbol, from, to, adjusted, d.ID, bars, candidates)
			}
			return bars, nil
		}

		if provider.IsCancellation(err) {
			return nil, err
		}

		if retryAfter, limited := provider.ClassifyRateLimit(err); limited {
			c.limiter.RecordRateLimitHit(d.ID, retryAfter)
			if retryAfter <= 0 {
				retryAfter = ratelimit.DefaultRetryAfter
			}
			if retryAfter < shortestReset {
				shortestReset = retryAfter
			}
			rateLimitedErrs++
			errs = append(errs, err)
			continue
		}

		if provider.IsNotFound(err) {
			c.logger.Debug("symbol not found",
				"op", op, "provider", d.ID, "symbol", symbol,
			)
			continue
		}

		if provider.IsFatal(err) {
			c.logger.Error("provider disabled for process lifetime",
				"op", op, "provider", d.ID, "error", err,
			)
			c.registry.Disable(d.ID, err)
			errs = append(errs, err)
			continue
		}

		c.recordFailure(d.ID, err)
		c.logger.Warn("provider call failed",
			"op", op, "provider", d.ID, "symbol", symbol,
			"elapsed", elapsed, "error", err,
		)
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		// Every provider returned empty or was skipped: empty, not an error.
		return []event.Bar{}, nil
	}

	allRateLimited := rateLimitedErrs == len(errs)
	if c.opts.EnableRotation && allRateLimited && allowWait && shortestReset < c.opts.AllLimitedWaitCap {
		c.logger.Info("all providers rate limited, waiting for shortest reset",
			"op", op, "symbol", symbol, "wait", shortestReset,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(shortestReset):
		}
		return c.fetch(ctx, op, symbol, from, to, adjusted, false)
	}

	return nil, &provider.AggregateError{Op: op, Errors: errs}
}

// invoke dispatches the actual provider call.
func (c *Composite) invoke(ctx context.Context, p provider.Historical, symbol string, from, to time.Time, adjusted bool) ([]event.Bar, error) {
	if adjusted {
		return p.GetAdjustedDailyBars(ctx, symbol, from, to)
	}
	return p.GetDailyBars(ctx, symbol, from, to)
}

// order returns candidate providers for one call: capability-filtered,
// failure-backoff excluded, and sorted by rotation score (or plain priority
// when rotation is off).
func (c *Composite) order(ctx context.Context, adjusted bool) []provider.Historical {
	all := c.registry.HistoricalProviders()
	now := c.now()

	candidates := make([]provider.Historical, 0, len(all))
	for _, p := range all {
		d := p.Descriptor()
		if adjusted && !d.Capabilities.AdjustedPrices {
			continue
		}
		if c.inBackoff(d.ID, now) {
			continue
		}
		if !p.IsAvailable(ctx) {
			continue
		}
		candidates = append(candidates, p)
	}

	if !c.opts.EnableRotation {
		return candidates // Registry order is already by priority.
	}

	type scored struct {
		p     provider.Historical
		score float64
		prio  int
	}
	ranked := make([]scored, 0, len(candidates))
	for _, p := range candidates {
		d := p.Descriptor()
		ranked = append(ranked, scored{p: p, score: c.score(d), prio: d.Priority})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score < ranked[j].score
		}
		return ranked[i].prio < ranked[j].prio
	})

	out := make([]provider.Historical, len(ranked))
	for i, s := range ranked {
		out[i] = s.p
	}
	return out
}

// score ranks a provider for rotation. Lower wins.
func (c *Composite) score(d provider.Descriptor) float64 {
	if c.limiter.IsRateLimited(d.ID) {
		return scoreRateLimited
	}
	if c.limiter.IsApproachingLimit(d.ID, c.opts.RotationThreshold) {
		return scoreApproaching + c.limiter.UsageRatio(d.ID)*100
	}
	return float64(d.Priority)
}

func (c *Composite) inBackoff(id string, now time.Time) bool {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	h, ok := c.health[id]
	return ok && now.Before(h.backoffUntil)
}

func (c *Composite) recordSuccess(id string) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	h := c.healthFor(id)
	h.consecutiveFailures = 0
	h.lastError = ""
	h.lastSuccess = c.now()
	h.backoffUntil = time.Time{}
}

func (c *Composite) recordFailure(id string, err error) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	h := c.healthFor(id)
	h.consecutiveFailures++
	h.lastError = err.Error()
	h.backoffUntil = c.now().Add(c.opts.FailureBackoff)
}

// healthFor returns (creating if needed) the entry. Must hold healthMu.
func (c *Composite) healthFor(id string) *providerHealth {
	h, ok := c.health[id]
	if !ok {
		h = &providerHealth{}
		c.health[id] = h
	}
	return h
}

// spawnValidation compares the first crossValidateBars bars against a
// different provider in the background chain. Validation never affects the
// caller's result.
func (c *Composite) spawnValidation(symbol string, from, to time.Time, adjusted bool, sourceID string, bars []event.Bar, candidates []provider.Historical) {
	var validator provider.Historical
	for _, p := range candidates {
		if p.Descriptor().ID != sourceID {
			validator = p
			break
		}
	}
	if validator == nil {
		return
	}

	c.valWG.Add(1)
	go func() {
		defer c.valWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.valSem.Acquire(ctx, 1); err != nil {
			return
		}
		defer c.valSem.Release(1)

		vd := validator.Descriptor()
		c.limiter.RecordRequest(vd.ID)
		check, err := c.invoke(ctx, validator, symbol, from, to, adjusted)
		if err != nil || len(check) == 0 {
			return
		}

		n := crossValidateBars
		if len(bars) < n {
			n = len(bars)
		}
		if len(check) < n {
			n = len(check)
		}
		for i := 0; i < n; i++ {
			srcClose := bars[i].Close
			if srcClose == 0 {
				continue
			}
			delta := math.Abs(check[i].Close-srcClose) / srcClose
			if delta > crossValidateDelta {
				c.discrepancies.Add(1)
				c.logger.Warn("cross-validation discrepancy",
					"symbol", symbol,
					"source", sourceID,
					"validator", vd.ID,
					"bar", i,
					"source_close", srcClose,
					"validator_close", check[i].Close,
					"delta_pct", delta*100,
				)
			}
		}
	}()
}
