package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mdflow/mdflow/internal/event"
	"github.com/mdflow/mdflow/internal/provider"
)

var (
	ErrNoProviders   = errors.New("no streaming providers configured")
	ErrNoneReachable = errors.New("no provider could connect")
	ErrUnknownSub    = errors.New("unknown subscription id")
)

// unmapped marks a logical subscription with no live physical ID; it is
// retried on the next router operation.
const unmapped = -1

// routedSub is one caller-visible subscription and its current binding
// on the active provider.
type routedSub struct {
	symbol     string
	kind       provider.SubscriptionKind
	cfg        provider.SubConfig
	physicalID int
}

// Router multiplexes an ordered provider list behind provider.Streaming.
// Exactly one provider is active at a time; switches are serialized by
// a single mutex and replay all live subscriptions in symbol order.
// Callers hold logical subscription IDs that survive switches.
type Router struct {
	mu        sync.Mutex
	providers []provider.Streaming // Ordered, primary first
	byID      map[string]provider.Streaming
	active    provider.Streaming
	svc       *Service
	logger    *slog.Logger

	subs        map[int]*routedSub
	nextLogical int

	resubFailures int64
	switches      int64

	// Outcome reports are buffered under the mutex and dispatched
	// after it is released, because a report can synchronously fire a
	// trigger that re-enters the router.
	pendingReports []outcomeReport
}

type outcomeReport struct {
	providerID string
	err        error
}

// NewRouter builds a router over providers (primary first), reporting
// outcomes to svc and reacting to its triggers.
func NewRouter(providers []provider.Streaming, svc *Service, logger *slog.Logger) (*Router, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		providers:   providers,
		byID:        make(map[string]provider.Streaming, len(providers)),
		svc:         svc,
		logger:      logger.With("component", "failover-router"),
		subs:        make(map[int]*routedSub),
		nextLogical: 1,
	}
	for _, p := range providers {
		r.byID[p.Descriptor().ID] = p
	}
	if svc != nil {
		svc.OnTrigger("router", r.onTrigger)
	}
	return r, nil
}

// Descriptor returns the active provider's descriptor, or the primary's
// before the first connect.
func (r *Router) Descriptor() provider.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return r.active.Descriptor()
	}
	return r.providers[0].Descriptor()
}

// Active returns the active provider's ID, empty when disconnected.
func (r *Router) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ""
	}
	return r.active.Descriptor().ID
}

// Switches returns how many provider switches have completed.
func (r *Router) Switches() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.switches
}

// Connect attempts the primary, then each backup in order, activating
// the first provider that connects.
func (r *Router) Connect(ctx context.Context) error {
	defer r.flushReports()
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, p := range r.providers {
		id := p.Descriptor().ID
		if err := p.Connect(ctx); err != nil {
			if provider.IsCancellation(err) {
				return err
			}
			r.report(id, err)
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			r.logger.Warn("connect failed, trying next", "provider", id, "error", err)
			continue
		}
		r.report(id, nil)
		r.active = p
		r.logger.Info("connected", "provider", id)
		return nil
	}
	return fmt.Errorf("%w: %w", ErrNoneReachable, errors.Join(errs...))
}

// Disconnect tears down the active provider.
func (r *Router) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil
	}
	err := r.active.Disconnect(ctx)
	r.active = nil
	return err
}

// IsConnected reports whether some provider is active and connected.
func (r *Router) IsConnected() bool {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()
	return active != nil && active.IsConnected()
}

// SubscribeTrades opens a trade subscription on the active provider and
// returns a logical ID that stays valid across failover switches.
func (r *Router) SubscribeTrades(ctx context.Context, cfg provider.SubConfig) (int, error) {
	return r.subscribe(ctx, provider.KindTrades, cfg)
}

// SubscribeQuotes opens a BBO quote subscription.
func (r *Router) SubscribeQuotes(ctx context.Context, cfg provider.SubConfig) (int, error) {
	return r.subscribe(ctx, provider.KindQuotes, cfg)
}

// SubscribeDepth opens an order-book depth subscription.
func (r *Router) SubscribeDepth(ctx context.Context, cfg provider.SubConfig) (int, error) {
	return r.subscribe(ctx, provider.KindDepth, cfg)
}

func (r *Router) subscribe(ctx context.Context, kind provider.SubscriptionKind, cfg provider.SubConfig) (int, error) {
	cfg.Symbol = event.NormalizeSymbol(cfg.Symbol)

	defer r.flushReports()
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return unmapped, ErrNoneReachable
	}
	r.retryUnmappedLocked(ctx)

	activeID := r.active.Descriptor().ID
	physical, err := r.subscribeOn(ctx, r.active, kind, cfg)
	r.report(activeID, err)
	if err != nil {
		return unmapped, err
	}

	logical := r.nextLogical
	r.nextLogical++
	r.subs[logical] = &routedSub{symbol: cfg.Symbol, kind: kind, cfg: cfg, physicalID: physical}
	return logical, nil
}

// Unsubscribe closes the logical subscription.
func (r *Router) Unsubscribe(ctx context.Context, logical int) error {
	defer r.flushReports()
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[logical]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSub, logical)
	}
	delete(r.subs, logical)

	if r.active == nil || sub.physicalID == unmapped {
		return nil
	}
	err := r.active.Unsubscribe(ctx, sub.physicalID)
	r.report(r.active.Descriptor().ID, err)
	return err
}

// onTrigger handles a failover or recovery instruction from the
// service. Switches run under the router mutex so no two overlap.
func (r *Router) onTrigger(trig Trigger) {
	defer r.flushReports()
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.byID[trig.To]
	if !ok {
		r.logger.Warn("trigger names unknown provider", "rule", trig.RuleID, "to", trig.To)
		return
	}

	activeID := ""
	if r.active != nil {
		activeID = r.active.Descriptor().ID
	}
	if activeID == trig.To {
		return
	}
	if trig.Recovered && !r.precedes(trig.To, activeID) {
		// A lower-precedence provider coming back is not worth a switch.
		return
	}
	if !trig.Recovered && trig.From != "" && activeID != "" && trig.From != activeID {
		// Stale trigger about a provider we already left.
		return
	}

	r.switchTo(context.Background(), target, trig)
}

// switchTo activates target: connect, replay subscriptions in symbol
// order, swap the active pointer, then disconnect the old provider
// best-effort. Caller holds r.mu.
func (r *Router) switchTo(ctx context.Context, target provider.Streaming, trig Trigger) {
	targetID := target.Descriptor().ID

	if !target.IsConnected() {
		if err := target.Connect(ctx); err != nil {
			r.report(targetID, err)
			r.logger.Error("switch aborted, target unreachable",
				"rule", trig.RuleID, "to", targetID, "error", err)
			return
		}
	}
	r.report(targetID, nil)

	previous := r.active
	r.active = target

	for _, logical := range r.orderedLogicals() {
		sub := r.subs[logical]
		physical, err := r.subscribeOn(ctx, target, sub.kind, sub.cfg)
		if err != nil {
			sub.physicalID = unmapped
			r.resubFailures++
			r.logger.Error("resubscribe failed",
				"provider", targetID, "symbol", sub.symbol, "kind", sub.kind, "error", err)
			continue
		}
		sub.physicalID = physical
	}

	r.switches++
	r.logger.Info("switched provider",
		"rule", trig.RuleID, "to", targetID, "recovered", trig.Recovered,
		"subscriptions", len(r.subs))

	if previous != nil && previous != target {
		if err := previous.Disconnect(ctx); err != nil {
			r.logger.Warn("old provider disconnect failed",
				"provider", previous.Descriptor().ID, "error", err)
		}
	}
}

// retryUnmappedLocked rebinds subscriptions whose last resubscribe
// failed. Caller holds r.mu.
func (r *Router) retryUnmappedLocked(ctx context.Context) {
	for _, logical := range r.orderedLogicals() {
		sub := r.subs[logical]
		if sub.physicalID != unmapped {
			continue
		}
		physical, err := r.subscribeOn(ctx, r.active, sub.kind, sub.cfg)
		if err != nil {
			continue
		}
		sub.physicalID = physical
		r.logger.Info("recovered subscription", "symbol", sub.symbol, "kind", sub.kind)
	}
}

// orderedLogicals returns logical IDs sorted by symbol then kind so
// replay order is deterministic.
func (r *Router) orderedLogicals() []int {
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := r.subs[ids[i]], r.subs[ids[j]]
		if a.symbol != b.symbol {
			return a.symbol < b.symbol
		}
		return a.kind < b.kind
	})
	return ids
}

func (r *Router) subscribeOn(ctx context.Context, p provider.Streaming, kind provider.SubscriptionKind, cfg provider.SubConfig) (int, error) {
	switch kind {
	case provider.KindTrades:
		return p.SubscribeTrades(ctx, cfg)
	case provider.KindQuotes:
		return p.SubscribeQuotes(ctx, cfg)
	case provider.KindDepth:
		return p.SubscribeDepth(ctx, cfg)
	default:
		return unmapped, fmt.Errorf("unknown kind %q", kind)
	}
}

// precedes reports whether a comes before b in the configured order.
// An empty b (disconnected) always yields true.
func (r *Router) precedes(a, b string) bool {
	if b == "" {
		return true
	}
	ai, bi := -1, -1
	for i, p := range r.providers {
		switch p.Descriptor().ID {
		case a:
			ai = i
		case b:
			bi = i
		}
	}
	return ai >= 0 && (bi < 0 || ai < bi)
}

// report queues an outcome for dispatch by flushReports. Caller holds
// r.mu.
func (r *Router) report(providerID string, err error) {
	if r.svc == nil {
		return
	}
	r.pendingReports = append(r.pendingReports, outcomeReport{providerID: providerID, err: err})
}

// flushReports dispatches queued outcomes to the service. Must be
// called without r.mu held.
func (r *Router) flushReports() {
	r.mu.Lock()
	pending := r.pendingReports
	r.pendingReports = nil
	r.mu.Unlock()

	for _, rep := range pending {
		if rep.err != nil {
			r.svc.ReportFailure(rep.providerID, rep.err)
		} else {
			r.svc.ReportSuccess(rep.providerID)
		}
	}
}
