package failover

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mdflow/mdflow/internal/provider"
)

// DefaultRecoveryTimeout is how long a tripped provider sits out before
// a success report may close its breaker again.
const DefaultRecoveryTimeout = 30 * time.Second

// Rule describes when to abandon a provider and where to go instead.
// Zero trigger fields are inactive.
type Rule struct {
	ID               string
	OrderedProviders []string // Primary first

	// ConsecutiveFailures trips the provider's breaker at this count.
	ConsecutiveFailures uint32
	// RateLimitedFor fires when a provider has been continuously
	// rate-limited for at least this long.
	RateLimitedFor time.Duration
	// RecoveryTimeout overrides DefaultRecoveryTimeout for this rule's
	// providers.
	RecoveryTimeout time.Duration
}

// Trigger is a switch instruction emitted by the Service.
type Trigger struct {
	RuleID    string
	From      string
	To        string
	Recovered bool // True when this is a switch back after recovery
}

// Handler consumes triggers. Handlers are identified by ID. A handler
// runs on the reporting goroutine and must not report outcomes for the
// trigger's From provider; reporting for other providers is safe.
type Handler func(Trigger)

type providerHealth struct {
	breaker          *gobreaker.CircuitBreaker
	rule             *Rule
	rateLimitedSince time.Time
	rateLimitFired   bool
}

// Service evaluates failover rules from reported operation outcomes.
// Consecutive-failure detection rides on a circuit breaker per
// provider; rate-limit duration is tracked directly.
type Service struct {
	mu       sync.Mutex
	rules    []*Rule
	health   map[string]*providerHealth
	handlers map[string]Handler
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates an empty rules service.
func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		health:   make(map[string]*providerHealth),
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "failover"),
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// AddRule registers a rule and builds breakers for its providers.
func (s *Service) AddRule(r Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule := &r
	s.rules = append(s.rules, rule)

	timeout := rule.RecoveryTimeout
	if timeout <= 0 {
		timeout = DefaultRecoveryTimeout
	}

	for _, id := range rule.OrderedProviders {
		if _, ok := s.health[id]; ok {
			continue
		}
		h := &providerHealth{rule: rule}
		pid := id
		h.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        pid,
			MaxRequests: 1,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return rule.ConsecutiveFailures > 0 &&
					counts.ConsecutiveFailures >= rule.ConsecutiveFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				s.onBreakerChange(name, from, to)
			},
		})
		s.health[pid] = h
	}
	s.logger.Info("rule registered", "rule", rule.ID, "providers", rule.OrderedProviders)
}

// OnTrigger registers a handler under the given ID, replacing any
// previous one.
func (s *Service) OnTrigger(id string, fn Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[id] = fn
}

// ReportSuccess records a successful operation against the provider.
func (s *Service) ReportSuccess(providerID string) {
	s.mu.Lock()
	h, ok := s.health[providerID]
	if !ok {
		s.mu.Unlock()
		return
	}
	h.rateLimitedSince = time.Time{}
	h.rateLimitFired = false
	s.mu.Unlock()

	// Feeds the breaker; in half-open state this closes it and the
	// state-change callback emits the recovery trigger.
	h.breaker.Execute(func() (any, error) { return nil, nil })
}

// ReportFailure records a failed operation. Rate-limit errors
// additionally start (or continue) the rate-limited-for clock.
func (s *Service) ReportFailure(providerID string, err error) {
	s.mu.Lock()
	h, ok := s.health[providerID]
	if !ok {
		s.mu.Unlock()
		return
	}

	var fired *Trigger
	if _, isRL := provider.ClassifyRateLimit(err); isRL {
		now := s.now()
		if h.rateLimitedSince.IsZero() {
			h.rateLimitedSince = now
		}
		rule := h.rule
		if !h.rateLimitFired && rule.RateLimitedFor > 0 &&
			now.Sub(h.rateLimitedSince) >= rule.RateLimitedFor {
			h.rateLimitFired = true
			if to := nextProvider(rule, providerID); to != "" {
				fired = &Trigger{RuleID: rule.ID, From: providerID, To: to}
			}
		}
	}
	s.mu.Unlock()

	h.breaker.Execute(func() (any, error) { return nil, err })

	if fired != nil {
		s.logger.Warn("failover triggered",
			"rule", fired.RuleID, "from", fired.From, "to", fired.To, "cause", "rate_limited_for")
		s.emit(*fired)
	}
}

// IsTripped reports whether the provider's breaker is open.
func (s *Service) IsTripped(providerID string) bool {
	s.mu.Lock()
	h, ok := s.health[providerID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return h.breaker.State() == gobreaker.StateOpen
}

func (s *Service) onBreakerChange(name string, from, to gobreaker.State) {
	s.mu.Lock()
	h, ok := s.health[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	rule := h.rule
	s.mu.Unlock()

	switch {
	case to == gobreaker.StateOpen:
		if next := nextProvider(rule, name); next != "" {
			trig := Trigger{RuleID: rule.ID, From: name, To: next}
			s.logger.Warn("failover triggered",
				"rule", rule.ID, "from", name, "to", next, "cause", "consecutive_failures")
			s.emit(trig)
		}
	case to == gobreaker.StateClosed && from == gobreaker.StateHalfOpen:
		trig := Trigger{RuleID: rule.ID, To: name, Recovered: true}
		s.logger.Info("provider recovered", "rule", rule.ID, "provider", name)
		s.emit(trig)
	}
}

func (s *Service) emit(trig Trigger) {
	s.mu.Lock()
	handlers := make([]Handler, 0, len(s.handlers))
	for _, fn := range s.handlers {
		handlers = append(handlers, fn)
	}
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(trig)
	}
}

// nextProvider returns the rule's provider after from, or the first
// provider when from is last (wrap keeps the chain moving when every
// earlier choice already failed).
func nextProvider(rule *Rule, from string) string {
	for i, id := range rule.OrderedProviders {
		if id == from {
			if i+1 < len(rule.OrderedProviders) {
				return rule.OrderedProviders[i+1]
			}
			if len(rule.OrderedProviders) > 1 {
				return rule.OrderedProviders[0]
			}
			return ""
		}
	}
	return ""
}
