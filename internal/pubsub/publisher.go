package pubsub

import (
	"log/slog"
	"sync"

	"github.com/mdflow/mdflow/internal/event"
)

// DefaultQueueCapacity is the per-subscriber queue capacity.
const DefaultQueueCapacity = 50000

// Subscriber is a handle to a per-subscriber bounded queue. Each subscriber
// owns its own ring so a slow consumer only drops its own events.
type Subscriber struct {
	name string
	ring *Ring[event.MarketEvent]
}

// Name returns the subscriber name given at Subscribe time.
func (s *Subscriber) Name() string { return s.name }

// Receive blocks until an event is available or the publisher is closed.
func (s *Subscriber) Receive() (event.MarketEvent, bool) {
	return s.ring.Receive()
}

// TryReceive receives without blocking.
func (s *Subscriber) TryReceive() (event.MarketEvent, bool) {
	return s.ring.TryReceive()
}

// DrainTo drains up to max buffered events for batch consumption.
func (s *Subscriber) DrainTo(max int) []event.MarketEvent {
	return s.ring.DrainTo(max)
}

// Stats returns queue statistics for this subscriber.
func (s *Subscriber) Stats() RingStats { return s.ring.Stats() }

// Publisher fans MarketEvents out to subscribers. TryPublish never blocks:
// the hot path is one mutex-guarded ring append per subscriber, and overflow
// drops the oldest event rather than stalling the producer.
type Publisher struct {
	capacity int
	logger   *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*Subscriber
	closed bool

	dropMu      sync.Mutex
	dropped     int64
	invalid     int64
	validEvents bool
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithQueueCapacity overrides the per-subscriber queue capacity.
func WithQueueCapacity(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// WithValidation drops events failing event.Validate before fan-out.
func WithValidation() PublisherOption {
	return func(p *Publisher) { p.validEvents = true }
}

// NewPublisher creates a publisher with the given options.
func NewPublisher(logger *slog.Logger, opts ...PublisherOption) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		capacity: DefaultQueueCapacity,
		logger:   logger,
		subs:     make(map[string]*Subscriber),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe registers a named subscriber with its own bounded queue.
// Subscribing an existing name returns the existing handle.
func (p *Publisher) Subscribe(name string) *Subscriber {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sub, ok := p.subs[name]; ok {
		return sub
	}
	sub := &Subscriber{
		name: name,
		ring: NewRing[event.MarketEvent](p.capacity),
	}
	if !p.closed {
		p.subs[name] = sub
	} else {
		sub.ring.Close()
	}
	return sub
}

// Unsubscribe removes and closes a subscriber's queue.
func (p *Publisher) Unsubscribe(name string) {
	p.mu.Lock()
	sub, ok := p.subs[name]
	delete(p.subs, name)
	p.mu.Unlock()

	if ok {
		sub.ring.Close()
	}
}

// TryPublish fans an event out to every subscriber. It never blocks and
// never returns an error: overflow is a counter, not a failure. The return
// value is false only when the publisher is closed.
func (p *Publisher) TryPublish(evt event.MarketEvent) bool {
	if p.validEvents {
		if err := evt.Validate(); err != nil {
			p.dropMu.Lock()
			p.invalid++
			p.dropMu.Unlock()
			return true
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}

	for _, sub := range p.subs {
		before := sub.ring.Stats().TotalDropped
		sub.ring.Send(evt)
		if after := sub.ring.Stats().TotalDropped; after > before {
			p.dropMu.Lock()
			p.dropped += after - before
			p.dropMu.Unlock()
		}
	}
	return true
}

// Close closes every subscriber queue. Buffered events remain receivable.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for _, sub := range p.subs {
		sub.ring.Close()
	}
}

// Stats returns aggregate publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	p.mu.RLock()
	subCount := len(p.subs)
	p.mu.RUnlock()

	p.dropMu.Lock()
	defer p.dropMu.Unlock()
	return PublisherStats{
		Subscribers:   subCount,
		TotalDropped:  p.dropped,
		InvalidEvents: p.invalid,
	}
}

// PublisherStats contains aggregate statistics.
type PublisherStats struct {
	Subscribers   int
	TotalDropped  int64
	InvalidEvents int64
}
