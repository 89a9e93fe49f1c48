// Package broker republishes market events onto a NATS bus so
// downstream consumers outside this process can tap the feed.
//
// Subjects follow <prefix>.<source>.<type>.<symbol>, e.g.
// md.alpha-ws.trade.AAPL, so consumers can use NATS wildcards to
// carve out whatever slice they care about.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mdflow/mdflow/internal/event"
	"github.com/mdflow/mdflow/internal/pubsub"
)

const pollInterval = 10 * time.Millisecond

// publisher is the slice of *nats.Conn the tap needs.
type publisher interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
}

// Config holds the NATS connection settings.
type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

func (c *Config) applyDefaults() {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "md"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
}

// Tap drains a subscriber queue and republishes each event to NATS.
type Tap struct {
	conn   publisher
	sub    *pubsub.Subscriber
	prefix string
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	published atomic.Int64
	failed    atomic.Int64
}

// Connect dials NATS and builds a tap over sub.
func Connect(cfg Config, sub *pubsub.Subscriber, logger *slog.Logger) (*Tap, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return newTap(nc, sub, cfg.SubjectPrefix, logger), nil
}

func newTap(conn publisher, sub *pubsub.Subscriber, prefix string, logger *slog.Logger) *Tap {
	return &Tap{
		conn:   conn,
		sub:    sub,
		prefix: prefix,
		logger: logger.With("component", "broker-tap"),
	}
}

// Start begins draining the subscriber queue.
func (t *Tap) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(1)
	go t.run(runCtx)

	t.logger.Info("broker tap started", "prefix", t.prefix)
}

// Stop drains what remains in the queue, then stops.
func (t *Tap) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	t.wg.Wait()

	// Final drain so shutdown doesn't strand queued events.
	for {
		evt, ok := t.sub.TryReceive()
		if !ok {
			break
		}
		t.republish(evt)
	}
}

// Stats reports publish counters.
func (t *Tap) Stats() (published, failed int64) {
	return t.published.Load(), t.failed.Load()
}

func (t *Tap) run(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				evt, ok := t.sub.TryReceive()
				if !ok {
					break
				}
				t.republish(evt)
			}
		}
	}
}

func (t *Tap) republish(evt event.MarketEvent) {
	data, err := json.Marshal(toEnvelope(evt))
	if err != nil {
		t.failed.Add(1)
		t.logger.Warn("marshal event failed", "symbol", evt.Symbol, "error", err)
		return
	}

	if err := t.conn.Publish(t.Subject(evt), data); err != nil {
		t.failed.Add(1)
		t.logger.Warn("publish failed", "symbol", evt.Symbol, "error", err)
		return
	}
	t.published.Add(1)
}

// Subject builds the NATS subject for an event. Symbols can contain
// characters NATS treats as token separators, so they are sanitized.
func (t *Tap) Subject(evt event.MarketEvent) string {
	sym := subjectToken(evt.Symbol)
	src := subjectToken(evt.Source)
	return fmt.Sprintf("%s.%s.%s.%s", t.prefix, src, evt.Type, sym)
}

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "/", "_")
	return r.Replace(s)
}
