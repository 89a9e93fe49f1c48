package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mdflow/mdflow/internal/event"
	"github.com/mdflow/mdflow/internal/provider"
	"github.com/mdflow/mdflow/internal/pubsub"
	"github.com/mdflow/mdflow/internal/reconnect"
	"github.com/mdflow/mdflow/internal/subscription"
)

var (
	ErrAlreadyConnected = errors.New("already connected")
	ErrSubscribeRefused = errors.New("subscription refused")
	ErrUnknownSub       = errors.New("unknown subscription id")
)

// statusSymbol is the symbol carried by provider-wide status events,
// which are not tied to any one ticker.
const statusSymbol = "*"

// Adapter supplies the provider-specific pieces of a streaming session.
// The core owns the state machine, subscription bookkeeping, and
// reconnection; the adapter owns only wire format and dial/auth details.
type Adapter interface {
	Descriptor() provider.Descriptor

	// Dial opens a connected transport to the provider.
	Dial(ctx context.Context) (Conn, error)

	// Authenticate performs any post-dial credential exchange.
	// A rejection should wrap provider.ErrUnauthorized.
	Authenticate(ctx context.Context, conn Conn) error

	// EncodeSubscribe builds the wire message subscribing all entries
	// at once. Called with a single entry for incremental subscribes
	// and with a full snapshot on resubscription.
	EncodeSubscribe(entries []subscription.Entry) ([]byte, error)

	// EncodeUnsubscribe builds the wire message removing the entries.
	EncodeUnsubscribe(entries []subscription.Entry) ([]byte, error)

	// Decode turns one raw message into zero or more events. Control
	// frames decode to an empty slice.
	Decode(msg Message) ([]event.MarketEvent, error)
}

// CoreConfig configures a Core.
type CoreConfig struct {
	// IDOffset is the base of this provider's subscription ID range.
	IDOffset int
	// Reconnect bounds the reconnect loop. ProviderName defaults to
	// the adapter's descriptor ID.
	Reconnect reconnect.Config
}

// CoreStats counts pipeline outcomes since construction.
type CoreStats struct {
	EventsPublished     int64
	DecodeErrors        int64
	ValidationDrops     int64
	ResubscribeFailures int64
	ReconnectsSucceeded int64
}

// Core is the shared streaming client. It implements provider.Streaming
// and drives the session state machine; see package doc for the
// transition rules.
type Core struct {
	adapter Adapter
	subs    *subscription.Manager
	helper  *reconnect.Helper
	pub     *pubsub.Publisher
	logger  *slog.Logger
	source  string

	mu      sync.Mutex
	state   State
	conn    Conn
	gen     int
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	statsMu sync.Mutex
	stats   CoreStats
}

// NewCore builds a Core around the adapter, publishing decoded events
// to pub.
func NewCore(adapter Adapter, pub *pubsub.Publisher, cfg CoreConfig, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	desc := adapter.Descriptor()
	if cfg.Reconnect.ProviderName == "" {
		cfg.Reconnect.ProviderName = desc.ID
	}
	c := &Core{
		adapter: adapter,
		subs:    subscription.NewManager(cfg.IDOffset),
		helper:  reconnect.New(cfg.Reconnect, logger),
		pub:     pub,
		logger:  logger.With("component", "stream", "provider", desc.ID),
		source:  desc.ID,
		state:   Disconnected,
	}
	c.helper.OnReconnected("stream-core", c.onReconnected)
	return c
}

// Descriptor returns the adapter's descriptor.
func (c *Core) Descriptor() provider.Descriptor { return c.adapter.Descriptor() }

// ReconnectEvents exposes the reconnect helper so downstream consumers
// (the backfill planner) can register for gap events.
func (c *Core) ReconnectEvents() *reconnect.Helper { return c.helper }

// State returns the current lifecycle state.
func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the session is Ready or Streaming.
func (c *Core) IsConnected() bool {
	s := c.State()
	return s == Ready || s == Streaming
}

// Stats returns a snapshot of pipeline counters.
func (c *Core) Stats() CoreStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// Connect dials, authenticates, and flushes any subscriptions queued
// while disconnected. Authentication rejection is fatal and leaves the
// core Disconnected.
func (c *Core) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = Connecting
	c.mu.Unlock()

	conn, err := c.adapter.Dial(ctx)
	if err != nil {
		c.setState(Disconnected)
		return fmt.Errorf("dial %s: %w", c.source, err)
	}

	c.setState(Authenticating)
	if err := c.adapter.Authenticate(ctx, conn); err != nil {
		conn.Close()
		c.setState(Disconnected)
		return fmt.Errorf("authenticate %s: %w", c.source, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.gen++
	gen := c.gen
	c.runCtx, c.cancel = context.WithCancel(context.Background())
	runCtx := c.runCtx
	c.state = Ready
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(runCtx, conn, gen)

	c.publishStatus(&event.ConnectionStatus{Status: event.ConnConnected})
	c.flushSubscriptions(conn)
	return nil
}

// Disconnect closes the session and stops all goroutines, waiting up
// to ctx's deadline.
func (c *Core) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = Disconnected
	conn := c.conn
	c.conn = nil
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.publishStatus(&event.ConnectionStatus{Status: event.ConnDisconnected})
	c.logger.Info("disconnected")
	return nil
}

// SubscribeTrades registers a trade subscription. While disconnected
// the subscription is queued and flushed on the next Ready.
func (c *Core) SubscribeTrades(ctx context.Context, cfg provider.SubConfig) (int, error) {
	return c.subscribe(ctx, provider.KindTrades, cfg)
}

// SubscribeQuotes registers a BBO quote subscription.
func (c *Core) SubscribeQuotes(ctx context.Context, cfg provider.SubConfig) (int, error) {
	return c.subscribe(ctx, provider.KindQuotes, cfg)
}

// SubscribeDepth registers an order-book depth subscription.
func (c *Core) SubscribeDepth(ctx context.Context, cfg provider.SubConfig) (int, error) {
	return c.subscribe(ctx, provider.KindDepth, cfg)
}

func (c *Core) subscribe(ctx context.Context, kind provider.SubscriptionKind, cfg provider.SubConfig) (int, error) {
	cfg.Symbol = event.NormalizeSymbol(cfg.Symbol)

	c.mu.Lock()
	id := c.subs.Subscribe(cfg.Symbol, kind, cfg)
	if id == subscription.Refused {
		c.mu.Unlock()
		return subscription.Refused, fmt.Errorf("%w: %q %s", ErrSubscribeRefused, cfg.Symbol, kind)
	}
	entry, _ := c.subs.Lookup(id)
	conn := c.conn
	live := c.state == Ready || c.state == Streaming
	if live {
		c.state = Streaming
	}
	c.mu.Unlock()

	if !live {
		// Queued; flushed on the next transition to Ready.
		c.logger.Debug("subscription queued", "symbol", cfg.Symbol, "kind", kind, "id", id)
		return id, nil
	}

	payload, err := c.adapter.EncodeSubscribe([]subscription.Entry{entry})
	if err != nil {
		return id, fmt.Errorf("encode subscribe: %w", err)
	}
	if err := conn.Send(payload); err != nil {
		return id, fmt.Errorf("send subscribe: %w", err)
	}
	c.logger.Info("subscribed", "symbol", cfg.Symbol, "kind", kind, "id", id)
	return id, nil
}

// Unsubscribe removes the subscription with the given id. Removing the
// last subscription moves a Streaming session back to Ready.
func (c *Core) Unsubscribe(ctx context.Context, id int) error {
	c.mu.Lock()
	entry, ok := c.subs.Unsubscribe(id)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownSub, id)
	}
	conn := c.conn
	live := c.state == Ready || c.state == Streaming
	if c.state == Streaming && c.subs.Len() == 0 {
		c.state = Ready
	}
	c.mu.Unlock()

	if !live {
		return nil
	}

	payload, err := c.adapter.EncodeUnsubscribe([]subscription.Entry{entry})
	if err != nil {
		return fmt.Errorf("encode unsubscribe: %w", err)
	}
	if err := conn.Send(payload); err != nil {
		return fmt.Errorf("send unsubscribe: %w", err)
	}
	return nil
}

// run receives from one transport until it dies or the session ends.
func (c *Core) run(ctx context.Context, conn Conn, gen int) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-conn.Messages():
			c.handleMessage(msg)
		case err := <-conn.Errors():
			c.handleLoss(ctx, conn, gen, err)
			return
		}
	}
}

func (c *Core) handleMessage(msg Message) {
	events, err := c.adapter.Decode(msg)
	if err != nil {
		c.statsMu.Lock()
		c.stats.DecodeErrors++
		c.statsMu.Unlock()
		c.logger.Debug("decode failed", "error", err)
		return
	}

	for i := range events {
		evt := &events[i]
		if evt.Source == "" {
			evt.Source = c.source
		}
		if evt.SchemaVersion == 0 {
			evt.SchemaVersion = event.SchemaVersion
		}
		if evt.Timestamp.IsZero() {
			evt.Timestamp = msg.ReceivedAt
		}
		if err := evt.Validate(); err != nil {
			c.statsMu.Lock()
			c.stats.ValidationDrops++
			c.statsMu.Unlock()
			c.logger.Debug("event dropped", "symbol", evt.Symbol, "error", err)
			continue
		}
		if c.pub.TryPublish(*evt) {
			c.statsMu.Lock()
			c.stats.EventsPublished++
			c.statsMu.Unlock()
		}
	}
}

// handleLoss drives the reconnect loop after a transport failure.
// Messages arriving while Reconnecting are lost; the emitted gap event
// is what triggers backfill for the window.
func (c *Core) handleLoss(ctx context.Context, conn Conn, gen int, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state == Disconnected {
		// A newer connection took over, or Disconnect beat us here.
		c.mu.Unlock()
		return
	}
	c.state = Reconnecting
	c.mu.Unlock()

	conn.Close()
	c.helper.MarkDisconnected(time.Now())
	c.logger.Warn("transport lost", "error", cause)
	c.publishStatus(&event.ConnectionStatus{
		Status:         event.ConnDisconnected,
		DisconnectedAt: time.Now(),
	})

	ok, err := c.helper.TryReconnect(ctx, c.redial)
	if err != nil {
		c.setState(Disconnected)
		return
	}
	if !ok {
		c.logger.Error("reconnect exhausted")
		c.setState(Disconnected)
	}
	// Success: redial already installed the new connection and state.
}

// redial is the reconnect action: dial, authenticate, resubscribe.
func (c *Core) redial(ctx context.Context) error {
	conn, err := c.adapter.Dial(ctx)
	if err != nil {
		return err
	}
	if err := c.adapter.Authenticate(ctx, conn); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	if c.state == Disconnected {
		// Disconnect raced the reconnect loop.
		c.mu.Unlock()
		conn.Close()
		return errors.New("session closed during reconnect")
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	runCtx := c.runCtx
	c.state = Ready
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(runCtx, conn, gen)

	c.flushSubscriptions(conn)
	return nil
}

// flushSubscriptions re-sends the aggregate subscribe message for every
// tracked entry, ordered by symbol then kind. Failures are logged and
// counted; the affected entries retry on the next reconnect.
func (c *Core) flushSubscriptions(conn Conn) {
	snapshot := c.subs.Snapshot()
	if len(snapshot) == 0 {
		return
	}

	payload, err := c.adapter.EncodeSubscribe(snapshot)
	if err == nil {
		err = conn.Send(payload)
	}
	if err != nil {
		c.statsMu.Lock()
		c.stats.ResubscribeFailures++
		c.statsMu.Unlock()
		c.logger.Error("resubscribe failed", "entries", len(snapshot), "error", err)
		return
	}

	c.mu.Lock()
	if c.state == Ready {
		c.state = Streaming
	}
	c.mu.Unlock()
	c.logger.Info("subscriptions flushed", "entries", len(snapshot))
}

func (c *Core) onReconnected(evt reconnect.Event) {
	c.statsMu.Lock()
	c.stats.ReconnectsSucceeded++
	c.statsMu.Unlock()
	c.publishStatus(&event.ConnectionStatus{
		Status:         event.ConnReconnected,
		DisconnectedAt: evt.DisconnectedAt,
		ReconnectedAt:  evt.ReconnectedAt,
		AttemptsUsed:   evt.AttemptsUsed,
		SequenceReset:  true,
	})
}

func (c *Core) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Debug("state change", "from", prev.String(), "to", s.String())
	}
}

func (c *Core) publishStatus(status *event.ConnectionStatus) {
	if c.pub == nil {
		return
	}
	c.pub.TryPublish(event.MarketEvent{
		Timestamp:     time.Now().UTC(),
		Symbol:        statusSymbol,
		Type:          event.TypeConnectionStatus,
		Source:        c.source,
		SchemaVersion: event.SchemaVersion,
		ConnStatus:    status,
	})
}
