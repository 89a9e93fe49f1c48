package sim

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mdflow/mdflow/internal/event"
	"github.com/mdflow/mdflow/internal/provider"
	"github.com/mdflow/mdflow/internal/pubsub"
)

var errNotConnected = errors.New("sim streaming: not connected")

type simSub struct {
	symbol string
	kind   provider.SubscriptionKind
	depth  int
}

// Streaming is a seeded synthetic push provider. Once connected it
// emits trades, quotes, and depth snapshots for every subscribed
// symbol on a fixed tick.
type Streaming struct {
	id       string
	priority int
	seed     uint64
	interval time.Duration
	pub      *pubsub.Publisher
	logger   *slog.Logger

	mu        sync.Mutex
	connected bool
	nextID    int
	subs      map[int]simSub
	seq       map[string]int64 // per symbol
	price     map[string]float64
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewStreaming builds a synthetic streaming provider publishing into
// pub. Interval defaults to 100ms when zero.
func NewStreaming(id string, priority int, seed uint64, interval time.Duration, pub *pubsub.Publisher, logger *slog.Logger) *Streaming {
	if interval == 0 {
		interval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Streaming{
		id:       id,
		priority: priority,
		seed:     seed,
		interval: interval,
		pub:      pub,
		logger:   logger.With("component", "sim-streaming", "provider", id),
		subs:     make(map[int]simSub),
		seq:      make(map[string]int64),
		price:    make(map[string]float64),
	}
}

func (s *Streaming) Descriptor() provider.Descriptor {
	return provider.Descriptor{
		ID:          s.id,
		DisplayName: "Simulated " + s.id,
		Priority:    s.priority,
		Capabilities: provider.Capabilities{
			Trades: true,
			Quotes: true,
			Depth:  true,
		},
	}
}

func (s *Streaming) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.connected = true

	go s.tickLoop(runCtx)
	s.logger.Info("connected")
	return nil
}

func (s *Streaming) Disconnect(context.Context) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("disconnected")
	return nil
}

func (s *Streaming) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Streaming) SubscribeTrades(ctx context.Context, cfg provider.SubConfig) (int, error) {
	return s.subscribe(cfg, provider.KindTrades)
}

func (s *Streaming) SubscribeQuotes(ctx context.Context, cfg provider.SubConfig) (int, error) {
	return s.subscribe(cfg, provider.KindQuotes)
}

func (s *Streaming) SubscribeDepth(ctx context.Context, cfg provider.SubConfig) (int, error) {
	return s.subscribe(cfg, provider.KindDepth)
}

func (s *Streaming) subscribe(cfg provider.SubConfig, kind provider.SubscriptionKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0, errNotConnected
	}

	s.nextID++
	id := s.nextID
	s.subs[id] = simSub{symbol: event.NormalizeSymbol(cfg.Symbol), kind: kind, depth: cfg.Depth}
	return id, nil
}

func (s *Streaming) Unsubscribe(_ context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return provider.ErrNotFound
	}
	delete(s.subs, id)
	return nil
}

func (s *Streaming) tickLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.emitTick(now.UTC())
		}
	}
}

func (s *Streaming) emitTick(now time.Time) {
	s.mu.Lock()
	subs := make([]simSub, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		evt := s.eventFor(sub, now)
		if s.pub != nil {
			s.pub.TryPublish(evt)
		}
	}
}

func (s *Streaming) eventFor(sub simSub, now time.Time) event.MarketEvent {
	s.mu.Lock()
	px, ok := s.price[sub.symbol]
	if !ok {
		px = 100 + float64(symbolHash(sub.symbol)%400)
	}
	rng := rand.New(rand.NewPCG(s.seed^symbolHash(sub.symbol), uint64(now.UnixNano())))
	px *= 1 + (rng.Float64()-0.5)*0.001
	s.price[sub.symbol] = px

	s.seq[sub.symbol]++
	seq := s.seq[sub.symbol]
	s.mu.Unlock()

	evt := event.MarketEvent{
		Timestamp:     now,
		Symbol:        sub.symbol,
		Sequence:      seq,
		Source:        s.id,
		SchemaVersion: event.SchemaVersion,
	}

	switch sub.kind {
	case provider.KindTrades:
		side := event.SideBuy
		if rng.IntN(2) == 0 {
			side = event.SideSell
		}
		evt.Type = event.TypeTrade
		evt.Trade = &event.Trade{
			Price: round2(px),
			Size:  float64(1 + rng.IntN(500)),
			Side:  side,
			Venue: "SIM",
		}
	case provider.KindQuotes:
		spread := px * 0.0002
		evt.Type = event.TypeBboQuote
		evt.Quote = &event.BboQuote{
			BidPrice: round2(px - spread),
			BidSize:  float64(100 * (1 + rng.IntN(10))),
			AskPrice: round2(px + spread),
			AskSize:  float64(100 * (1 + rng.IntN(10))),
			Venue:    "SIM",
		}
	case provider.KindDepth:
		levels := sub.depth
		if levels <= 0 {
			levels = 5
		}
		book := &event.L2Snapshot{}
		for i := 0; i < levels; i++ {
			offset := px * 0.0002 * float64(i+1)
			book.Bids = append(book.Bids, event.PriceLevel{
				Price: round2(px - offset),
				Size:  float64(100 * (1 + rng.IntN(20))),
			})
			book.Asks = append(book.Asks, event.PriceLevel{
				Price: round2(px + offset),
				Size:  float64(100 * (1 + rng.IntN(20))),
			})
		}
		evt.Type = event.TypeL2Snapshot
		evt.Depth = book
	}

	return evt
}
