// Package backfill turns reconnect gap events into targeted historical
// requests. The planner queues each gap window, fans requests out over
// the tracked symbols with bounded concurrency, and republishes the
// fetched bars so the sinks store them like any live event.
package backfill

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mdflow/mdflow/internal/event"
	"github.com/mdflow/mdflow/internal/progress"
	"github.com/mdflow/mdflow/internal/pubsub"
	"github.com/mdflow/mdflow/internal/reconnect"
)

const queueCapacity = 64

// Historical is the slice of the composite the planner needs.
type Historical interface {
	GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]event.Bar, error)
}

// Config tunes the planner.
type Config struct {
	Concurrency int           // Parallel symbol fetches per gap (default 4)
	MaxGapAge   time.Duration // Gaps older than this are skipped, 0 = no limit
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
}

type gapJob struct {
	from, to time.Time
	provider string
}

// Stats reports planner counters.
type Stats struct {
	GapsQueued  int64
	GapsFilled  int64
	GapsSkipped int64
	Failures    int64
}

// Planner consumes gap windows and repairs them from history.
type Planner struct {
	cfg     Config
	source  Historical
	tracker *progress.Tracker
	pub     *pubsub.Publisher
	logger  *slog.Logger
	now     func() time.Time

	symbolsMu sync.RWMutex
	symbols   []string

	queue  chan gapJob
	cancel context.CancelFunc
	wg     sync.WaitGroup

	gapsQueued  atomic.Int64
	gapsFilled  atomic.Int64
	gapsSkipped atomic.Int64
	failures    atomic.Int64
}

// New builds a planner over the given historical source. The publisher
// may be nil, in which case fetched bars are only counted.
func New(cfg Config, source Historical, tracker *progress.Tracker, pub *pubsub.Publisher, logger *slog.Logger) *Planner {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		cfg:     cfg,
		source:  source,
		tracker: tracker,
		pub:     pub,
		logger:  logger.With("component", "backfill"),
		now:     time.Now,
		queue:   make(chan gapJob, queueCapacity),
	}
}

// SetClock overrides the time source for tests.
func (p *Planner) SetClock(now func() time.Time) { p.now = now }

// SetSymbols replaces the symbol set gap repairs cover.
func (p *Planner) SetSymbols(symbols []string) {
	normalized := make([]string, len(symbols))
	for i, s := range symbols {
		normalized[i] = event.NormalizeSymbol(s)
	}
	p.symbolsMu.Lock()
	p.symbols = normalized
	p.symbolsMu.Unlock()
}

// HandleReconnect is registered on the reconnect helper. It queues the
// gap window; a full queue drops the gap with a warning rather than
// blocking the reconnect path.
func (p *Planner) HandleReconnect(evt reconnect.Event) {
	if p.cfg.MaxGapAge > 0 && p.now().Sub(evt.DisconnectedAt) > p.cfg.MaxGapAge {
		p.gapsSkipped.Add(1)
		p.logger.Info("skipping stale gap",
			"provider", evt.ProviderName,
			"disconnected_at", evt.DisconnectedAt,
		)
		return
	}

	job := gapJob{from: evt.DisconnectedAt, to: evt.ReconnectedAt, provider: evt.ProviderName}
	select {
	case p.queue <- job:
		p.gapsQueued.Add(1)
	default:
		p.gapsSkipped.Add(1)
		p.logger.Warn("backfill queue full, gap dropped",
			"provider", evt.ProviderName,
			"gap", evt.GapDuration,
		)
	}
}

// Start begins consuming queued gaps.
func (p *Planner) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.run(runCtx)

	p.logger.Info("backfill planner started", "concurrency", p.cfg.Concurrency)
}

// Stop cancels in-flight work and waits for the loop to exit.
func (p *Planner) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
}

// Stats returns current counters.
func (p *Planner) Stats() Stats {
	return Stats{
		GapsQueued:  p.gapsQueued.Load(),
		GapsFilled:  p.gapsFilled.Load(),
		GapsSkipped: p.gapsSkipped.Load(),
		Failures:    p.failures.Load(),
	}
}

func (p *Planner) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.queue:
			p.symbolsMu.RLock()
			symbols := append([]string(nil), p.symbols...)
			p.symbolsMu.RUnlock()

			if len(symbols) == 0 {
				p.gapsSkipped.Add(1)
				continue
			}

			// Widen sub-day gaps to full session dates, since the
			// historical path serves daily bars.
			from := job.from.UTC().Truncate(24 * time.Hour)
			to := job.to.UTC().Truncate(24 * time.Hour)

			if err := p.Run(ctx, symbols, from, to); err != nil {
				p.logger.Warn("gap repair incomplete",
					"provider", job.provider,
					"from", from, "to", to,
					"error", err,
				)
			} else {
				p.gapsFilled.Add(1)
			}
		}
	}
}

// Run fetches bars for every symbol over the closed [from, to] date
// range with bounded concurrency, reporting per-symbol progress. It is
// also the entry point for one-shot bulk backfills.
func (p *Planner) Run(ctx context.Context, symbols []string, from, to time.Time) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for _, symbol := range symbols {
		g.Go(func() error {
			return p.fillSymbol(gctx, symbol, from, to)
		})
	}
	return g.Wait()
}

func (p *Planner) fillSymbol(ctx context.Context, symbol string, from, to time.Time) error {
	if p.tracker != nil {
		p.tracker.Begin(symbol, from, to)
	}

	bars, err := p.source.GetDailyBars(ctx, symbol, from, to)
	if err != nil {
		p.failures.Add(1)
		if p.tracker != nil {
			p.tracker.Fail(symbol, err)
		}
		return err
	}

	seq := int64(0)
	for _, bar := range bars {
		seq++
		if p.pub != nil {
			p.pub.TryPublish(event.MarketEvent{
				Timestamp:     bar.Date,
				Symbol:        symbol,
				Type:          event.TypeHistoricalBar,
				Sequence:      seq,
				Source:        "composite",
				SchemaVersion: event.SchemaVersion,
				Bar:           &bar,
			})
		}
		if p.tracker != nil {
			p.tracker.Advance(symbol, 1)
		}
	}

	if p.tracker != nil {
		p.tracker.Complete(symbol)
	}
	return nil
}
