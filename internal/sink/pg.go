package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mdflow/mdflow/internal/event"
	"github.com/mdflow/mdflow/internal/pubsub"
)

// PGConfig configures a PostgresSink.
type PGConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultPGConfig returns sensible defaults.
func DefaultPGConfig() PGConfig {
	return PGConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
	}
}

// PGMetrics counts writer outcomes.
type PGMetrics struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
	Skipped   int64
}

// batchSender is the slice of pgxpool.Pool the sink needs.
type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type pgTradeRow struct {
	ts       time.Time
	symbol   string
	price    float64
	size     float64
	side     string
	sequence int64
	venue    string
	source   string
}

// PostgresSink consumes trade events from a publisher subscription and
// batch-inserts them into the trades hypertable. Append-only: conflicts
// on (source, symbol, sequence) are dropped, never updated.
type PostgresSink struct {
	cfg    PGConfig
	logger *slog.Logger

	sub *pubsub.Subscriber
	db  batchSender

	batch       []pgTradeRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics PGMetrics
}

// NewPostgresSink creates a sink reading from sub and writing via db.
func NewPostgresSink(cfg PGConfig, sub *pubsub.Subscriber, db batchSender, logger *slog.Logger) *PostgresSink {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultPGConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultPGConfig().FlushInterval
	}
	return &PostgresSink{
		cfg:    cfg,
		logger: logger.With("component", "pg-sink"),
		sub:    sub,
		db:     db,
		batch:  make([]pgTradeRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming and flushing.
func (s *PostgresSink) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.flushTicker = time.NewTicker(s.cfg.FlushInterval)

	s.wg.Add(1)
	go s.consumeLoop()

	s.wg.Add(1)
	go s.flushLoop()

	s.logger.Info("postgres sink started",
		"batch_size", s.cfg.BatchSize,
		"flush_interval", s.cfg.FlushInterval,
	)
	return nil
}

// Stop shuts the sink down and performs a final flush.
func (s *PostgresSink) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.flushTicker != nil {
		s.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("postgres sink stopped")
	case <-ctx.Done():
		s.logger.Warn("postgres sink stop timed out")
	}

	s.flush()
	return nil
}

// Stats returns current metrics.
func (s *PostgresSink) Stats() PGMetrics {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	return s.metrics
}

func (s *PostgresSink) consumeLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			evt, ok := s.sub.TryReceive()
			if !ok {
				select {
				case <-s.ctx.Done():
					return
				case <-time.After(10 * time.Millisecond):
					continue
				}
			}
			s.handleEvent(evt)
		}
	}
}

func (s *PostgresSink) flushLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.flushTicker.C:
			s.flush()
		}
	}
}

func (s *PostgresSink) handleEvent(evt event.MarketEvent) {
	if evt.Type != event.TypeTrade {
		s.batchMu.Lock()
		s.metrics.Skipped++
		s.batchMu.Unlock()
		return
	}

	row := pgTradeRow{
		ts:       evt.Timestamp,
		symbol:   evt.Symbol,
		price:    evt.Trade.Price,
		size:     evt.Trade.Size,
		side:     string(evt.Trade.Side),
		sequence: evt.Sequence,
		venue:    evt.Trade.Venue,
		source:   evt.Source,
	}

	s.batchMu.Lock()
	s.batch = append(s.batch, row)
	shouldFlush := len(s.batch) >= s.cfg.BatchSize
	s.batchMu.Unlock()

	if shouldFlush {
		s.flush()
	}
}

func (s *PostgresSink) flush() {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	batch := s.batch
	s.batch = make([]pgTradeRow, 0, s.cfg.BatchSize)
	s.batchMu.Unlock()

	start := time.Now()

	conflicts, err := s.batchInsert(batch)
	if err != nil {
		s.logger.Error("batch insert failed", "error", err, "count", len(batch))
		s.batchMu.Lock()
		s.metrics.Errors++
		s.batchMu.Unlock()
		return
	}

	s.batchMu.Lock()
	s.metrics.Inserts += int64(len(batch) - conflicts)
	s.metrics.Conflicts += int64(conflicts)
	s.metrics.Flushes++
	s.batchMu.Unlock()

	s.logger.Debug("flushed trades",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows with ON CONFLICT DO NOTHING and counts the
// rows the database rejected as duplicates.
func (s *PostgresSink) batchInsert(rows []pgTradeRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO trades (ts, symbol, price, size, side, sequence, venue, source)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (source, symbol, sequence) DO NOTHING
		`, r.ts, r.symbol, r.price, r.size, r.side, r.sequence, r.venue, r.source)
	}

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}
