package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/mdflow/mdflow/internal/event"
	"github.com/mdflow/mdflow/internal/pubsub"
)

const (
	DefaultBufferSize    = 10000
	DefaultFlushInterval = 30 * time.Second
)

// ColumnarConfig configures a ColumnarSink.
type ColumnarConfig struct {
	Root          string
	Layout        Layout
	Codec         Codec
	DatePartition DatePartition
	BufferSize    int           // Eager-flush threshold per partition
	FlushInterval time.Duration // Background flusher period
	Classify      AssetClassifier
}

func (c *ColumnarConfig) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.Layout == "" {
		c.Layout = LayoutCanonical
	}
	if c.Codec == "" {
		c.Codec = CodecSnappy
	}
	if c.DatePartition == "" {
		c.DatePartition = PartitionDaily
	}
	if c.Classify == nil {
		c.Classify = DefaultAssetClassifier
	}
}

// ColumnarStats counts sink outcomes since construction.
type ColumnarStats struct {
	Appended    int64
	RowsFlushed int64
	Flushes     int64
	FlushErrors int64
	OpenFiles   int
}

// partition is one in-memory buffer plus its writer. flushMu serializes
// flushes per partition so row groups never interleave.
type partition struct {
	key partitionKey

	mu     sync.Mutex
	events []event.MarketEvent
	// firstTS anchors layout paths that derive directories from the
	// event time rather than the bucket string.
	firstTS time.Time

	flushMu sync.Mutex
	writer  rowWriter
}

// ColumnarSink buffers events per (symbol, type, source, date bucket)
// and writes one Parquet row group per flush. Append is safe under
// many producers; a single background flusher drains on a jittered
// interval and any buffer reaching capacity is flushed eagerly.
type ColumnarSink struct {
	cfg    ColumnarConfig
	logger *slog.Logger
	pub    *pubsub.Publisher // Integrity events on flush failure, may be nil

	parts sync.Map // partitionKey -> *partition

	appended    atomic.Int64
	rowsFlushed atomic.Int64
	flushes     atomic.Int64
	flushErrors atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewColumnarSink creates a sink rooted at cfg.Root. The root directory
// is created if missing.
func NewColumnarSink(cfg ColumnarConfig, pub *pubsub.Publisher, logger *slog.Logger) (*ColumnarSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	if cfg.Root == "" {
		return nil, errors.New("sink root directory required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create sink root: %w", err)
	}
	return &ColumnarSink{
		cfg:    cfg,
		logger: logger.With("component", "columnar-sink"),
		pub:    pub,
	}, nil
}

// Start launches the background flusher.
func (s *ColumnarSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("sink already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.flushLoop()

	s.logger.Info("sink started",
		"root", s.cfg.Root, "layout", s.cfg.Layout, "codec", s.cfg.Codec,
		"buffer_size", s.cfg.BufferSize, "flush_interval", s.cfg.FlushInterval)
	return nil
}

// Stop flushes everything, closes all writers, and waits for the
// flusher to exit, bounded by ctx.
func (s *ColumnarSink) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return s.closeAll()
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.Flush(); err != nil {
		s.logger.Error("final flush failed", "error", err)
	}
	return s.closeAll()
}

// Append buffers one event. The call never blocks on I/O unless the
// partition buffer just hit capacity, in which case it flushes inline.
func (s *ColumnarSink) Append(evt event.MarketEvent) {
	key := partitionKey{
		Symbol: evt.Symbol,
		Type:   evt.Type,
		Source: evt.Source,
		Bucket: s.cfg.DatePartition.bucket(evt.Timestamp),
	}

	v, ok := s.parts.Load(key)
	if !ok {
		v, _ = s.parts.LoadOrStore(key, &partition{key: key})
	}
	p := v.(*partition)

	p.mu.Lock()
	if len(p.events) == 0 {
		p.firstTS = evt.Timestamp
	}
	p.events = append(p.events, evt)
	full := len(p.events) >= s.cfg.BufferSize
	p.mu.Unlock()

	s.appended.Add(1)

	if full {
		if err := s.flushPartition(p); err != nil {
			s.reportFlushError(p.key, err)
		}
	}
}

// Flush drains every partition buffer to disk.
func (s *ColumnarSink) Flush() error {
	var errs []error
	s.parts.Range(func(_, v any) bool {
		p := v.(*partition)
		if err := s.flushPartition(p); err != nil {
			s.reportFlushError(p.key, err)
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

// Stats returns a snapshot of sink counters.
func (s *ColumnarSink) Stats() ColumnarStats {
	open := 0
	s.parts.Range(func(_, v any) bool {
		if v.(*partition).writer != nil {
			open++
		}
		return true
	})
	return ColumnarStats{
		Appended:    s.appended.Load(),
		RowsFlushed: s.rowsFlushed.Load(),
		Flushes:     s.flushes.Load(),
		FlushErrors: s.flushErrors.Load(),
		OpenFiles:   open,
	}
}

// flushPartition writes the partition's buffered events as one row
// group. A no-op when the buffer is empty.
func (s *ColumnarSink) flushPartition(p *partition) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	batch := p.events
	ts := p.firstTS
	p.events = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if p.writer == nil {
		path := pathname(s.cfg.Root, s.cfg.Layout, s.cfg.Codec, s.cfg.Classify, p.key, ts)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			s.restore(p, batch)
			return fmt.Errorf("create partition dir: %w", err)
		}
		w, err := newRowWriter(p.key.Type, path, s.cfg.Codec)
		if err != nil {
			s.restore(p, batch)
			return err
		}
		p.writer = w
		s.logger.Debug("partition file opened", "path", path, "type", p.key.Type)
	}

	if err := p.writer.writeRowGroup(batch); err != nil {
		s.restore(p, batch)
		return fmt.Errorf("write row group %s/%s: %w", p.key.Symbol, p.key.Type, err)
	}

	s.flushes.Add(1)
	s.rowsFlushed.Add(int64(len(batch)))
	return nil
}

// restore puts a failed batch back at the head of the buffer so the
// next flush retries it.
func (s *ColumnarSink) restore(p *partition, batch []event.MarketEvent) {
	p.mu.Lock()
	p.events = append(batch, p.events...)
	p.mu.Unlock()
}

func (s *ColumnarSink) reportFlushError(key partitionKey, err error) {
	s.flushErrors.Add(1)
	s.logger.Error("flush failed", "symbol", key.Symbol, "type", key.Type, "error", err)
	if s.pub == nil {
		return
	}
	s.pub.TryPublish(event.MarketEvent{
		Timestamp:     time.Now().UTC(),
		Symbol:        key.Symbol,
		Type:          event.TypeIntegrity,
		Source:        key.Source,
		SchemaVersion: event.SchemaVersion,
		Integrity: &event.Integrity{
			Kind:   "flush_failed",
			Detail: err.Error(),
		},
	})
}

func (s *ColumnarSink) closeAll() error {
	var errs []error
	s.parts.Range(func(_, v any) bool {
		p := v.(*partition)
		p.flushMu.Lock()
		if p.writer != nil {
			if err := p.writer.close(); err != nil {
				errs = append(errs, err)
			}
			p.writer = nil
		}
		p.flushMu.Unlock()
		return true
	})
	return errors.Join(errs...)
}

// flushLoop drains all partitions on a jittered interval so replicas
// do not flush in lockstep.
func (s *ColumnarSink) flushLoop() {
	defer s.wg.Done()

	for {
		interval := jitter(s.cfg.FlushInterval)
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(interval):
			if err := s.Flush(); err != nil {
				s.logger.Warn("periodic flush incomplete", "error", err)
			}
		}
	}
}

// jitter spreads d by ±10%.
func jitter(d time.Duration) time.Duration {
	f := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(d) * f)
}

// rowWriter writes typed row groups for one partition file.
type rowWriter interface {
	writeRowGroup(events []event.MarketEvent) error
	close() error
}

// typedWriter adapts a parquet.GenericWriter to the rowWriter
// interface for one row schema.
type typedWriter[T any] struct {
	file *os.File
	w    *parquet.GenericWriter[T]
	conv func(event.MarketEvent) T
}

func (tw *typedWriter[T]) writeRowGroup(events []event.MarketEvent) error {
	rows := make([]T, len(events))
	for i, e := range events {
		rows[i] = tw.conv(e)
	}
	if _, err := tw.w.Write(rows); err != nil {
		return err
	}
	// One row group per flush.
	return tw.w.Flush()
}

func (tw *typedWriter[T]) close() error {
	if err := tw.w.Close(); err != nil {
		tw.file.Close()
		return err
	}
	return tw.file.Close()
}

func newTypedWriter[T any](path string, codec Codec, conv func(event.MarketEvent) T) (rowWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open partition file: %w", err)
	}
	return &typedWriter[T]{
		file: f,
		w:    parquet.NewGenericWriter[T](f, compressionFor(codec)),
		conv: conv,
	}, nil
}

func newRowWriter(t event.Type, path string, codec Codec) (rowWriter, error) {
	switch t {
	case event.TypeTrade:
		return newTypedWriter(path, codec, toTradeRow)
	case event.TypeBboQuote:
		return newTypedWriter(path, codec, toQuoteRow)
	case event.TypeL2Snapshot:
		return newTypedWriter(path, codec, toDepthRow)
	case event.TypeHistoricalBar:
		return newTypedWriter(path, codec, toBarRow)
	default:
		return newTypedWriter(path, codec, toGenericRow)
	}
}

func compressionFor(c Codec) parquet.WriterOption {
	switch c {
	case CodecSnappy:
		return parquet.Compression(&parquet.Snappy)
	case CodecGzip:
		return parquet.Compression(&parquet.Gzip)
	case CodecZstd:
		return parquet.Compression(&parquet.Zstd)
	case CodecLz4:
		return parquet.Compression(&parquet.Lz4Raw)
	case CodecBrotli:
		return parquet.Compression(&parquet.Brotli)
	default:
		return parquet.Compression(&parquet.Uncompressed)
	}
}
