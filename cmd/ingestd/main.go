package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mdflow/mdflow/internal/backfill"
	"github.com/mdflow/mdflow/internal/broker"
	"github.com/mdflow/mdflow/internal/composite"
	"github.com/mdflow/mdflow/internal/config"
	"github.com/mdflow/mdflow/internal/coordinator"
	"github.com/mdflow/mdflow/internal/database"
	"github.com/mdflow/mdflow/internal/event"
	"github.com/mdflow/mdflow/internal/failover"
	"github.com/mdflow/mdflow/internal/httpreg"
	"github.com/mdflow/mdflow/internal/metrics"
	"github.com/mdflow/mdflow/internal/progress"
	"github.com/mdflow/mdflow/internal/provider"
	"github.com/mdflow/mdflow/internal/provider/restbars"
	"github.com/mdflow/mdflow/internal/provider/sim"
	"github.com/mdflow/mdflow/internal/provider/wsfeed"
	"github.com/mdflow/mdflow/internal/pubsub"
	"github.com/mdflow/mdflow/internal/ratelimit"
	"github.com/mdflow/mdflow/internal/reconnect"
	"github.com/mdflow/mdflow/internal/schedule"
	"github.com/mdflow/mdflow/internal/sink"
	"github.com/mdflow/mdflow/internal/stream"
	"github.com/mdflow/mdflow/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/ingestd.local.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting ingestd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	if err := run(*configPath, logger); err != nil {
		logger.Error("ingestd failed", "error", err)
		os.Exit(1)
	}
	logger.Info("ingestd stopped")
}

func run(configPath string, logger *slog.Logger) error {
	// Hot reload covers the symbol set; everything else needs a
	// restart. The onChange hook is bound after wiring.
	var planner *backfill.Planner
	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		if planner != nil {
			planner.SetSymbols(next.Instance.Symbols)
		}
	}, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := watcher.Current()

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"symbols", len(cfg.Instance.Symbols),
		"historical_providers", len(cfg.Providers.Historical),
		"streaming_providers", len(cfg.Providers.Streaming),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer watcher.Stop()

	// Metrics
	reg := metrics.NewRegistry()
	metricsSrv := metrics.NewServer(reg, cfg.Metrics.Port, cfg.Metrics.Path, logger)
	if err := metricsSrv.Start(); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		metricsSrv.Stop(shutdownCtx)
	}()

	// Event fan-out
	publisher := pubsub.NewPublisher(logger,
		pubsub.WithQueueCapacity(cfg.Publisher.QueueCapacity),
	)
	defer publisher.Close()

	// Symbol ownership
	coord, err := coordinator.New(coordinator.Config{
		Dir:               cfg.Instance.ClaimDir,
		InstanceID:        cfg.Instance.ID,
		HeartbeatTimeout:  cfg.Instance.HeartbeatTimeout,
		HeartbeatInterval: cfg.Instance.HeartbeatInterval,
	}, logger)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		coord.Stop(shutdownCtx)
	}()

	var owned []string
	for _, symbol := range cfg.Instance.Symbols {
		claimed, err := coord.TryClaim(symbol)
		if err != nil {
			logger.Warn("claim failed", "symbol", symbol, "error", err)
			continue
		}
		if claimed {
			owned = append(owned, event.NormalizeSymbol(symbol))
		} else {
			logger.Info("symbol claimed elsewhere", "symbol", symbol)
		}
	}
	logger.Info("symbols claimed", "owned", len(owned), "configured", len(cfg.Instance.Symbols))

	// Providers
	clients := httpreg.NewRegistry()
	limiter := ratelimit.NewTracker(logger)
	registry := provider.NewRegistry()

	for _, pc := range cfg.Providers.Historical {
		limiter.RegisterProvider(pc.ID, pc.MaxRequests, pc.Window, pc.MinDelay)
		if err := registry.RegisterHistorical(buildHistorical(pc, clients)); err != nil {
			return fmt.Errorf("register historical %s: %w", pc.ID, err)
		}
	}

	comp := composite.New(composite.Options{
		FailureBackoff:        cfg.Composite.FailureBackoffDuration,
		EnableCrossValidation: cfg.Composite.EnableCrossValidation,
		EnableRotation:        cfg.Composite.EnableRateLimitRotation,
		RotationThreshold:     cfg.Composite.RateLimitRotationThreshold,
	}, registry, limiter, nil, logger)

	// Backfill planner
	tracker := progress.NewTracker(logger)
	planner = backfill.New(backfill.Config{
		Concurrency: cfg.Backfill.Concurrency,
		MaxGapAge:   cfg.Backfill.MaxGapAge,
	}, comp, tracker, publisher, logger)
	planner.SetSymbols(owned)
	planner.Start(ctx)
	defer planner.Stop()

	// Streaming with failover. Providers carrying a reconnect helper
	// hand their gap events to the backfill planner.
	var streams []provider.Streaming
	for i, pc := range cfg.Providers.Streaming {
		s, helper, ok := buildStreaming(pc, i, cfg.Reconnect, publisher, logger)
		if !ok {
			logger.Warn("no adapter for streaming provider, skipped", "id", pc.ID, "url", pc.URL)
			continue
		}
		if err := registry.RegisterStreaming(s); err != nil {
			return fmt.Errorf("register streaming %s: %w", pc.ID, err)
		}
		if helper != nil {
			helper.OnReconnected("backfill", planner.HandleReconnect)
		}
		streams = append(streams, s)
	}

	if len(streams) > 0 {
		svc := failover.NewService(logger)
		ordered := make([]string, len(streams))
		for i, s := range streams {
			ordered[i] = s.Descriptor().ID
		}
		svc.AddRule(failover.Rule{
			ID:                  "streaming",
			OrderedProviders:    ordered,
			ConsecutiveFailures: 5,
			RateLimitedFor:      10 * time.Second,
			RecoveryTimeout:     time.Minute,
		})

		router, err := failover.NewRouter(streams, svc, logger)
		if err != nil {
			return fmt.Errorf("create failover router: %w", err)
		}
		if err := router.Connect(ctx); err != nil {
			logger.Error("streaming connect failed", "error", err)
		} else {
			for _, symbol := range owned {
				if _, err := router.SubscribeTrades(ctx, provider.SubConfig{Symbol: symbol}); err != nil {
					logger.Warn("subscribe trades failed", "symbol", symbol, "error", err)
				}
				if _, err := router.SubscribeQuotes(ctx, provider.SubConfig{Symbol: symbol}); err != nil {
					logger.Warn("subscribe quotes failed", "symbol", symbol, "error", err)
				}
			}
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			router.Disconnect(shutdownCtx)
		}()
	}

	// Columnar sink
	columnar, err := sink.NewColumnarSink(sink.ColumnarConfig{
		Root:          cfg.Storage.Root,
		Layout:        sink.Layout(cfg.Storage.Layout),
		Codec:         sink.Codec(cfg.Storage.Codec),
		DatePartition: sink.DatePartition(cfg.Storage.DatePartition),
		BufferSize:    cfg.Storage.BufferSize,
		FlushInterval: cfg.Storage.FlushInterval,
	}, publisher, logger)
	if err != nil {
		return fmt.Errorf("create columnar sink: %w", err)
	}
	if err := columnar.Start(ctx); err != nil {
		return fmt.Errorf("start columnar sink: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		columnar.Stop(shutdownCtx)
	}()

	columnarSub := publisher.Subscribe("columnar")
	go pumpToColumnar(ctx, columnarSub, columnar)
	taps := []*pubsub.Subscriber{columnarSub}

	// Optional Postgres trade sink
	if cfg.Database.Enabled {
		pool, err := database.Connect(ctx, cfg.Database.Postgres)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		pgSub := publisher.Subscribe("postgres")
		taps = append(taps, pgSub)
		pgSink := sink.NewPostgresSink(sink.PGConfig{}, pgSub, pool, logger)
		if err := pgSink.Start(ctx); err != nil {
			return fmt.Errorf("start postgres sink: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			pgSink.Stop(shutdownCtx)
		}()
		logger.Info("postgres sink started", "host", cfg.Database.Postgres.Host)
	}

	// Optional downstream NATS tap
	if cfg.Broker.Enabled {
		brokerSub := publisher.Subscribe("broker")
		taps = append(taps, brokerSub)
		tap, err := broker.Connect(broker.Config{
			URL:           cfg.Broker.URL,
			SubjectPrefix: cfg.Broker.SubjectPrefix,
		}, brokerSub, logger)
		if err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
		tap.Start(ctx)
		defer tap.Stop()
	}

	// Operational scheduler gates periodic integrity flushes
	scheduler, err := buildScheduler(cfg, logger)
	if err != nil {
		return err
	}
	go integrityLoop(ctx, scheduler, columnar, logger)

	histIDs := make([]string, 0, len(cfg.Providers.Historical))
	for _, pc := range cfg.Providers.Historical {
		histIDs = append(histIDs, pc.ID)
	}
	go sampleMetrics(ctx, reg, taps, limiter, histIDs, planner)

	logger.Info("ingestd running",
		"instance_id", coord.InstanceID(),
		"metrics_url", fmt.Sprintf("http://localhost:%d%s", cfg.Metrics.Port, cfg.Metrics.Path),
	)

	<-ctx.Done()
	logger.Info("shutting down...")

	// Progress summary on the way out.
	summary := tracker.Summarize()
	logger.Info("backfill summary",
		"symbols", summary.TotalSymbols,
		"completed", summary.CompletedSymbols,
		"failed", summary.FailedSymbols,
	)
	return nil
}

// buildHistorical picks the adapter by URL scheme: sim:// serves
// seeded synthetic bars, anything else goes through the generic REST
// scaffold.
func buildHistorical(pc config.ProviderConfig, clients *httpreg.Registry) provider.Historical {
	if strings.HasPrefix(pc.URL, "sim://") || pc.URL == "" {
		return sim.NewHistorical(pc.ID, pc.Priority, seedFor(pc.ID), 0)
	}
	return restbars.New(restbars.Config{
		ID:          pc.ID,
		DisplayName: pc.DisplayName,
		Priority:    pc.Priority,
		BaseURL:     pc.URL,
		APIKey:      pc.APIKey,
		HTTPProfile: pc.HTTPClient,
		RateLimit: provider.RateLimit{
			MaxRequests: pc.MaxRequests,
			Window:      pc.Window,
			MinDelay:    pc.MinDelay,
		},
	}, clients)
}

// buildStreaming picks the adapter by URL scheme: ws:// and wss:// go
// through the shared streaming core, sim:// serves a synthetic feed.
// The returned helper is non-nil when the provider emits reconnect gap
// events.
func buildStreaming(
	pc config.ProviderConfig,
	idx int,
	rc config.ReconnectConfig,
	pub *pubsub.Publisher,
	logger *slog.Logger,
) (provider.Streaming, *reconnect.Helper, bool) {
	switch {
	case strings.HasPrefix(pc.URL, "ws://"), strings.HasPrefix(pc.URL, "wss://"):
		adapter := wsfeed.New(wsfeed.Config{
			ID:          pc.ID,
			DisplayName: pc.DisplayName,
			Priority:    pc.Priority,
			URL:         pc.URL,
			APIKey:      pc.APIKey,
			RateLimit: provider.RateLimit{
				MaxRequests: pc.MaxRequests,
				Window:      pc.Window,
				MinDelay:    pc.MinDelay,
			},
		}, logger)
		core := stream.NewCore(adapter, pub, stream.CoreConfig{
			IDOffset: (idx + 1) * 10000,
			Reconnect: reconnect.Config{
				MaxAttempts: rc.MaxAttempts,
				BaseDelay:   rc.BaseDelay,
				MaxDelay:    rc.MaxDelay,
			},
		}, logger)
		return core, core.ReconnectEvents(), true
	case strings.HasPrefix(pc.URL, "sim://"), pc.URL == "":
		return sim.NewStreaming(pc.ID, pc.Priority, seedFor(pc.ID), 0, pub, logger), nil, true
	}
	return nil, nil, false
}

func seedFor(id string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(id); i++ {
		h ^= uint64(id[i])
		h *= 1099511628211
	}
	return h
}

func buildScheduler(cfg *config.Config, logger *slog.Logger) (*schedule.Scheduler, error) {
	loc := time.UTC
	if cfg.Scheduler.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Scheduler.Timezone)
		if err != nil {
			return nil, fmt.Errorf("scheduler timezone: %w", err)
		}
	}

	s := schedule.New(schedule.NewEquityCalendar(loc), logger)
	for _, w := range cfg.Scheduler.MaintenanceWindows {
		ops := make([]schedule.OpType, len(w.AllowedOps))
		for i, op := range w.AllowedOps {
			ops[i] = schedule.OpType(op)
		}
		s.AddMaintenanceWindow(schedule.MaintenanceWindow{
			Name:       w.Name,
			Start:      w.Start,
			End:        w.End,
			AllowedOps: ops,
		})
	}
	return s, nil
}

// pumpToColumnar moves events from the fan-out queue into the sink.
func pumpToColumnar(ctx context.Context, sub *pubsub.Subscriber, columnar *sink.ColumnarSink) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for {
				evt, ok := sub.TryReceive()
				if !ok {
					return
				}
				columnar.Append(evt)
			}
		case <-ticker.C:
			for {
				evt, ok := sub.TryReceive()
				if !ok {
					break
				}
				columnar.Append(evt)
			}
		}
	}
}

// sampleMetrics mirrors component counters into Prometheus every 15s.
// Counters only ever move forward, so deltas since the last sample are
// added rather than the absolutes.
func sampleMetrics(
	ctx context.Context,
	reg *metrics.Registry,
	taps []*pubsub.Subscriber,
	limiter *ratelimit.Tracker,
	providerIDs []string,
	planner *backfill.Planner,
) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	var lastFilled, lastFailed int64
	lastDropped := make(map[string]int64, len(taps))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deepest := 0
			for _, sub := range taps {
				stats := sub.Stats()
				if stats.Count > deepest {
					deepest = stats.Count
				}
				if d := stats.TotalDropped - lastDropped[sub.Name()]; d > 0 {
					reg.EventsDropped.WithLabelValues(sub.Name()).Add(float64(d))
					lastDropped[sub.Name()] = stats.TotalDropped
				}
			}
			reg.QueueDepth.Set(float64(deepest))

			for _, id := range providerIDs {
				reg.RateLimitUtilization.WithLabelValues(id).Set(limiter.UsageRatio(id))
			}

			bf := planner.Stats()
			if d := bf.GapsFilled - lastFilled; d > 0 {
				reg.BackfillGapsFilled.Add(float64(d))
				lastFilled = bf.GapsFilled
			}
			if d := bf.Failures - lastFailed; d > 0 {
				reg.BackfillFailures.Add(float64(d))
				lastFailed = bf.Failures
			}
		}
	}
}

// integrityLoop asks the scheduler each hour whether an integrity
// flush may run, deferring while the market is in session.
func integrityLoop(ctx context.Context, s *schedule.Scheduler, columnar *sink.ColumnarSink, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			decision := s.Evaluate(schedule.Request{
				Op:      schedule.OpIntegrityCheck,
				Profile: schedule.ProfileCPUIO,
			})
			if !decision.Allowed {
				logger.Info("integrity flush deferred",
					"reason", decision.Reason,
					"retry_in", decision.SuggestedDelay,
				)
				continue
			}
			if err := columnar.Flush(); err != nil {
				logger.Warn("integrity flush failed", "error", err)
			}
		}
	}
}
