// Command backfill runs a one-shot historical backfill over the
// configured providers and prints per-symbol progress.
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
	"github.com/mdflow/mdflow/internal/composite"
	"github.com/mdflow/mdflow/internal/config"
	"github.com/mdflow/mdflow/internal/event"
	"github.com/mdflow/mdflow/internal/httpreg"
	"github.com/mdflow/mdflow/internal/progress"
	"github.com/mdflow/mdflow/internal/provider"
	"github.com/mdflow/mdflow/internal/provider/restbars"
	"github.com/mdflow/mdflow/internal/provider/sim"
	"github.com/mdflow/mdflow/internal/ratelimit"
	"github.com/mdflow/mdflow/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/ingestd.local.yaml", "path to config file")
	symbolsFlag := flag.String("symbols", "", "comma-separated symbols (default: config instance.symbols)")
	fromFlag := flag.String("from", "", "start date YYYY-MM-DD (required)")
	toFlag := flag.String("to", "", "end date YYYY-MM-DD (default: today)")
	concurrency := flag.Int("concurrency", 0, "parallel symbol fetches (default: config backfill.concurrency)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting backfill", "version", version.Version, "config", *configPath)

	if err := run(*configPath, *symbolsFlag, *fromFlag, *toFlag, *concurrency, logger); err != nil {
		logger.Error("backfill failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, symbolsFlag, fromFlag, toFlag string, concurrency int, logger *slog.Logger) error {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	symbols := cfg.Instance.Symbols
	if symbolsFlag != "" {
		symbols = strings.Split(symbolsFlag, ",")
	}
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols: pass -symbols or set instance.symbols")
	}
	for i, s := range symbols {
		symbols[i] = event.NormalizeSymbol(s)
	}

	if fromFlag == "" {
		return fmt.Errorf("-from is required")
	}
	from, err := time.Parse("2006-01-02", fromFlag)
	if err != nil {
		return fmt.Errorf("parse -from: %w", err)
	}
	to := time.Now().UTC().Truncate(24 * time.Hour)
	if toFlag != "" {
		if to, err = time.Parse("2006-01-02", toFlag); err != nil {
			return fmt.Errorf("parse -to: %w", err)
		}
	}
	if to.Before(from) {
		return fmt.Errorf("-to %s is before -from %s", to.Format("2006-01-02"), from.Format("2006-01-02"))
	}

	if concurrency == 0 {
		concurrency = cfg.Backfill.Concurrency
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clients := httpreg.NewRegistry()
	limiter := ratelimit.NewTracker(logger)
	registry := provider.NewRegistry()

	for _, pc := range cfg.Providers.Historical {
		limiter.RegisterProvider(pc.ID, pc.MaxRequests, pc.Window, pc.MinDelay)
		if err := registry.RegisterHistorical(buildHistorical(pc, clients)); err != nil {
			return fmt.Errorf("register historical %s: %w", pc.ID, err)
		}
	}
	if len(registry.HistoricalProviders()) == 0 {
		return fmt.Errorf("no historical providers configured")
	}

	comp := composite.New(composite.Options{
		FailureBackoff:        cfg.Composite.FailureBackoffDuration,
		EnableCrossValidation: cfg.Composite.EnableCrossValidation,
		EnableRotation:        cfg.Composite.EnableRateLimitRotation,
		RotationThreshold:     cfg.Composite.RateLimitRotationThreshold,
	}, registry, limiter, nil, logger)

	tracker := progress.NewTracker(logger)
	planner := backfill.New(backfill.Config{Concurrency: concurrency}, comp, tracker, nil, logger)

	logger.Info("backfilling",
		"symbols", len(symbols),
		"from", from.Format("2006-01-02"),
		"to", to.Format("2006-01-02"),
		"concurrency", concurrency,
	)

	runErr := planner.Run(ctx, symbols, from, to)
	comp.WaitValidation()

	for _, sp := range tracker.Snapshot() {
		status := "done"
		if sp.IsFailed {
			status = "failed: " + sp.Error
		}
		fmt.Printf("%-10s %6.1f%%  %d/%d days  %s\n",
			sp.Symbol, sp.Percent(), sp.CompletedDays, sp.TotalDays, status)
	}

	summary := tracker.Summarize()
	fmt.Printf("\n%d symbols, %d completed, %d failed, %.1f%% overall\n",
		summary.TotalSymbols, summary.CompletedSymbols, summary.FailedSymbols, summary.OverallPercent)

	if runErr != nil {
		return fmt.Errorf("backfill incomplete: %w", runErr)
	}
	return nil
}

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
		HTTPProfile: httpreg.ProfileBulk,
		RateLimit: provider.RateLimit{
			MaxRequests: pc.MaxRequests,
			Window:      pc.Window,
			MinDelay:    pc.MinDelay,
		},
	}, clients)
}

func seedFor(id string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(id); i++ {
		h ^= uint64(id[i])
		h *= 1099511628211
	}
	return h
}
