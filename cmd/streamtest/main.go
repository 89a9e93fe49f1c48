// streamtest connects the configured streaming providers through the
// failover router and prints normalized events to the console. Useful
// for eyeballing a feed before pointing ingestd at it.
//
// Usage: go run ./cmd/streamtest --config configs/ingestd.local.yaml --symbols AAPL,MSFT
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mdflow/mdflow/internal/config"
	"github.com/mdflow/mdflow/internal/event"
	"github.com/mdflow/mdflow/internal/failover"
	"github.com/mdflow/mdflow/internal/provider"
	"github.com/mdflow/mdflow/internal/provider/sim"
	"github.com/mdflow/mdflow/internal/provider/wsfeed"
	"github.com/mdflow/mdflow/internal/pubsub"
	"github.com/mdflow/mdflow/internal/reconnect"
	"github.com/mdflow/mdflow/internal/stream"
)

func main() {
	configPath := flag.String("config", "configs/ingestd.local.yaml", "path to config file")
	symbolsFlag := flag.String("symbols", "", "comma-separated symbols (default: config instance.symbols)")
	kinds := flag.String("kinds", "trades,quotes", "channels to subscribe: trades,quotes,depth")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	symbols := cfg.Instance.Symbols
	if *symbolsFlag != "" {
		symbols = strings.Split(*symbolsFlag, ",")
	}
	if len(symbols) == 0 {
		logger.Error("no symbols: pass -symbols or set instance.symbols")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	publisher := pubsub.NewPublisher(logger)
	defer publisher.Close()
	sub := publisher.Subscribe("console")

	var streams []provider.Streaming
	for i, pc := range cfg.Providers.Streaming {
		switch {
		case strings.HasPrefix(pc.URL, "ws://"), strings.HasPrefix(pc.URL, "wss://"):
			adapter := wsfeed.New(wsfeed.Config{
				ID:          pc.ID,
				DisplayName: pc.DisplayName,
				Priority:    pc.Priority,
				URL:         pc.URL,
				APIKey:      pc.APIKey,
			}, logger)
			streams = append(streams, stream.NewCore(adapter, publisher, stream.CoreConfig{
				IDOffset: (i + 1) * 10000,
				Reconnect: reconnect.Config{
					MaxAttempts: cfg.Reconnect.MaxAttempts,
					BaseDelay:   cfg.Reconnect.BaseDelay,
					MaxDelay:    cfg.Reconnect.MaxDelay,
				},
			}, logger))
		case strings.HasPrefix(pc.URL, "sim://"), pc.URL == "":
			streams = append(streams, sim.NewStreaming(pc.ID, pc.Priority, 1, 250*time.Millisecond, publisher, logger))
		default:
			logger.Warn("no adapter for streaming provider, skipped", "id", pc.ID, "url", pc.URL)
		}
	}
	if len(streams) == 0 {
		logger.Error("no usable streaming providers configured")
		os.Exit(1)
	}

	ordered := make([]string, len(streams))
	for i, s := range streams {
		ordered[i] = s.Descriptor().ID
	}
	svc := failover.NewService(logger)
	svc.AddRule(failover.Rule{
		ID:                  "streamtest",
		OrderedProviders:    ordered,
		ConsecutiveFailures: 5,
		RateLimitedFor:      10 * time.Second,
		RecoveryTimeout:     time.Minute,
	})

	router, err := failover.NewRouter(streams, svc, logger)
	if err != nil {
		logger.Error("failed to create router", "error", err)
		os.Exit(1)
	}
	if err := router.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		router.Disconnect(shutdownCtx)
	}()

	for _, symbol := range symbols {
		scfg := provider.SubConfig{Symbol: symbol}
		for _, kind := range strings.Split(*kinds, ",") {
			var err error
			switch strings.TrimSpace(kind) {
			case "trades":
				_, err = router.SubscribeTrades(ctx, scfg)
			case "quotes":
				_, err = router.SubscribeQuotes(ctx, scfg)
			case "depth":
				_, err = router.SubscribeDepth(ctx, scfg)
			default:
				logger.Warn("unknown channel kind", "kind", kind)
				continue
			}
			if err != nil {
				logger.Warn("subscribe failed", "symbol", symbol, "kind", kind, "error", err)
			}
		}
	}

	logger.Info("streaming", "provider", router.Active(), "symbols", len(symbols))

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	var count int64
	for {
		select {
		case <-ctx.Done():
			logger.Info("stopped", "events", count)
			return
		case <-ticker.C:
			for {
				evt, ok := sub.TryReceive()
				if !ok {
					break
				}
				count++
				printEvent(evt, *verbose)
			}
		}
	}
}

func printEvent(evt event.MarketEvent, verbose bool) {
	if verbose {
		data, _ := json.Marshal(evt)
		fmt.Println(string(data))
		return
	}

	ts := evt.Timestamp.Format("15:04:05.000")
	switch evt.Type {
	case event.TypeTrade:
		fmt.Printf("%s %-6s TRADE %9.2f x %-6.0f %s seq=%d [%s]\n",
			ts, evt.Symbol, evt.Trade.Price, evt.Trade.Size, evt.Trade.Side, evt.Sequence, evt.Source)
	case event.TypeBboQuote:
		fmt.Printf("%s %-6s QUOTE %9.2f / %-9.2f seq=%d [%s]\n",
			ts, evt.Symbol, evt.Quote.BidPrice, evt.Quote.AskPrice, evt.Sequence, evt.Source)
	case event.TypeL2Snapshot:
		fmt.Printf("%s %-6s DEPTH %d bids / %d asks seq=%d [%s]\n",
			ts, evt.Symbol, len(evt.Depth.Bids), len(evt.Depth.Asks), evt.Sequence, evt.Source)
	default:
		fmt.Printf("%s %-6s %s seq=%d [%s]\n", ts, evt.Symbol, evt.Type, evt.Sequence, evt.Source)
	}
}
