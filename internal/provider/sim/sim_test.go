package sim

import (
	"log/slog"
	"testing"
	"time"

	"github.com/mdflow/mdflow/internal/event"
	"github.com/mdflow/mdflow/internal/provider"
	"github.com/mdflow/mdflow/internal/pubsub"
)

func TestHistoricalDeterministic(t *testing.T) {
	a := NewHistorical("sim-a", 1, 42, 100)
	b := NewHistorical("sim-b", 2, 42, 100)

	from := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC) // Monday
	to := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)   // Friday

	barsA, err := a.GetDailyBars(t.Context(), "AAPL", from, to)
	if err != nil {
		t.Fatalf("GetDailyBars() error = %v", err)
	}
	barsB, err := b.GetDailyBars(t.Context(), "AAPL", from, to)
	if err != nil {
		t.Fatalf("GetDailyBars() error = %v", err)
	}

	if len(barsA) != 5 {
		t.Fatalf("len(bars) = %d, want 5 weekdays", len(barsA))
	}
	for i := range barsA {
		if barsA[i] != barsB[i] {
			t.Errorf("bar %d differs across same-seed providers: %+v vs %+v", i, barsA[i], barsB[i])
		}
	}
}

func TestHistoricalSkipsWeekends(t *testing.T) {
	h := NewHistorical("sim", 1, 1, 100)

	// Saturday through Sunday: no sessions.
	from := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	bars, err := h.GetDailyBars(t.Context(), "AAPL", from, to)
	if err != nil {
		t.Fatalf("GetDailyBars() error = %v", err)
	}
	if len(bars) != 0 {
		t.Errorf("len(bars) = %d, want 0 for a weekend range", len(bars))
	}
}

func TestHistoricalBarShape(t *testing.T) {
	h := NewHistorical("sim", 1, 7, 250)

	day := time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)
	bars, err := h.GetDailyBars(t.Context(), "MSFT", day, day)
	if err != nil {
		t.Fatalf("GetDailyBars() error = %v", err)
	}
	if len(bars) != 1 {
		t.Fatalf("len(bars) = %d, want 1", len(bars))
	}

	bar := bars[0]
	if bar.High < bar.Open || bar.High < bar.Close {
		t.Errorf("high %v below open %v or close %v", bar.High, bar.Open, bar.Close)
	}
	if bar.Low > bar.Open || bar.Low > bar.Close {
		t.Errorf("low %v above open %v or close %v", bar.Low, bar.Open, bar.Close)
	}
	if bar.Volume <= 0 {
		t.Errorf("volume = %d, want positive", bar.Volume)
	}
	if bar.AdjClose != bar.Close {
		t.Errorf("unadjusted AdjClose = %v, want %v", bar.AdjClose, bar.Close)
	}
}

func TestHistoricalAdjusted(t *testing.T) {
	h := NewHistorical("sim", 1, 7, 250)

	day := time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)
	bars, err := h.GetAdjustedDailyBars(t.Context(), "MSFT", day, day)
	if err != nil {
		t.Fatalf("GetAdjustedDailyBars() error = %v", err)
	}
	if !bars[0].Adjusted {
		t.Error("Adjusted = false")
	}
	if bars[0].AdjClose >= bars[0].Close {
		t.Errorf("AdjClose = %v not below Close = %v", bars[0].AdjClose, bars[0].Close)
	}
}

func TestStreamingEmitsSubscribedKinds(t *testing.T) {
	pub := pubsub.NewPublisher(slog.Default())
	defer pub.Close()
	sub := pub.Subscribe("test")

	s := NewStreaming("sim-ws", 1, 42, time.Millisecond, pub, slog.Default())
	if err := s.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer s.Disconnect(t.Context())

	if _, err := s.SubscribeTrades(t.Context(), provider.SubConfig{Symbol: "aapl"}); err != nil {
		t.Fatalf("SubscribeTrades() error = %v", err)
	}
	if _, err := s.SubscribeDepth(t.Context(), provider.SubConfig{Symbol: "MSFT", Depth: 3}); err != nil {
		t.Fatalf("SubscribeDepth() error = %v", err)
	}

	seen := map[event.Type]event.MarketEvent{}
	deadline := time.Now().Add(2 * time.Second)
	for len(seen) < 2 && time.Now().Before(deadline) {
		if evt, ok := sub.TryReceive(); ok {
			seen[evt.Type] = evt
		} else {
			time.Sleep(time.Millisecond)
		}
	}

	trade, ok := seen[event.TypeTrade]
	if !ok {
		t.Fatal("no trade event emitted")
	}
	if trade.Symbol != "AAPL" {
		t.Errorf("trade symbol = %q, want normalized AAPL", trade.Symbol)
	}
	if trade.Trade == nil || trade.Trade.Price <= 0 {
		t.Errorf("trade payload = %+v", trade.Trade)
	}
	if trade.Source != "sim-ws" {
		t.Errorf("trade source = %q", trade.Source)
	}

	depth, ok := seen[event.TypeL2Snapshot]
	if !ok {
		t.Fatal("no depth event emitted")
	}
	if len(depth.Depth.Bids) != 3 || len(depth.Depth.Asks) != 3 {
		t.Errorf("depth levels = %d/%d, want 3/3", len(depth.Depth.Bids), len(depth.Depth.Asks))
	}
}

func TestStreamingSequencesIncrease(t *testing.T) {
	pub := pubsub.NewPublisher(slog.Default())
	defer pub.Close()
	sub := pub.Subscribe("test")

	s := NewStreaming("sim-ws", 1, 42, time.Millisecond, pub, slog.Default())
	if err := s.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer s.Disconnect(t.Context())

	if _, err := s.SubscribeTrades(t.Context(), provider.SubConfig{Symbol: "AAPL"}); err != nil {
		t.Fatalf("SubscribeTrades() error = %v", err)
	}

	var seqs []int64
	deadline := time.Now().Add(2 * time.Second)
	for len(seqs) < 5 && time.Now().Before(deadline) {
		if evt, ok := sub.TryReceive(); ok && evt.Type == event.TypeTrade {
			seqs = append(seqs, evt.Sequence)
		} else {
			time.Sleep(time.Millisecond)
		}
	}

	if len(seqs) < 5 {
		t.Fatalf("only %d trades observed", len(seqs))
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Errorf("sequence not increasing: %v", seqs)
			break
		}
	}
}

func TestStreamingSubscribeRequiresConnection(t *testing.T) {
	s := NewStreaming("sim-ws", 1, 42, time.Millisecond, nil, slog.Default())
	if _, err := s.SubscribeTrades(t.Context(), provider.SubConfig{Symbol: "AAPL"}); err == nil {
		t.Error("SubscribeTrades() before Connect should fail")
	}
}

func TestStreamingUnsubscribe(t *testing.T) {
	s := NewStreaming("sim-ws", 1, 42, time.Hour, nil, slog.Default())
	if err := s.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer s.Disconnect(t.Context())

	id, err := s.SubscribeTrades(t.Context(), provider.SubConfig{Symbol: "AAPL"})
	if err != nil {
		t.Fatalf("SubscribeTrades() error = %v", err)
	}
	if err := s.Unsubscribe(t.Context(), id); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if err := s.Unsubscribe(t.Context(), id); err == nil {
		t.Error("second Unsubscribe should fail")
	}
}

func TestStreamingDisconnectIdempotent(t *testing.T) {
	s := NewStreaming("sim-ws", 1, 42, time.Hour, nil, slog.Default())
	if err := s.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.Disconnect(t.Context()); err != nil {
		t.Errorf("Disconnect() error = %v", err)
	}
	if err := s.Disconnect(t.Context()); err != nil {
		t.Errorf("second Disconnect() error = %v", err)
	}
	if s.IsConnected() {
		t.Error("IsConnected() = true after disconnect")
	}
}
