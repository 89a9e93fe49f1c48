package broker

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mdflow/mdflow/internal/event"
	"github.com/mdflow/mdflow/internal/pubsub"
)

type fakeConn struct {
	mu        sync.Mutex
	subjects  []string
	payloads  [][]byte
	failNext  bool
	connected bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errPublish
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeConn) IsConnected() bool { return f.connected }

func (f *fakeConn) published() ([]string, [][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subjects...), append([][]byte(nil), f.payloads...)
}

var errPublish = &publishError{}

type publishError struct{}

func (*publishError) Error() string { return "publish failed" }

func tradeEvent(symbol, source string, seq int64, price float64) event.MarketEvent {
	return event.MarketEvent{
		Timestamp:     time.Date(2024, 3, 6, 14, 30, 0, 0, time.UTC),
		Symbol:        symbol,
		Type:          event.TypeTrade,
		Sequence:      seq,
		Source:        source,
		SchemaVersion: event.SchemaVersion,
		Trade:         &event.Trade{Price: price, Size: 100, Side: event.SideBuy},
	}
}

func TestSubject(t *testing.T) {
	tap := newTap(&fakeConn{}, nil, "md", slog.Default())

	tests := []struct {
		name string
		evt  event.MarketEvent
		want string
	}{
		{
			name: "plain equity",
			evt:  tradeEvent("AAPL", "alpha-ws", 1, 190),
			want: "md.alpha-ws.trade.AAPL",
		},
		{
			name: "crypto pair with slash",
			evt:  tradeEvent("BTC/USD", "beta-ws", 1, 60000),
			want: "md.beta-ws.trade.BTC_USD",
		},
		{
			name: "share class with dot",
			evt:  tradeEvent("BRK.A", "alpha-ws", 1, 600000),
			want: "md.alpha-ws.trade.BRK_A",
		},
		{
			name: "status wildcard symbol",
			evt: event.MarketEvent{
				Symbol: "*", Type: event.TypeConnectionStatus, Source: "alpha-ws",
				ConnStatus: &event.ConnectionStatus{Status: event.ConnReconnected},
			},
			want: "md.alpha-ws.connection_status._",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tap.Subject(tt.evt); got != tt.want {
				t.Errorf("Subject() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTapRepublishes(t *testing.T) {
	pub := pubsub.NewPublisher(slog.Default())
	defer pub.Close()
	sub := pub.Subscribe("broker")

	conn := &fakeConn{connected: true}
	tap := newTap(conn, sub, "md", slog.Default())
	tap.Start(t.Context())

	pub.TryPublish(tradeEvent("AAPL", "alpha-ws", 7, 190.25))
	pub.TryPublish(tradeEvent("MSFT", "alpha-ws", 3, 410.10))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if published, _ := tap.Stats(); published == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for republish")
		}
		time.Sleep(5 * time.Millisecond)
	}
	tap.Stop()

	subjects, payloads := conn.published()
	if subjects[0] != "md.alpha-ws.trade.AAPL" {
		t.Errorf("subject[0] = %q", subjects[0])
	}

	var env envelope
	if err := json.Unmarshal(payloads[0], &env); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if env.Symbol != "AAPL" || env.Sequence != 7 || env.Type != "trade" {
		t.Errorf("envelope = %+v", env)
	}
	if env.Trade == nil || env.Trade.Price != 190.25 {
		t.Errorf("envelope trade = %+v", env.Trade)
	}
	if env.Quote != nil || env.Depth != nil {
		t.Error("unrelated payloads should be omitted")
	}
}

func TestTapStopDrainsQueue(t *testing.T) {
	pub := pubsub.NewPublisher(slog.Default())
	defer pub.Close()
	sub := pub.Subscribe("broker")

	conn := &fakeConn{connected: true}
	tap := newTap(conn, sub, "md", slog.Default())
	tap.Start(t.Context())

	// Publish then stop immediately. Stop's final drain must flush
	// whatever the poll loop had not picked up yet.
	for i := range 5 {
		pub.TryPublish(tradeEvent("AAPL", "alpha-ws", int64(i), 190))
	}
	tap.Stop()

	if published, _ := tap.Stats(); published != 5 {
		t.Errorf("published = %d, want 5", published)
	}
}

func TestTapCountsFailures(t *testing.T) {
	pub := pubsub.NewPublisher(slog.Default())
	defer pub.Close()
	sub := pub.Subscribe("broker")

	conn := &fakeConn{connected: true, failNext: true}
	tap := newTap(conn, sub, "md", slog.Default())

	pub.TryPublish(tradeEvent("AAPL", "alpha-ws", 1, 190))
	pub.TryPublish(tradeEvent("AAPL", "alpha-ws", 2, 191))

	// Drain synchronously via Stop without starting the loop.
	tap.cancel = func() {}
	tap.Stop()

	published, failed := tap.Stats()
	if published != 1 || failed != 1 {
		t.Errorf("published = %d, failed = %d, want 1 and 1", published, failed)
	}
}
