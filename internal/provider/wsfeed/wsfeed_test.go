package wsfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mdflow/mdflow/internal/backfill"
	"github.com/mdflow/mdflow/internal/event"
	"github.com/mdflow/mdflow/internal/progress"
	"github.com/mdflow/mdflow/internal/provider"
	"github.com/mdflow/mdflow/internal/pubsub"
	"github.com/mdflow/mdflow/internal/reconnect"
	"github.com/mdflow/mdflow/internal/stream"
	"github.com/mdflow/mdflow/internal/subscription"
)

func TestDescriptor(t *testing.T) {
	a := New(Config{ID: "feed-1", DisplayName: "Feed One", Priority: 2}, nil)

	desc := a.Descriptor()
	if desc.ID != "feed-1" || desc.Priority != 2 {
		t.Fatalf("descriptor = %+v", desc)
	}
	if !desc.Capabilities.Trades || !desc.Capabilities.Quotes || !desc.Capabilities.Depth {
		t.Fatalf("expected streaming capabilities, got %+v", desc.Capabilities)
	}
}

func TestEncodeSubscribe(t *testing.T) {
	a := New(Config{ID: "feed-1"}, nil)

	data, err := a.EncodeSubscribe([]subscription.Entry{
		{ID: 1000, Symbol: "AAPL", Kind: provider.KindTrades},
		{ID: 1001, Symbol: "MSFT", Kind: provider.KindDepth, Config: provider.SubConfig{Symbol: "MSFT", Depth: 10}},
	})
	if err != nil {
		t.Fatalf("EncodeSubscribe: %v", err)
	}

	var act action
	if err := json.Unmarshal(data, &act); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if act.Action != "subscribe" {
		t.Errorf("action = %q, want subscribe", act.Action)
	}
	if len(act.Channels) != 2 {
		t.Fatalf("channels = %d, want 2", len(act.Channels))
	}
	if act.Channels[0].Kind != "trades" || act.Channels[0].Symbol != "AAPL" {
		t.Errorf("channel 0 = %+v", act.Channels[0])
	}
	if act.Channels[1].Depth != 10 {
		t.Errorf("channel 1 depth = %d, want 10", act.Channels[1].Depth)
	}
}

func TestDecode(t *testing.T) {
	a := New(Config{ID: "feed-1"}, nil)
	now := time.Now().UTC()

	tests := []struct {
		name    string
		raw     string
		wantN   int
		wantErr bool
		check   func(t *testing.T, evt event.MarketEvent)
	}{
		{
			name:  "trade",
			raw:   `{"type":"trade","symbol":"aapl","sequence":7,"trade":{"price":182.5,"size":100,"side":"buy"}}`,
			wantN: 1,
			check: func(t *testing.T, evt event.MarketEvent) {
				if evt.Type != event.TypeTrade || evt.Symbol != "AAPL" || evt.Sequence != 7 {
					t.Errorf("event = %+v", evt)
				}
				if evt.Trade == nil || evt.Trade.Price != 182.5 || evt.Trade.Side != event.SideBuy {
					t.Errorf("trade = %+v", evt.Trade)
				}
				if evt.Source != "feed-1" {
					t.Errorf("source = %q", evt.Source)
				}
			},
		},
		{
			name:  "quote",
			raw:   `{"type":"bbo_quote","symbol":"MSFT","quote":{"bid_price":410.1,"bid_size":5,"ask_price":410.2,"ask_size":3}}`,
			wantN: 1,
			check: func(t *testing.T, evt event.MarketEvent) {
				if evt.Quote == nil || evt.Quote.BidPrice != 410.1 || evt.Quote.AskSize != 3 {
					t.Errorf("quote = %+v", evt.Quote)
				}
			},
		},
		{
			name:  "depth",
			raw:   `{"type":"l2_snapshot","symbol":"SPY","depth":{"bids":[{"price":500,"size":1}],"asks":[{"price":500.1,"size":2}]}}`,
			wantN: 1,
			check: func(t *testing.T, evt event.MarketEvent) {
				if evt.Depth == nil || len(evt.Depth.Bids) != 1 || len(evt.Depth.Asks) != 1 {
					t.Errorf("depth = %+v", evt.Depth)
				}
			},
		},
		{
			name:  "heartbeat",
			raw:   `{"type":"heartbeat","heartbeat":{"interval_ms":5000}}`,
			wantN: 1,
			check: func(t *testing.T, evt event.MarketEvent) {
				if evt.Symbol != "*" || evt.Heartbeat == nil || evt.Heartbeat.IntervalMs != 5000 {
					t.Errorf("heartbeat event = %+v", evt)
				}
			},
		},
		{name: "ack ignored", raw: `{"type":"ack"}`, wantN: 0},
		{name: "unknown ignored", raw: `{"type":"news"}`, wantN: 0},
		{name: "malformed", raw: `{"type":`, wantErr: true},
		{name: "trade without payload", raw: `{"type":"trade","symbol":"AAPL"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := a.Decode(stream.Message{Data: []byte(tt.raw), ReceivedAt: now})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected decode error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if len(events) != tt.wantN {
				t.Fatalf("decoded %d events, want %d", len(events), tt.wantN)
			}
			if tt.wantN == 1 {
				if events[0].Timestamp.IsZero() {
					t.Error("timestamp not defaulted to receive time")
				}
				tt.check(t, events[0])
			}
		})
	}
}

// feedServer is a scriptable WebSocket endpoint. perConn runs once per
// accepted connection with the 1-based connection number.
type feedServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	conns    atomic.Int32
	perConn  func(n int32, conn *websocket.Conn)
}

func newFeedServer(t *testing.T, perConn func(n int32, conn *websocket.Conn)) *feedServer {
	t.Helper()
	fs := &feedServer{perConn: perConn}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := fs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.perConn(fs.conns.Add(1), conn)
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *feedServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func readAction(conn *websocket.Conn) (action, error) {
	var act action
	_, data, err := conn.ReadMessage()
	if err != nil {
		return act, err
	}
	return act, json.Unmarshal(data, &act)
}

func newCore(t *testing.T, url string, pub *pubsub.Publisher) *stream.Core {
	t.Helper()
	adapter := New(Config{ID: "feed-1", URL: url}, nil)
	return stream.NewCore(adapter, pub, stream.CoreConfig{
		IDOffset: 1000,
		Reconnect: reconnect.Config{
			MaxAttempts: 20,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
	}, nil)
}

func TestCoreOverFeed(t *testing.T) {
	fs := newFeedServer(t, func(n int32, conn *websocket.Conn) {
		defer conn.Close()
		act, err := readAction(conn)
		if err != nil || act.Action != "subscribe" {
			return
		}
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"trade","symbol":"AAPL","sequence":1,"trade":{"price":182.5,"size":100}}`))
		conn.ReadMessage() // Hold open until the client closes.
	})

	pub := pubsub.NewPublisher(nil)
	defer pub.Close()
	sub := pub.Subscribe("test")

	core := newCore(t, fs.url(), pub)
	if err := core.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		core.Disconnect(ctx)
	}()

	if _, err := core.SubscribeTrades(t.Context(), provider.SubConfig{Symbol: "AAPL"}); err != nil {
		t.Fatalf("SubscribeTrades: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		if evt, ok := sub.TryReceive(); ok && evt.Type == event.TypeTrade {
			if evt.Symbol != "AAPL" || evt.Source != "feed-1" || evt.Trade.Price != 182.5 {
				t.Fatalf("event = %+v", evt)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("no trade received")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestReconnectGapReachesPlanner(t *testing.T) {
	fs := newFeedServer(t, func(n int32, conn *websocket.Conn) {
		defer conn.Close()
		if _, err := readAction(conn); err != nil {
			return
		}
		if n == 1 {
			return // Drop the first connection after the subscribe.
		}
		conn.ReadMessage()
	})

	pub := pubsub.NewPublisher(nil)
	defer pub.Close()

	tracker := progress.NewTracker(nil)
	planner := backfill.New(backfill.Config{Concurrency: 1}, &gapHistorical{}, tracker, pub, nil)
	planner.SetSymbols([]string{"AAPL"})
	planner.Start(t.Context())
	defer planner.Stop()

	core := newCore(t, fs.url(), pub)
	core.ReconnectEvents().OnReconnected("backfill", planner.HandleReconnect)

	if err := core.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		core.Disconnect(ctx)
	}()

	if _, err := core.SubscribeTrades(t.Context(), provider.SubConfig{Symbol: "AAPL"}); err != nil {
		t.Fatalf("SubscribeTrades: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for planner.Stats().GapsFilled == 0 {
		select {
		case <-deadline:
			t.Fatalf("gap never repaired: stats %+v", planner.Stats())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// gapHistorical returns one bar for any request.
type gapHistorical struct{}

func (g *gapHistorical) GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]event.Bar, error) {
	return []event.Bar{{
		Date:     from.Truncate(24 * time.Hour),
		Open:     100,
		High:     101,
		Low:      99,
		Close:    100.5,
		AdjClose: 100.5,
		Volume:   1000,
	}}, nil
}
