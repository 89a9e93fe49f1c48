// Package wsfeed adapts a WebSocket JSON feed to the streaming core.
// The protocol is the normalized one: an optional auth action after
// dial, subscribe/unsubscribe actions carrying (kind, symbol, depth)
// channels, and one JSON object per pushed event.
package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mdflow/mdflow/internal/event"
	"github.com/mdflow/mdflow/internal/provider"
	"github.com/mdflow/mdflow/internal/stream"
	"github.com/mdflow/mdflow/internal/subscription"
)

// Config configures a feed adapter.
type Config struct {
	ID          string
	DisplayName string
	Priority    int
	URL         string // ws:// or wss://
	APIKey      string // Empty skips the auth exchange
	RateLimit   provider.RateLimit
	PingTimeout time.Duration
}

// Adapter implements stream.Adapter over a WebSocket transport.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
}

// New builds an adapter for the feed at cfg.URL.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		logger: logger.With("component", "wsfeed", "provider", cfg.ID),
	}
}

func (a *Adapter) Descriptor() provider.Descriptor {
	return provider.Descriptor{
		ID:          a.cfg.ID,
		DisplayName: a.cfg.DisplayName,
		Priority:    a.cfg.Priority,
		RateLimit:   a.cfg.RateLimit,
		Capabilities: provider.Capabilities{
			Trades: true,
			Quotes: true,
			Depth:  true,
		},
	}
}

// Dial opens the WebSocket transport.
func (a *Adapter) Dial(ctx context.Context) (stream.Conn, error) {
	conn := stream.NewConn(stream.ConnConfig{
		URL:         a.cfg.URL,
		PingTimeout: a.cfg.PingTimeout,
	}, a.logger)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// Authenticate sends the auth action when an API key is configured. A
// bad key surfaces as a server-side close on the transport, not as a
// synchronous response.
func (a *Adapter) Authenticate(ctx context.Context, conn stream.Conn) error {
	if a.cfg.APIKey == "" {
		return nil
	}
	data, err := json.Marshal(action{Action: "auth", Key: a.cfg.APIKey})
	if err != nil {
		return err
	}
	if err := conn.Send(data); err != nil {
		return fmt.Errorf("%w: %v", provider.ErrUnauthorized, err)
	}
	return nil
}

func (a *Adapter) EncodeSubscribe(entries []subscription.Entry) ([]byte, error) {
	return json.Marshal(action{Action: "subscribe", Channels: toChannels(entries)})
}

func (a *Adapter) EncodeUnsubscribe(entries []subscription.Entry) ([]byte, error) {
	return json.Marshal(action{Action: "unsubscribe", Channels: toChannels(entries)})
}

// Decode maps one feed message to at most one event. Acks and unknown
// message types decode to nothing.
func (a *Adapter) Decode(msg stream.Message) ([]event.MarketEvent, error) {
	var fm feedMessage
	if err := json.Unmarshal(msg.Data, &fm); err != nil {
		return nil, fmt.Errorf("decode feed message: %w", err)
	}

	evt := event.MarketEvent{
		Timestamp:     fm.Timestamp,
		Symbol:        event.NormalizeSymbol(fm.Symbol),
		Type:          event.Type(fm.Type),
		Sequence:      fm.Sequence,
		Source:        a.cfg.ID,
		SchemaVersion: event.SchemaVersion,
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = msg.ReceivedAt
	}

	switch fm.Type {
	case string(event.TypeTrade):
		if fm.Trade == nil {
			return nil, fmt.Errorf("trade message without trade payload")
		}
		evt.Trade = &event.Trade{
			Price: fm.Trade.Price,
			Size:  fm.Trade.Size,
			Side:  event.Side(fm.Trade.Side),
			Venue: fm.Trade.Venue,
			ID:    fm.Trade.ID,
		}
	case string(event.TypeBboQuote):
		if fm.Quote == nil {
			return nil, fmt.Errorf("quote message without quote payload")
		}
		evt.Quote = &event.BboQuote{
			BidPrice: fm.Quote.BidPrice,
			BidSize:  fm.Quote.BidSize,
			AskPrice: fm.Quote.AskPrice,
			AskSize:  fm.Quote.AskSize,
			Venue:    fm.Quote.Venue,
		}
	case string(event.TypeL2Snapshot):
		if fm.Depth == nil {
			return nil, fmt.Errorf("depth message without depth payload")
		}
		evt.Depth = &event.L2Snapshot{
			Bids: toLevels(fm.Depth.Bids),
			Asks: toLevels(fm.Depth.Asks),
		}
	case string(event.TypeHeartbeat):
		evt.Symbol = "*"
		evt.Heartbeat = &event.Heartbeat{}
		if fm.Heartbeat != nil {
			evt.Heartbeat.IntervalMs = fm.Heartbeat.IntervalMs
		}
	case "ack", "error":
		if fm.Type == "error" {
			a.logger.Warn("feed error message", "detail", string(msg.Data))
		}
		return nil, nil
	default:
		return nil, nil
	}

	return []event.MarketEvent{evt}, nil
}

// action is a client-to-server control message.
type action struct {
	Action   string    `json:"action"`
	Key      string    `json:"key,omitempty"`
	Channels []channel `json:"channels,omitempty"`
}

type channel struct {
	Kind   string `json:"kind"`
	Symbol string `json:"symbol"`
	Depth  int    `json:"depth,omitempty"`
}

// feedMessage is a server-to-client push.
type feedMessage struct {
	Type      string    `json:"type"`
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"ts"`
	Sequence  int64     `json:"sequence"`

	Trade     *tradeWire     `json:"trade,omitempty"`
	Quote     *quoteWire     `json:"quote,omitempty"`
	Depth     *depthWire     `json:"depth,omitempty"`
	Heartbeat *heartbeatWire `json:"heartbeat,omitempty"`
}

type tradeWire struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
	Side  string  `json:"side,omitempty"`
	Venue string  `json:"venue,omitempty"`
	ID    string  `json:"id,omitempty"`
}

type quoteWire struct {
	BidPrice float64 `json:"bid_price"`
	BidSize  float64 `json:"bid_size"`
	AskPrice float64 `json:"ask_price"`
	AskSize  float64 `json:"ask_size"`
	Venue    string  `json:"venue,omitempty"`
}

type levelWire struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

type depthWire struct {
	Bids []levelWire `json:"bids"`
	Asks []levelWire `json:"asks"`
}

type heartbeatWire struct {
	IntervalMs int64 `json:"interval_ms"`
}

func toChannels(entries []subscription.Entry) []channel {
	out := make([]channel, len(entries))
	for i, e := range entries {
		out[i] = channel{
			Kind:   string(e.Kind),
			Symbol: e.Symbol,
			Depth:  e.Config.Depth,
		}
	}
	return out
}

func toLevels(levels []levelWire) []event.PriceLevel {
	out := make([]event.PriceLevel, len(levels))
	for i, lv := range levels {
		out[i] = event.PriceLevel{Price: lv.Price, Size: lv.Size}
	}
	return out
}
