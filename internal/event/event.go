package event

import (
	"strings"
	"time"
)

// SchemaVersion is the current MarketEvent schema version. Bump when a
// payload shape changes in a way downstream consumers must detect.
const SchemaVersion = 2

// Type identifies which payload a MarketEvent carries.
type Type string

const (
	TypeTrade            Type = "trade"
	TypeBboQuote         Type = "bbo_quote"
	TypeL2Snapshot       Type = "l2_snapshot"
	TypeHistoricalBar    Type = "historical_bar"
	TypeOrderFlow        Type = "order_flow"
	TypeIntegrity        Type = "integrity"
	TypeHeartbeat        Type = "heartbeat"
	TypeConnectionStatus Type = "connection_status"
)

// MarketEvent is the uniform event all providers normalize into.
// Exactly one payload pointer is non-nil, selected by Type.
type MarketEvent struct {
	Timestamp     time.Time // Absolute UTC
	Symbol        string    // Uppercase ticker
	Type          Type
	Sequence      int64  // Monotonic non-decreasing per (Source, Symbol)
	Source        string // Provider ID
	SchemaVersion int

	Trade      *Trade
	Quote      *BboQuote
	Depth      *L2Snapshot
	Bar        *Bar
	OrderFlow  *OrderFlow
	Integrity  *Integrity
	Heartbeat  *Heartbeat
	ConnStatus *ConnectionStatus
}

// Side of an execution or order.
type Side string

const (
	SideBuy     Side = "buy"
	SideSell    Side = "sell"
	SideUnknown Side = ""
)

// Trade is a single execution.
type Trade struct {
	Price float64
	Size  float64
	Side  Side
	Venue string
	ID    string // Provider-assigned trade ID, empty if not supplied
}

// BboQuote is a top-of-book quote.
type BboQuote struct {
	BidPrice float64
	BidSize  float64
	AskPrice float64
	AskSize  float64
	Venue    string
}

// PriceLevel is one level of depth.
type PriceLevel struct {
	Price float64
	Size  float64
}

// L2Snapshot is a full order-book depth snapshot.
type L2Snapshot struct {
	Bids []PriceLevel // Best first
	Asks []PriceLevel // Best first
}

// Bar is a historical OHLCV bar for one day (or one intraday interval).
type Bar struct {
	Date     time.Time // Session date, UTC midnight for daily bars
	Open     float64
	High     float64
	Low      float64
	Close    float64
	AdjClose float64 // Equal to Close when the bar is unadjusted
	Volume   int64
	Adjusted bool
}

// OrderFlow is aggregate order-flow data (imbalance, aggressor volume).
type OrderFlow struct {
	BuyVolume  float64
	SellVolume float64
	Imbalance  float64
}

// Integrity reports a data-quality observation: a sequence gap, dropped
// events, or a failed flush. Consumers use it to trigger targeted backfill.
type Integrity struct {
	Kind    string // "sequence_gap", "events_dropped", "flush_failed"
	Detail  string
	GapFrom int64 // First missing sequence (sequence_gap only)
	GapTo   int64 // Last missing sequence (sequence_gap only)
	Count   int64 // Dropped/missing event count
}

// Heartbeat is a provider liveness signal.
type Heartbeat struct {
	IntervalMs int64
}

// ConnStatus values.
const (
	ConnConnected    = "connected"
	ConnDisconnected = "disconnected"
	ConnReconnected  = "reconnected"
)

// ConnectionStatus flags a stream state change. A "reconnected" status also
// means sequence numbers for the (Source, Symbol) stream may have reset.
type ConnectionStatus struct {
	Status         string
	DisconnectedAt time.Time
	ReconnectedAt  time.Time
	AttemptsUsed   int
	SequenceReset  bool
}

// NormalizeSymbol uppercases and trims a ticker.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Validate reports whether the event passes schema and sanity checks.
// Events failing validation are dropped by the pipeline with a counter bump,
// never propagated to callers.
func (e *MarketEvent) Validate() error {
	if e.Symbol == "" {
		return ErrNoSymbol
	}
	if e.Timestamp.IsZero() {
		return ErrNoTimestamp
	}
	switch e.Type {
	case TypeTrade:
		if e.Trade == nil {
			return ErrPayloadMismatch
		}
		if e.Trade.Price <= 0 {
			return ErrBadPrice
		}
	case TypeBboQuote:
		if e.Quote == nil {
			return ErrPayloadMismatch
		}
		if e.Quote.BidPrice < 0 || e.Quote.AskPrice < 0 {
			return ErrBadPrice
		}
	case TypeL2Snapshot:
		if e.Depth == nil {
			return ErrPayloadMismatch
		}
	case TypeHistoricalBar:
		if e.Bar == nil {
			return ErrPayloadMismatch
		}
		return e.Bar.Validate()
	case TypeOrderFlow:
		if e.OrderFlow == nil {
			return ErrPayloadMismatch
		}
	case TypeIntegrity:
		if e.Integrity == nil {
			return ErrPayloadMismatch
		}
	case TypeHeartbeat:
		if e.Heartbeat == nil {
			return ErrPayloadMismatch
		}
	case TypeConnectionStatus:
		if e.ConnStatus == nil {
			return ErrPayloadMismatch
		}
	default:
		return ErrUnknownType
	}
	return nil
}

// Validate checks OHLC sanity: positive prices, High >= Low, and High/Low
// bracketing Open and Close.
func (b *Bar) Validate() error {
	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
		return ErrBadPrice
	}
	if b.High < b.Low {
		return ErrInvertedRange
	}
	if b.Open > b.High || b.Open < b.Low || b.Close > b.High || b.Close < b.Low {
		return ErrInvertedRange
	}
	return nil
}
