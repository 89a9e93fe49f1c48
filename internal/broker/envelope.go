package broker

import (
	"time"

	"github.com/mdflow/mdflow/internal/event"
)

// envelope is the JSON wire shape for republished events. Only the
// payload matching the event type is present.
type envelope struct {
	Timestamp     time.Time `json:"ts"`
	Symbol        string    `json:"symbol"`
	Type          string    `json:"type"`
	Sequence      int64     `json:"sequence"`
	Source        string    `json:"source"`
	SchemaVersion int       `json:"schema_version"`

	Trade      *tradeWire      `json:"trade,omitempty"`
	Quote      *quoteWire      `json:"quote,omitempty"`
	Depth      *depthWire      `json:"depth,omitempty"`
	Bar        *barWire        `json:"bar,omitempty"`
	OrderFlow  *orderFlowWire  `json:"order_flow,omitempty"`
	Integrity  *integrityWire  `json:"integrity,omitempty"`
	Heartbeat  *heartbeatWire  `json:"heartbeat,omitempty"`
	ConnStatus *connStatusWire `json:"connection_status,omitempty"`
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

type barWire struct {
	Date     time.Time `json:"date"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	AdjClose float64   `json:"adj_close"`
	Volume   int64     `json:"volume"`
	Adjusted bool      `json:"adjusted"`
}

type orderFlowWire struct {
	BuyVolume  float64 `json:"buy_volume"`
	SellVolume float64 `json:"sell_volume"`
	Imbalance  float64 `json:"imbalance"`
}

type integrityWire struct {
	Kind    string `json:"kind"`
	Detail  string `json:"detail,omitempty"`
	GapFrom int64  `json:"gap_from,omitempty"`
	GapTo   int64  `json:"gap_to,omitempty"`
	Count   int64  `json:"count,omitempty"`
}

type heartbeatWire struct {
	IntervalMs int64 `json:"interval_ms"`
}

type connStatusWire struct {
	Status         string    `json:"status"`
	DisconnectedAt time.Time `json:"disconnected_at,omitzero"`
	ReconnectedAt  time.Time `json:"reconnected_at,omitzero"`
	AttemptsUsed   int       `json:"attempts_used"`
	SequenceReset  bool      `json:"sequence_reset"`
}

func toEnvelope(evt event.MarketEvent) envelope {
	env := envelope{
		Timestamp:     evt.Timestamp,
		Symbol:        evt.Symbol,
		Type:          string(evt.Type),
		Sequence:      evt.Sequence,
		Source:        evt.Source,
		SchemaVersion: evt.SchemaVersion,
	}

	switch {
	case evt.Trade != nil:
		env.Trade = &tradeWire{
			Price: evt.Trade.Price,
			Size:  evt.Trade.Size,
			Side:  string(evt.Trade.Side),
			Venue: evt.Trade.Venue,
			ID:    evt.Trade.ID,
		}
	case evt.Quote != nil:
		env.Quote = &quoteWire{
			BidPrice: evt.Quote.BidPrice,
			BidSize:  evt.Quote.BidSize,
			AskPrice: evt.Quote.AskPrice,
			AskSize:  evt.Quote.AskSize,
			Venue:    evt.Quote.Venue,
		}
	case evt.Depth != nil:
		env.Depth = &depthWire{
			Bids: toLevels(evt.Depth.Bids),
			Asks: toLevels(evt.Depth.Asks),
		}
	case evt.Bar != nil:
		env.Bar = &barWire{
			Date:     evt.Bar.Date,
			Open:     evt.Bar.Open,
			High:     evt.Bar.High,
			Low:      evt.Bar.Low,
			Close:    evt.Bar.Close,
			AdjClose: evt.Bar.AdjClose,
			Volume:   evt.Bar.Volume,
			Adjusted: evt.Bar.Adjusted,
		}
	case evt.OrderFlow != nil:
		env.OrderFlow = &orderFlowWire{
			BuyVolume:  evt.OrderFlow.BuyVolume,
			SellVolume: evt.OrderFlow.SellVolume,
			Imbalance:  evt.OrderFlow.Imbalance,
		}
	case evt.Integrity != nil:
		env.Integrity = &integrityWire{
			Kind:    evt.Integrity.Kind,
			Detail:  evt.Integrity.Detail,
			GapFrom: evt.Integrity.GapFrom,
			GapTo:   evt.Integrity.GapTo,
			Count:   evt.Integrity.Count,
		}
	case evt.Heartbeat != nil:
		env.Heartbeat = &heartbeatWire{IntervalMs: evt.Heartbeat.IntervalMs}
	case evt.ConnStatus != nil:
		env.ConnStatus = &connStatusWire{
			Status:         evt.ConnStatus.Status,
			DisconnectedAt: evt.ConnStatus.DisconnectedAt,
			ReconnectedAt:  evt.ConnStatus.ReconnectedAt,
			AttemptsUsed:   evt.ConnStatus.AttemptsUsed,
			SequenceReset:  evt.ConnStatus.SequenceReset,
		}
	}

	return env
}

func toLevels(levels []event.PriceLevel) []levelWire {
	out := make([]levelWire, len(levels))
	for i, lv := range levels {
		out[i] = levelWire{Price: lv.Price, Size: lv.Size}
	}
	return out
}
