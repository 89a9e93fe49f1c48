package sink

import (
	"encoding/json"

	"github.com/mdflow/mdflow/internal/event"
)

// Row schemas, one per event type, with a fixed column order. Each
// partition holds exactly one type so a file always carries one schema.

type tradeRow struct {
	Timestamp int64   `parquet:"timestamp"`
	Symbol    string  `parquet:"symbol,dict"`
	Price     float64 `parquet:"price"`
	Size      float64 `parquet:"size"`
	Side      string  `parquet:"side,dict"`
	Sequence  int64   `parquet:"sequence"`
	Venue     string  `parquet:"venue,dict"`
	Source    string  `parquet:"source,dict"`
}

func toTradeRow(e event.MarketEvent) tradeRow {
	return tradeRow{
		Timestamp: e.Timestamp.UnixNano(),
		Symbol:    e.Symbol,
		Price:     e.Trade.Price,
		Size:      e.Trade.Size,
		Side:      string(e.Trade.Side),
		Sequence:  e.Sequence,
		Venue:     e.Trade.Venue,
		Source:    e.Source,
	}
}

type quoteRow struct {
	Timestamp int64   `parquet:"timestamp"`
	Symbol    string  `parquet:"symbol,dict"`
	BidPrice  float64 `parquet:"bid_price"`
	BidSize   float64 `parquet:"bid_size"`
	AskPrice  float64 `parquet:"ask_price"`
	AskSize   float64 `parquet:"ask_size"`
	Sequence  int64   `parquet:"sequence"`
	Venue     string  `parquet:"venue,dict"`
	Source    string  `parquet:"source,dict"`
}

func toQuoteRow(e event.MarketEvent) quoteRow {
	return quoteRow{
		Timestamp: e.Timestamp.UnixNano(),
		Symbol:    e.Symbol,
		BidPrice:  e.Quote.BidPrice,
		BidSize:   e.Quote.BidSize,
		AskPrice:  e.Quote.AskPrice,
		AskSize:   e.Quote.AskSize,
		Sequence:  e.Sequence,
		Venue:     e.Quote.Venue,
		Source:    e.Source,
	}
}

// depthRow stores book sides as JSON; depth snapshots are ragged and
// columnar nesting buys nothing at our depth levels.
type depthRow struct {
	Timestamp int64  `parquet:"timestamp"`
	Symbol    string `parquet:"symbol,dict"`
	Bids      string `parquet:"bids,json"`
	Asks      string `parquet:"asks,json"`
	Sequence  int64  `parquet:"sequence"`
	Source    string `parquet:"source,dict"`
}

func toDepthRow(e event.MarketEvent) depthRow {
	bids, _ := json.Marshal(e.Depth.Bids)
	asks, _ := json.Marshal(e.Depth.Asks)
	return depthRow{
		Timestamp: e.Timestamp.UnixNano(),
		Symbol:    e.Symbol,
		Bids:      string(bids),
		Asks:      string(asks),
		Sequence:  e.Sequence,
		Source:    e.Source,
	}
}

type barRow struct {
	Timestamp int64   `parquet:"timestamp"`
	Symbol    string  `parquet:"symbol,dict"`
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	AdjClose  float64 `parquet:"adj_close"`
	Volume    int64   `parquet:"volume"`
	Adjusted  bool    `parquet:"adjusted"`
	Source    string  `parquet:"source,dict"`
}

func toBarRow(e event.MarketEvent) barRow {
	return barRow{
		Timestamp: e.Timestamp.UnixNano(),
		Symbol:    e.Symbol,
		Open:      e.Bar.Open,
		High:      e.Bar.High,
		Low:       e.Bar.Low,
		Close:     e.Bar.Close,
		AdjClose:  e.Bar.AdjClose,
		Volume:    e.Bar.Volume,
		Adjusted:  e.Bar.Adjusted,
		Source:    e.Source,
	}
}

// genericRow carries the remaining event types with a JSON payload.
type genericRow struct {
	Timestamp int64  `parquet:"timestamp"`
	Symbol    string `parquet:"symbol,dict"`
	Type      string `parquet:"type,dict"`
	Payload   string `parquet:"payload,json"`
	Sequence  int64  `parquet:"sequence"`
	Source    string `parquet:"source,dict"`
}

func toGenericRow(e event.MarketEvent) genericRow {
	var payload any
	switch e.Type {
	case event.TypeOrderFlow:
		payload = e.OrderFlow
	case event.TypeIntegrity:
		payload = e.Integrity
	case event.TypeHeartbeat:
		payload = e.Heartbeat
	case event.TypeConnectionStatus:
		payload = e.ConnStatus
	}
	data, _ := json.Marshal(payload)
	return genericRow{
		Timestamp: e.Timestamp.UnixNano(),
		Symbol:    e.Symbol,
		Type:      string(e.Type),
		Payload:   string(data),
		Sequence:  e.Sequence,
		Source:    e.Source,
	}
}
