// Package event defines the normalized MarketEvent model shared by every
// provider adapter, the publisher, and the storage sinks.
//
// A MarketEvent is a tagged variant: Type selects which payload field is
// populated. Events are immutable once published; sequence numbers are
// monotonically non-decreasing per (source, symbol) stream except across a
// reconnect, which is flagged by a ConnectionStatus event.
package event
