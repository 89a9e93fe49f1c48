package provider

import (
	"context"
	"time"

	"github.com/mdflow/mdflow/internal/event"
)

// SubscriptionKind selects a streaming data channel.
type SubscriptionKind string

const (
	KindTrades SubscriptionKind = "trades"
	KindQuotes SubscriptionKind = "quotes"
	KindDepth  SubscriptionKind = "depth"
)

// SubConfig configures a streaming subscription.
type SubConfig struct {
	Symbol string
	Depth  int // Requested book depth, 0 = provider default (depth subscriptions only)
}

// Historical serves pull-style bar/dividend/split data. GetDailyBars returns
// a finite, date-ordered sequence over the closed, inclusive [from, to]
// range. An empty slice with a nil error means the provider has no data for
// the range; that is not a failure.
type Historical interface {
	Descriptor() Descriptor
	IsAvailable(ctx context.Context) bool
	GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]event.Bar, error)
	GetAdjustedDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]event.Bar, error)
}

// IntradayProvider is implemented by historical providers whose capability
// set includes intraday bars.
type IntradayProvider interface {
	GetIntradayBars(ctx context.Context, symbol string, interval time.Duration, from, to time.Time) ([]event.Bar, error)
}

// DividendProvider serves dividend records.
type DividendProvider interface {
	GetDividends(ctx context.Context, symbol string, from, to time.Time) ([]Dividend, error)
}

// SplitProvider serves split records.
type SplitProvider interface {
	GetSplits(ctx context.Context, symbol string, from, to time.Time) ([]Split, error)
}

// Dividend is a cash dividend record.
type Dividend struct {
	ExDate   time.Time
	PayDate  time.Time
	Amount   float64
	Currency string
}

// Split is a stock split record.
type Split struct {
	Date        time.Time
	Numerator   int
	Denominator int
}

// Streaming serves push-style data. Implementations emit normalized
// MarketEvents to their configured publisher; subscription IDs are
// provider-scoped positive integers.
type Streaming interface {
	Descriptor() Descriptor
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	SubscribeTrades(ctx context.Context, cfg SubConfig) (int, error)
	SubscribeQuotes(ctx context.Context, cfg SubConfig) (int, error)
	SubscribeDepth(ctx context.Context, cfg SubConfig) (int, error)
	Unsubscribe(ctx context.Context, id int) error
}

// SymbolResolver maps a caller symbol to a provider-specific symbol.
// Providers that need no mapping can rely on the identity default.
type SymbolResolver interface {
	Resolve(providerID, symbol string) string
}

// SymbolResolverFunc adapts a function to SymbolResolver.
type SymbolResolverFunc func(providerID, symbol string) string

func (f SymbolResolverFunc) Resolve(providerID, symbol string) string {
	return f(providerID, symbol)
}
