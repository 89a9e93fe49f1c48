package provider

import "time"

// Capabilities advertises what a provider can serve. The composite filters
// candidates per call against the required capability.
type Capabilities struct {
	AdjustedPrices   bool
	Intraday         bool
	Dividends        bool
	Splits           bool
	Quotes           bool
	Trades           bool
	Depth            bool
	SupportedMarkets []string // Exchange/market identifiers, empty = all
}

// Union merges two capability sets. Used by the composite, whose capability
// set is the union across children.
func (c Capabilities) Union(other Capabilities) Capabilities {
	merged := Capabilities{
		AdjustedPrices: c.AdjustedPrices || other.AdjustedPrices,
		Intraday:       c.Intraday || other.Intraday,
		Dividends:      c.Dividends || other.Dividends,
		Splits:         c.Splits || other.Splits,
		Quotes:         c.Quotes || other.Quotes,
		Trades:         c.Trades || other.Trades,
		Depth:          c.Depth || other.Depth,
	}
	seen := make(map[string]struct{})
	for _, m := range append(append([]string{}, c.SupportedMarkets...), other.SupportedMarkets...) {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		merged.SupportedMarkets = append(merged.SupportedMarkets, m)
	}
	return merged
}

// RateLimit is a provider's advertised request budget.
type RateLimit struct {
	MaxRequests int
	Window      time.Duration
	MinDelay    time.Duration
}

// Descriptor identifies a provider and its advertised behavior.
// Lower Priority means preferred.
type Descriptor struct {
	ID           string
	DisplayName  string
	Priority     int
	Capabilities Capabilities
	RateLimit    RateLimit
}
