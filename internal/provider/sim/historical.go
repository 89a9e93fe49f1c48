// Package sim provides deterministic in-process providers. They serve
// seeded synthetic data, so command wiring and integration tests can
// exercise the full pipeline without vendor credentials.
package sim

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/mdflow/mdflow/internal/event"
	"github.com/mdflow/mdflow/internal/provider"
)

// Historical is a seeded synthetic daily-bars provider. The same
// (seed, symbol, date) always yields the same bar.
type Historical struct {
	id       string
	priority int
	seed     uint64
	basePx   float64
}

// NewHistorical builds a synthetic provider. Base price defaults
// to 100 when zero.
func NewHistorical(id string, priority int, seed uint64, basePrice float64) *Historical {
	if basePrice == 0 {
		basePrice = 100
	}
	return &Historical{id: id, priority: priority, seed: seed, basePx: basePrice}
}

func (h *Historical) Descriptor() provider.Descriptor {
	return provider.Descriptor{
		ID:          h.id,
		DisplayName: "Simulated " + h.id,
		Priority:    h.priority,
		Capabilities: provider.Capabilities{
			AdjustedPrices: true,
			Dividends:      false,
			Splits:         false,
		},
		RateLimit: provider.RateLimit{MaxRequests: 1000, Window: time.Minute},
	}
}

func (h *Historical) IsAvailable(context.Context) bool { return true }

func (h *Historical) GetDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]event.Bar, error) {
	return h.bars(ctx, symbol, from, to, false)
}

func (h *Historical) GetAdjustedDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]event.Bar, error) {
	return h.bars(ctx, symbol, from, to, true)
}

func (h *Historical) bars(ctx context.Context, symbol string, from, to time.Time, adjusted bool) ([]event.Bar, error) {
	if to.Before(from) {
		return nil, nil
	}

	var bars []event.Bar
	for d := from.Truncate(24 * time.Hour); !d.After(to); d = d.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		bars = append(bars, h.barFor(symbol, d, adjusted))
	}
	return bars, nil
}

// barFor derives the bar from a PRNG seeded by (seed, symbol, date),
// so results are stable across calls and providers sharing a seed
// agree on every bar.
func (h *Historical) barFor(symbol string, date time.Time, adjusted bool) event.Bar {
	rng := rand.New(rand.NewPCG(h.seed^symbolHash(symbol), uint64(date.Unix())))

	// Drift the base price by day index so prices trend rather than
	// oscillating around a constant.
	dayIdx := float64(date.Unix() / 86400)
	center := h.basePx * (1 + 0.0001*math.Mod(dayIdx, 500))

	open := center * (1 + (rng.Float64()-0.5)*0.02)
	close := center * (1 + (rng.Float64()-0.5)*0.02)
	high := math.Max(open, close) * (1 + rng.Float64()*0.01)
	low := math.Min(open, close) * (1 - rng.Float64()*0.01)
	volume := int64(1_000_000 + rng.Int64N(9_000_000))

	adjClose := close
	if adjusted {
		adjClose = close * 0.98
	}

	return event.Bar{
		Date:     date,
		Open:     round2(open),
		High:     round2(high),
		Low:      round2(low),
		Close:    round2(close),
		AdjClose: round2(adjClose),
		Volume:   volume,
		Adjusted: adjusted,
	}
}

func symbolHash(s string) uint64 {
	// FNV-1a
	h := uint64(14695981039346656037)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
