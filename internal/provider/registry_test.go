package provider

import (
	"context"
	"testing"
	"time"

	"github.com/mdflow/mdflow/internal/event"
)

// stubHistorical is a minimal Historical for registry tests.
type stubHistorical struct {
	desc Descriptor
}

func (s *stubHistorical) Descriptor() Descriptor                { return s.desc }
func (s *stubHistorical) IsAvailable(context.Context) bool      { return true }
func (s *stubHistorical) GetDailyBars(_ context.Context, _ string, _, _ time.Time) ([]event.Bar, error) {
	return nil, nil
}
func (s *stubHistorical) GetAdjustedDailyBars(_ context.Context, _ string, _, _ time.Time) ([]event.Bar, error) {
	return nil, nil
}

func TestRegistry_PriorityOrdering(t *testing.T) {
	r := NewRegistry()
	for _, p := range []*stubHistorical{
		{desc: Descriptor{ID: "c", Priority: 3}},
		{desc: Descriptor{ID: "a", Priority: 1}},
		{desc: Descriptor{ID: "b", Priority: 2}},
	} {
		if err := r.RegisterHistorical(p); err != nil {
			t.Fatalf("RegisterHistorical(%s): %v", p.desc.ID, err)
		}
	}

	got := r.HistoricalProviders()
	want := []string{"a", "b", "c"}
	for i, p := range got {
		if p.Descriptor().ID != want[i] {
			t.Errorf("providers[%d] = %s, want %s", i, p.Descriptor().ID, want[i])
		}
	}
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry()
	p := &stubHistorical{desc: Descriptor{ID: "a"}}
	if err := r.RegisterHistorical(p); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.RegisterHistorical(p); err == nil {
		t.Error("duplicate register succeeded")
	}
}

func TestRegistry_DisableExcludesProvider(t *testing.T) {
	r := NewRegistry()
	r.RegisterHistorical(&stubHistorical{desc: Descriptor{ID: "a", Priority: 1}})
	r.RegisterHistorical(&stubHistorical{desc: Descriptor{ID: "b", Priority: 2}})

	r.Disable("a", ErrUnauthorized)

	got := r.HistoricalProviders()
	if len(got) != 1 || got[0].Descriptor().ID != "b" {
		t.Errorf("providers after disable = %v, want [b]", got)
	}
	if cause, ok := r.IsDisabled("a"); !ok || cause != ErrUnauthorized {
		t.Errorf("IsDisabled = (%v, %v), want (ErrUnauthorized, true)", cause, ok)
	}

	// Re-registration clears the disabled state, but the ID is taken; a fresh
	// registry entry requires the same ID to have been absent. Disable then
	// re-register is modeled by a new provider instance with the same ID on a
	// registry that never held it, so here we only verify the flag clears.
	if _, ok := r.IsDisabled("b"); ok {
		t.Error("unexpected disabled state for b")
	}
}

func TestCapabilitiesUnion(t *testing.T) {
	a := Capabilities{AdjustedPrices: true, Trades: true, SupportedMarkets: []string{"XNAS"}}
	b := Capabilities{Intraday: true, Trades: true, SupportedMarkets: []string{"XNAS", "XNYS"}}

	u := a.Union(b)
	if !u.AdjustedPrices || !u.Intraday || !u.Trades {
		t.Errorf("union flags wrong: %+v", u)
	}
	if u.Quotes {
		t.Error("union invented quotes capability")
	}
	if len(u.SupportedMarkets) != 2 {
		t.Errorf("SupportedMarkets = %v, want 2 unique entries", u.SupportedMarkets)
	}
}
