package subscription

import (
	"testing"

	"github.com/mdflow/mdflow/internal/provider"
)

func TestSubscribe_DenseFromOffset(t *testing.T) {
	m := NewManager(1000)

	a := m.Subscribe("AAPL", provider.KindTrades, provider.SubConfig{Symbol: "AAPL"})
	b := m.Subscribe("MSFT", provider.KindTrades, provider.SubConfig{Symbol: "MSFT"})
	c := m.Subscribe("AAPL", provider.KindQuotes, provider.SubConfig{Symbol: "AAPL"})

	if a != 1000 || b != 1001 || c != 1002 {
		t.Errorf("IDs = %d, %d, %d, want 1000, 1001, 1002", a, b, c)
	}
}

func TestSubscribe_Idempotent(t *testing.T) {
	m := NewManager(100)

	first := m.Subscribe("AAPL", provider.KindTrades, provider.SubConfig{Symbol: "AAPL"})
	again := m.Subscribe("AAPL", provider.KindTrades, provider.SubConfig{Symbol: "AAPL"})
	if first != again {
		t.Errorf("repeated Subscribe = %d, want existing id %d", again, first)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}

func TestSubscribe_RefusesEmptySymbol(t *testing.T) {
	m := NewManager(100)
	if id := m.Subscribe("", provider.KindTrades, provider.SubConfig{}); id != Refused {
		t.Errorf("Subscribe(\"\") = %d, want %d", id, Refused)
	}
}

func TestUnsubscribe(t *testing.T) {
	m := NewManager(100)
	id := m.Subscribe("SPY", provider.KindDepth, provider.SubConfig{Symbol: "SPY", Depth: 10})

	entry, ok := m.Unsubscribe(id)
	if !ok {
		t.Fatal("Unsubscribe returned false")
	}
	if entry.Symbol != "SPY" || entry.Kind != provider.KindDepth {
		t.Errorf("entry = %+v", entry)
	}

	if _, ok := m.Unsubscribe(id); ok {
		t.Error("double Unsubscribe returned true")
	}

	// The pair can be re-subscribed with a fresh ID afterwards.
	next := m.Subscribe("SPY", provider.KindDepth, provider.SubConfig{Symbol: "SPY"})
	if next == id {
		t.Error("re-subscribe reused a detached id")
	}
}

func TestGetSymbolsByKind(t *testing.T) {
	m := NewManager(100)
	m.Subscribe("MSFT", provider.KindTrades, provider.SubConfig{Symbol: "MSFT"})
	m.Subscribe("AAPL", provider.KindTrades, provider.SubConfig{Symbol: "AAPL"})
	m.Subscribe("SPY", provider.KindQuotes, provider.SubConfig{Symbol: "SPY"})

	got := m.GetSymbolsByKind(provider.KindTrades)
	if len(got) != 2 || got[0] != "AAPL" || got[1] != "MSFT" {
		t.Errorf("GetSymbolsByKind(trades) = %v, want [AAPL MSFT]", got)
	}
}

func TestSnapshotAndClear(t *testing.T) {
	m := NewManager(100)
	m.Subscribe("MSFT", provider.KindTrades, provider.SubConfig{Symbol: "MSFT"})
	m.Subscribe("AAPL", provider.KindQuotes, provider.SubConfig{Symbol: "AAPL"})
	m.Subscribe("AAPL", provider.KindTrades, provider.SubConfig{Symbol: "AAPL"})

	snap := m.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot len = %d, want 3", len(snap))
	}
	// Ordered by symbol then kind.
	if snap[0].Symbol != "AAPL" || snap[1].Symbol != "AAPL" || snap[2].Symbol != "MSFT" {
		t.Errorf("snapshot order wrong: %+v", snap)
	}

	cleared := m.Clear()
	if len(cleared) != 3 || m.Len() != 0 {
		t.Errorf("Clear returned %d entries, Len = %d", len(cleared), m.Len())
	}
}
