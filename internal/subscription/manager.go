package subscription

import (
	"sort"
	"sync"

	"github.com/mdflow/mdflow/internal/provider"
)

// Refused is returned by Subscribe when the request cannot be granted.
const Refused = -1

// Entry records one active subscription.
type Entry struct {
	ID     int
	Symbol string
	Kind   provider.SubscriptionKind
	Config provider.SubConfig
}

// Manager allocates provider-scoped subscription IDs densely from a
// well-known offset so IDs are globally parseable in logs, and tracks the
// (symbol, kind) pair behind each one. A single lock guards all state.
type Manager struct {
	mu      sync.Mutex
	next    int
	entries map[int]Entry
	byKey   map[subKey]int
}

type subKey struct {
	symbol string
	kind   provider.SubscriptionKind
}

// NewManager creates a Manager whose IDs start at offset. Offsets are
// assigned per provider (e.g. 1000, 2000, ...).
func NewManager(offset int) *Manager {
	if offset < 1 {
		offset = 1
	}
	return &Manager{
		next:    offset,
		entries: make(map[int]Entry),
		byKey:   make(map[subKey]int),
	}
}

// Subscribe allocates an ID for (symbol, kind). Repeated calls for the same
// pair are idempotent and return the existing ID. Returns Refused for an
// empty symbol.
func (m *Manager) Subscribe(symbol string, kind provider.SubscriptionKind, cfg provider.SubConfig) int {
	if symbol == "" {
		return Refused
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := subKey{symbol: symbol, kind: kind}
	if id, ok := m.byKey[key]; ok {
		return id
	}

	id := m.next
	m.next++
	m.entries[id] = Entry{ID: id, Symbol: symbol, Kind: kind, Config: cfg}
	m.byKey[key] = id
	return id
}

// Unsubscribe detaches the ID and returns its entry.
func (m *Manager) Unsubscribe(id int) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[id]
	if !ok {
		return Entry{}, false
	}
	delete(m.entries, id)
	delete(m.byKey, subKey{symbol: entry.Symbol, kind: entry.Kind})
	return entry, true
}

// Lookup returns the entry for an ID.
func (m *Manager) Lookup(id int) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	return entry, ok
}

// GetSymbolsByKind returns the sorted symbols subscribed under kind.
func (m *Manager) GetSymbolsByKind(kind provider.SubscriptionKind) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var symbols []string
	for _, e := range m.entries {
		if e.Kind == kind {
			symbols = append(symbols, e.Symbol)
		}
	}
	sort.Strings(symbols)
	return symbols
}

// Snapshot returns every active entry ordered by symbol then kind.
// Deterministic ordering keeps re-subscription after failover debuggable.
func (m *Manager) Snapshot() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Clear removes every entry, returning the removed entries in snapshot
// order. Called on disconnect.
func (m *Manager) Clear() []Entry {
	snapshot := m.Snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[int]Entry)
	m.byKey = make(map[subKey]int)
	return snapshot
}

// Len returns the number of active subscriptions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
