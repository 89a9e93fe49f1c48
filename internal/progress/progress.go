package progress

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// SymbolProgress describes one symbol's backfill state.
type SymbolProgress struct {
	Symbol        string    `json:"symbol"`
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
	TotalDays     int       `json:"totalDays"`
	CompletedDays int       `json:"completedDays"`
	IsCompleted   bool      `json:"isCompleted"`
	IsFailed      bool      `json:"isFailed"`
	Error         string    `json:"error,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Percent returns completion in [0,100].
func (p SymbolProgress) Percent() float64 {
	if p.TotalDays <= 0 {
		if p.IsCompleted {
			return 100
		}
		return 0
	}
	pct := float64(p.CompletedDays) / float64(p.TotalDays) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Summary is the aggregated view across all tracked symbols.
type Summary struct {
	TotalSymbols     int       `json:"totalSymbols"`
	CompletedSymbols int       `json:"completedSymbols"`
	FailedSymbols    int       `json:"failedSymbols"`
	OverallPercent   float64   `json:"overallPercent"`
	Timestamp        time.Time `json:"timestamp"`
}

// Tracker records backfill progress per symbol. Safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	symbols map[string]*SymbolProgress
	logger  *slog.Logger
	now     func() time.Time
}

// NewTracker creates an empty progress tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		symbols: make(map[string]*SymbolProgress),
		logger:  logger.With("component", "progress"),
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Begin registers a symbol with its requested date range. TotalDays is the
// inclusive calendar-day span of [from, to]. Re-beginning an existing symbol
// resets its state.
func (t *Tracker) Begin(symbol string, from, to time.Time) {
	days := int(to.Sub(from).Hours()/24) + 1
	if days < 0 {
		days = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.symbols[symbol] = &SymbolProgress{
		Symbol:    symbol,
		From:      from,
		To:        to,
		TotalDays: days,
		UpdatedAt: t.now(),
	}
}

// Advance adds completed days for a symbol. Unknown symbols are ignored.
func (t *Tracker) Advance(symbol string, days int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.symbols[symbol]
	if !ok || p.IsCompleted || p.IsFailed {
		return
	}
	p.CompletedDays += days
	if p.CompletedDays > p.TotalDays {
		p.CompletedDays = p.TotalDays
	}
	p.UpdatedAt = t.now()
}

// Complete marks a symbol done. CompletedDays snaps to TotalDays.
func (t *Tracker) Complete(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.symbols[symbol]
	if !ok {
		return
	}
	p.IsCompleted = true
	p.IsFailed = false
	p.Error = ""
	p.CompletedDays = p.TotalDays
	p.UpdatedAt = t.now()
}

// Fail marks a symbol failed with the given error message.
func (t *Tracker) Fail(symbol string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.symbols[symbol]
	if !ok {
		return
	}
	p.IsFailed = true
	p.IsCompleted = false
	if err != nil {
		p.Error = err.Error()
	}
	p.UpdatedAt = t.now()
	t.logger.Warn("backfill failed", "symbol", symbol, "error", p.Error)
}

// Get returns a copy of one symbol's progress.
func (t *Tracker) Get(symbol string) (SymbolProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.symbols[symbol]
	if !ok {
		return SymbolProgress{}, false
	}
	return *p, true
}

// Snapshot returns all symbol states ordered by symbol.
func (t *Tracker) Snapshot() []SymbolProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]SymbolProgress, 0, len(t.symbols))
	for _, p := range t.symbols {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Summarize aggregates across all tracked symbols. OverallPercent is the
// mean of per-symbol percentages, so a short range and a long range weigh
// the same.
func (t *Tracker) Summarize() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Summary{
		TotalSymbols: len(t.symbols),
		Timestamp:    t.now(),
	}
	if len(t.symbols) == 0 {
		return s
	}
	var sum float64
	for _, p := range t.symbols {
		if p.IsCompleted {
			s.CompletedSymbols++
		}
		if p.IsFailed {
			s.FailedSymbols++
		}
		sum += p.Percent()
	}
	s.OverallPercent = sum / float64(len(t.symbols))
	return s
}

// Reset drops all tracked state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.symbols = make(map[string]*SymbolProgress)
}
