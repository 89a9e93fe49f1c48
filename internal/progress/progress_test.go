package progress

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var (
	jan2 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	jan11 = time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC)
)

func TestBegin_TotalDaysInclusive(t *testing.T) {
	tr := NewTracker(nil)
	tr.Begin("AAPL", jan2, jan11)

	p, ok := tr.Get("AAPL")
	if !ok {
		t.Fatal("symbol not tracked")
	}
	if p.TotalDays != 10 {
		t.Errorf("TotalDays = %d, want 10", p.TotalDays)
	}
	if p.Percent() != 0 {
		t.Errorf("Percent = %v, want 0", p.Percent())
	}
}

func TestAdvance_ClampsAtTotal(t *testing.T) {
	tr := NewTracker(nil)
	tr.Begin("AAPL", jan2, jan11)

	tr.Advance("AAPL", 7)
	if p, _ := tr.Get("AAPL"); p.CompletedDays != 7 {
		t.Errorf("CompletedDays = %d, want 7", p.CompletedDays)
	}

	tr.Advance("AAPL", 100)
	p, _ := tr.Get("AAPL")
	if p.CompletedDays != 10 {
		t.Errorf("CompletedDays = %d, want clamp at 10", p.CompletedDays)
	}
	if p.Percent() != 100 {
		t.Errorf("Percent = %v, want 100", p.Percent())
	}
}

func TestCompleteAndFail(t *testing.T) {
	tr := NewTracker(nil)
	tr.Begin("AAPL", jan2, jan11)
	tr.Begin("MSFT", jan2, jan11)

	tr.Complete("AAPL")
	tr.Fail("MSFT", errors.New("no provider available"))

	a, _ := tr.Get("AAPL")
	if !a.IsCompleted || a.CompletedDays != a.TotalDays {
		t.Errorf("AAPL = %+v, want completed with full days", a)
	}

	m, _ := tr.Get("MSFT")
	if !m.IsFailed || m.Error != "no provider available" {
		t.Errorf("MSFT = %+v, want failed with error", m)
	}

	// Advancing a finished symbol is a no-op.
	tr.Advance("MSFT", 3)
	if m, _ = tr.Get("MSFT"); m.CompletedDays != 0 {
		t.Errorf("failed symbol advanced to %d days", m.CompletedDays)
	}
}

func TestSummarize(t *testing.T) {
	tr := NewTracker(nil)
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	tr.SetClock(func() time.Time { return base })

	tr.Begin("AAPL", jan2, jan11)
	tr.Begin("MSFT", jan2, jan11)
	tr.Begin("TSLA", jan2, jan11)
	tr.Complete("AAPL")
	tr.Advance("MSFT", 5)
	tr.Fail("TSLA", errors.New("boom"))

	s := tr.Summarize()
	if s.TotalSymbols != 3 || s.CompletedSymbols != 1 || s.FailedSymbols != 1 {
		t.Errorf("summary = %+v", s)
	}
	// (100 + 50 + 0) / 3
	if s.OverallPercent != 50 {
		t.Errorf("OverallPercent = %v, want 50", s.OverallPercent)
	}
	if !s.Timestamp.Equal(base) {
		t.Errorf("Timestamp = %v, want %v", s.Timestamp, base)
	}
}

func TestSummarize_Empty(t *testing.T) {
	tr := NewTracker(nil)
	s := tr.Summarize()
	if s.TotalSymbols != 0 || s.OverallPercent != 0 {
		t.Errorf("empty summary = %+v", s)
	}
}

func TestSnapshot_Ordered(t *testing.T) {
	tr := NewTracker(nil)
	for _, sym := range []string{"TSLA", "AAPL", "MSFT"} {
		tr.Begin(sym, jan2, jan11)
	}
	snap := tr.Snapshot()
	want := []string{"AAPL", "MSFT", "TSLA"}
	for i, p := range snap {
		if p.Symbol != want[i] {
			t.Errorf("snapshot[%d] = %s, want %s", i, p.Symbol, want[i])
		}
	}
}

func TestConcurrentAdvance(t *testing.T) {
	tr := NewTracker(nil)
	tr.Begin("AAPL", jan2, jan2.AddDate(0, 0, 999))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				tr.Advance("AAPL", 1)
			}
		}()
	}
	wg.Wait()

	p, _ := tr.Get("AAPL")
	if p.CompletedDays != 500 {
		t.Errorf("CompletedDays = %d, want 500", p.CompletedDays)
	}
}
