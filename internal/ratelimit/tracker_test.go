package ratelimit

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is a controllable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker() (*Tracker, *fakeClock) {
	clock := newFakeClock()
	tr := NewTracker(nil)
	tr.SetClock(clock.Now)
	return tr, clock
}

func TestTracker_WindowRoll(t *testing.T) {
	tr, clock := newTestTracker()
	tr.RegisterProvider("yahoo", 10, time.Minute, 0)

	for i := 0; i < 5; i++ {
		tr.RecordRequest("yahoo")
	}
	if ratio := tr.UsageRatio("yahoo"); ratio != 0.5 {
		t.Errorf("UsageRatio = %v, want 0.5", ratio)
	}

	// Window elapses: count resets to zero.
	clock.Advance(61 * time.Second)
	if ratio := tr.UsageRatio("yahoo"); ratio != 0 {
		t.Errorf("UsageRatio after window roll = %v, want 0", ratio)
	}
}

func TestTracker_ApproachingLimit(t *testing.T) {
	tr, _ := newTestTracker()
	tr.RegisterProvider("finnhub", 10, time.Minute, 0)

	for i := 0; i < 8; i++ {
		tr.RecordRequest("finnhub")
	}

	if !tr.IsApproachingLimit("finnhub", 0.8) {
		t.Error("IsApproachingLimit(0.8) = false at usage 0.8")
	}
	if tr.IsApproachingLimit("finnhub", 0.9) {
		t.Error("IsApproachingLimit(0.9) = true at usage 0.8")
	}
	// Zero threshold uses the default 0.8.
	if !tr.IsApproachingLimit("finnhub", 0) {
		t.Error("IsApproachingLimit(0) should use default threshold")
	}
}

func TestTracker_RateLimitHitAndClear(t *testing.T) {
	tr, clock := newTestTracker()
	tr.RegisterProvider("yahoo", 10, time.Minute, 0)

	tr.RecordRateLimitHit("yahoo", 5*time.Second)

	if !tr.IsRateLimited("yahoo") {
		t.Fatal("IsRateLimited = false after hit")
	}
	remaining, ok := tr.GetTimeUntilReset("yahoo")
	if !ok || remaining != 5*time.Second {
		t.Errorf("GetTimeUntilReset = (%v, %v), want (5s, true)", remaining, ok)
	}

	clock.Advance(3 * time.Second)
	remaining, ok = tr.GetTimeUntilReset("yahoo")
	if !ok || remaining != 2*time.Second {
		t.Errorf("GetTimeUntilReset = (%v, %v), want (2s, true)", remaining, ok)
	}

	// Window expires on its own.
	clock.Advance(3 * time.Second)
	if tr.IsRateLimited("yahoo") {
		t.Error("IsRateLimited = true after Retry-After elapsed")
	}

	// Explicit clear after a success.
	tr.RecordRateLimitHit("yahoo", 30*time.Second)
	tr.ClearRateLimitState("yahoo")
	if tr.IsRateLimited("yahoo") {
		t.Error("IsRateLimited = true after ClearRateLimitState")
	}
}

func TestTracker_DefaultRetryAfter(t *testing.T) {
	tr, _ := newTestTracker()
	tr.RegisterProvider("yahoo", 10, time.Minute, 0)

	tr.RecordRateLimitHit("yahoo", 0)
	remaining, ok := tr.GetTimeUntilReset("yahoo")
	if !ok || remaining != DefaultRetryAfter {
		t.Errorf("GetTimeUntilReset = (%v, %v), want (%v, true)", remaining, ok, DefaultRetryAfter)
	}
}

func TestTracker_UnknownProvider(t *testing.T) {
	tr, _ := newTestTracker()

	if tr.IsRateLimited("ghost") {
		t.Error("IsRateLimited on unknown provider = true")
	}
	tr.RecordRequest("ghost") // Must not panic.
	if _, err := tr.GetStatus("ghost"); err != ErrUnknownProvider {
		t.Errorf("GetStatus error = %v, want ErrUnknownProvider", err)
	}
}

func TestTracker_Status(t *testing.T) {
	tr, _ := newTestTracker()
	tr.RegisterProvider("yahoo", 4, time.Minute, 100*time.Millisecond)

	tr.RecordRequest("yahoo")
	tr.RecordRequest("yahoo")
	tr.RecordRateLimitHit("yahoo", 10*time.Second)

	st, err := tr.GetStatus("yahoo")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.RequestCount != 2 {
		t.Errorf("RequestCount = %d, want 2", st.RequestCount)
	}
	if st.UsageRatio != 0.5 {
		t.Errorf("UsageRatio = %v, want 0.5", st.UsageRatio)
	}
	if !st.IsRateLimited || st.RetryAfter != 10*time.Second {
		t.Errorf("limited state = (%v, %v), want (true, 10s)", st.IsRateLimited, st.RetryAfter)
	}
	if tr.MinDelay("yahoo") != 100*time.Millisecond {
		t.Errorf("MinDelay = %v, want 100ms", tr.MinDelay("yahoo"))
	}
}

func TestTracker_ConcurrentRecording(t *testing.T) {
	tr, _ := newTestTracker()
	tr.RegisterProvider("yahoo", 100000, time.Hour, 0)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				tr.RecordRequest("yahoo")
			}
		}()
	}
	wg.Wait()

	st, _ := tr.GetStatus("yahoo")
	if st.RequestCount != 10000 {
		t.Errorf("RequestCount = %d, want 10000", st.RequestCount)
	}
}
