package failover

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mdflow/mdflow/internal/provider"
)

type triggerLog struct {
	mu   sync.Mutex
	trig []Trigger
}

func (l *triggerLog) record(t Trigger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trig = append(l.trig, t)
}

func (l *triggerLog) all() []Trigger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Trigger(nil), l.trig...)
}

func TestConsecutiveFailuresTrigger(t *testing.T) {
	svc := NewService(nil)
	svc.AddRule(Rule{
		ID:                  "ws-failover",
		OrderedProviders:    []string{"primary", "backup"},
		ConsecutiveFailures: 5,
	})
	log := &triggerLog{}
	svc.OnTrigger("test", log.record)

	boom := errors.New("connection reset")
	for i := 0; i < 4; i++ {
		svc.ReportFailure("primary", boom)
	}
	if got := log.all(); len(got) != 0 {
		t.Fatalf("triggered after 4 failures: %v", got)
	}

	svc.ReportFailure("primary", boom)
	got := log.all()
	if len(got) != 1 {
		t.Fatalf("triggers = %v, want exactly one", got)
	}
	want := Trigger{RuleID: "ws-failover", From: "primary", To: "backup"}
	if got[0] != want {
		t.Errorf("trigger = %+v, want %+v", got[0], want)
	}
	if !svc.IsTripped("primary") {
		t.Error("primary breaker not open after trip")
	}
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	svc := NewService(nil)
	svc.AddRule(Rule{
		ID:                  "r",
		OrderedProviders:    []string{"a", "b"},
		ConsecutiveFailures: 3,
	})
	log := &triggerLog{}
	svc.OnTrigger("test", log.record)

	boom := errors.New("boom")
	svc.ReportFailure("a", boom)
	svc.ReportFailure("a", boom)
	svc.ReportSuccess("a")
	svc.ReportFailure("a", boom)
	svc.ReportFailure("a", boom)

	if got := log.all(); len(got) != 0 {
		t.Errorf("triggered despite interleaved success: %v", got)
	}
}

func TestRateLimitedForTrigger(t *testing.T) {
	svc := NewService(nil)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	now := base
	svc.SetClock(func() time.Time { return now })

	svc.AddRule(Rule{
		ID:               "rl",
		OrderedProviders: []string{"a", "b"},
		RateLimitedFor:   10 * time.Second,
	})
	log := &triggerLog{}
	svc.OnTrigger("test", log.record)

	rl := &provider.RateLimitedError{Provider: "a", RetryAfter: time.Second}
	svc.ReportFailure("a", rl)
	if got := log.all(); len(got) != 0 {
		t.Fatalf("triggered on first rate-limit report: %v", got)
	}

	now = base.Add(11 * time.Second)
	svc.ReportFailure("a", rl)
	got := log.all()
	if len(got) != 1 || got[0].To != "b" || got[0].RuleID != "rl" {
		t.Fatalf("triggers = %v, want one rl switch to b", got)
	}

	// Fires once per episode, not on every further report.
	now = base.Add(20 * time.Second)
	svc.ReportFailure("a", rl)
	if got := log.all(); len(got) != 1 {
		t.Errorf("re-fired within the same episode: %v", got)
	}

	// Success ends the episode; a fresh one needs the full duration again.
	svc.ReportSuccess("a")
	now = base.Add(30 * time.Second)
	svc.ReportFailure("a", rl)
	if got := log.all(); len(got) != 1 {
		t.Errorf("triggered immediately after reset: %v", got)
	}
}

func TestRecoveryTrigger(t *testing.T) {
	svc := NewService(nil)
	svc.AddRule(Rule{
		ID:                  "r",
		OrderedProviders:    []string{"a", "b"},
		ConsecutiveFailures: 2,
		RecoveryTimeout:     20 * time.Millisecond,
	})
	log := &triggerLog{}
	svc.OnTrigger("test", log.record)

	boom := errors.New("boom")
	svc.ReportFailure("a", boom)
	svc.ReportFailure("a", boom)
	if !svc.IsTripped("a") {
		t.Fatal("breaker not tripped")
	}

	// After the recovery timeout a success closes the breaker again.
	time.Sleep(30 * time.Millisecond)
	svc.ReportSuccess("a")

	var recovered bool
	for _, trig := range log.all() {
		if trig.Recovered && trig.To == "a" {
			recovered = true
		}
	}
	if !recovered {
		t.Errorf("no recovery trigger in %v", log.all())
	}
	if svc.IsTripped("a") {
		t.Error("breaker still open after recovery")
	}
}

func TestNextProvider(t *testing.T) {
	rule := &Rule{OrderedProviders: []string{"a", "b", "c"}}
	tests := []struct{ from, want string }{
		{"a", "b"},
		{"b", "c"},
		{"c", "a"}, // wraps so the chain keeps moving
		{"x", ""},
	}
	for _, tt := range tests {
		if got := nextProvider(rule, tt.from); got != tt.want {
			t.Errorf("nextProvider(%q) = %q, want %q", tt.from, got, tt.want)
		}
	}

	single := &Rule{OrderedProviders: []string{"only"}}
	if got := nextProvider(single, "only"); got != "" {
		t.Errorf("single-provider rule yielded %q", got)
	}
}

func TestUnknownProviderIgnored(t *testing.T) {
	svc := NewService(nil)
	svc.AddRule(Rule{ID: "r", OrderedProviders: []string{"a"}, ConsecutiveFailures: 1})

	// Must not panic or trigger.
	svc.ReportFailure("nope", errors.New("boom"))
	svc.ReportSuccess("nope")
	if svc.IsTripped("nope") {
		t.Error("unknown provider reported tripped")
	}
}
