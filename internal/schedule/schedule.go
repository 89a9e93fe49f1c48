package schedule

import (
	"log/slog"
	"sync"
	"time"
)

// OpType identifies a category of operational work.
type OpType string

const (
	OpHealthCheck       OpType = "health_check"
	OpCredentialRefresh OpType = "credential_refresh"
	OpMaintenance       OpType = "maintenance"
	OpIntegrityCheck    OpType = "integrity_check"
	OpIndexRebuild      OpType = "index_rebuild"
	OpCacheRefresh      OpType = "cache_refresh"
	OpBackfill          OpType = "backfill"
	OpReporting         OpType = "reporting"
)

// ResourceProfile describes the dominant cost of an operation.
type ResourceProfile string

const (
	ProfileLight   ResourceProfile = "light"
	ProfileNetwork ResourceProfile = "network"
	ProfileCPUIO   ResourceProfile = "cpu+io"
)

// heavyDelay is suggested when a heavy request lands inside a session.
const heavyDelay = 30 * time.Minute

// alwaysAllowed ops run regardless of market state.
var alwaysAllowed = map[OpType]bool{
	OpHealthCheck:       true,
	OpCredentialRefresh: true,
}

// tradingHoursSensitive ops are denied during live sessions.
var tradingHoursSensitive = map[OpType]bool{
	OpMaintenance:    true,
	OpIntegrityCheck: true,
	OpIndexRebuild:   true,
	OpCacheRefresh:   true,
}

// Request describes an operation asking for permission to run.
type Request struct {
	Op      OpType
	Profile ResourceProfile
}

// Decision is the scheduler's answer to a Request.
type Decision struct {
	Allowed        bool
	Reason         string
	SuggestedDelay time.Duration
}

// MaintenanceWindow is a named absolute time range during which
// trading-hours-sensitive work may run. An empty AllowedOps list
// admits every sensitive op.
type MaintenanceWindow struct {
	Name       string
	Start      time.Time
	End        time.Time
	AllowedOps []OpType

	allowSet map[OpType]bool
}

func (w *MaintenanceWindow) contains(now time.Time) bool {
	return !now.Before(w.Start) && now.Before(w.End)
}

func (w *MaintenanceWindow) admits(op OpType) bool {
	if len(w.AllowedOps) == 0 {
		return true
	}
	if w.allowSet == nil {
		w.allowSet = make(map[OpType]bool, len(w.AllowedOps))
		for _, o := range w.AllowedOps {
			w.allowSet[o] = true
		}
	}
	return w.allowSet[op]
}

// Calendar answers whether a given instant falls inside a trading
// session and exposes the session boundaries used for slot search.
type Calendar interface {
	// InSession reports whether t is inside a live trading session.
	InSession(t time.Time) bool
	// SessionClose returns the end of the session containing t.
	// Meaningful only when InSession(t) is true.
	SessionClose(t time.Time) time.Time
	// SessionBounds returns the open and close of the session on t's
	// day, and whether that day trades at all.
	SessionBounds(t time.Time) (open, close time.Time, trading bool)
}

// EquityCalendar is a fixed weekly calendar: Monday through Friday,
// 09:30 to 16:00 in the configured location. Pre-market starts at
// 04:00 and post-market ends at 20:00 for slot search purposes.
type EquityCalendar struct {
	Location *time.Location
}

// NewEquityCalendar builds a calendar in loc, defaulting to UTC.
func NewEquityCalendar(loc *time.Location) *EquityCalendar {
	if loc == nil {
		loc = time.UTC
	}
	return &EquityCalendar{Location: loc}
}

func (c *EquityCalendar) at(t time.Time, hour, min int) time.Time {
	lt := t.In(c.Location)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), hour, min, 0, 0, c.Location)
}

func (c *EquityCalendar) tradingDay(t time.Time) bool {
	switch t.In(c.Location).Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}

func (c *EquityCalendar) InSession(t time.Time) bool {
	if !c.tradingDay(t) {
		return false
	}
	open := c.at(t, 9, 30)
	close := c.at(t, 16, 0)
	return !t.Before(open) && t.Before(close)
}

func (c *EquityCalendar) SessionClose(t time.Time) time.Time {
	return c.at(t, 16, 0)
}

func (c *EquityCalendar) SessionBounds(t time.Time) (time.Time, time.Time, bool) {
	if !c.tradingDay(t) {
		return time.Time{}, time.Time{}, false
	}
	return c.at(t, 9, 30), c.at(t, 16, 0), true
}

// preMarketOpen and postMarketClose bound the off-session slots on a
// trading day.
func (c *EquityCalendar) preMarketOpen(t time.Time) time.Time   { return c.at(t, 4, 0) }
func (c *EquityCalendar) postMarketClose(t time.Time) time.Time { return c.at(t, 20, 0) }

// Slot is a future window in which an operation may run.
type Slot struct {
	Start time.Time
	End   time.Time
	Kind  string // "pre-market", "post-market", "non-trading-day"
}

// Duration returns the slot length.
func (s Slot) Duration() time.Duration { return s.End.Sub(s.Start) }

// Scheduler evaluates operation requests against the calendar and the
// registered maintenance windows.
type Scheduler struct {
	mu      sync.RWMutex
	cal     Calendar
	windows []*MaintenanceWindow
	logger  *slog.Logger
	now     func() time.Time
	eqCal   *EquityCalendar
}

// New creates a scheduler over the given calendar. A nil calendar gets
// the UTC equity calendar.
func New(cal Calendar, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cal:    cal,
		logger: logger.With("component", "scheduler"),
		now:    time.Now,
	}
	if cal == nil {
		s.eqCal = NewEquityCalendar(nil)
		s.cal = s.eqCal
	} else if ec, ok := cal.(*EquityCalendar); ok {
		s.eqCal = ec
	}
	return s
}

// SetClock overrides the time source for tests.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// AddMaintenanceWindow registers a named window.
func (s *Scheduler) AddMaintenanceWindow(w MaintenanceWindow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = append(s.windows, &w)
	s.logger.Info("maintenance window registered",
		"name", w.Name, "start", w.Start, "end", w.End)
}

// Evaluate decides whether the request may run right now.
func (s *Scheduler) Evaluate(req Request) Decision {
	now := s.now()

	if alwaysAllowed[req.Op] {
		return Decision{Allowed: true, Reason: "always allowed"}
	}

	inSession := s.cal.InSession(now)

	if tradingHoursSensitive[req.Op] {
		if inSession {
			return Decision{
				Allowed:        false,
				Reason:         "trading session in progress",
				SuggestedDelay: s.cal.SessionClose(now).Sub(now),
			}
		}
		if w := s.matchWindow(now, req.Op); w != nil {
			return Decision{Allowed: true, Reason: "maintenance window " + w.Name}
		}
		return Decision{Allowed: true, Reason: "outside trading hours"}
	}

	if (req.Op == OpBackfill || req.Op == OpReporting) && !inSession {
		return Decision{Allowed: true, Reason: "outside trading hours"}
	}

	if inSession && (req.Profile == ProfileNetwork || req.Profile == ProfileCPUIO) {
		return Decision{
			Allowed:        false,
			Reason:         "heavy operation during trading hours",
			SuggestedDelay: heavyDelay,
		}
	}

	return Decision{Allowed: true, Reason: "no restriction"}
}

func (s *Scheduler) matchWindow(now time.Time, op OpType) *MaintenanceWindow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.windows {
		if w.contains(now) && w.admits(op) {
			return w
		}
	}
	return nil
}

// FindNextAvailableSlot walks up to 7 days forward looking for a
// pre-market, post-market, or non-trading-day gap of at least
// minDuration. The scan starts from now; a slot already underway is
// returned trimmed to start at now.
func (s *Scheduler) FindNextAvailableSlot(op OpType, minDuration time.Duration) (Slot, bool) {
	if s.eqCal == nil {
		return Slot{}, false
	}
	now := s.now()
	cal := s.eqCal

	for day := 0; day <= 7; day++ {
		t := now.AddDate(0, 0, day)

		open, close, trading := cal.SessionBounds(t)
		if !trading {
			start := cal.at(t, 0, 0)
			end := start.Add(24 * time.Hour)
			if slot, ok := trim(Slot{Start: start, End: end, Kind: "non-trading-day"}, now, minDuration); ok {
				return slot, true
			}
			continue
		}

		pre := Slot{Start: cal.preMarketOpen(t), End: open, Kind: "pre-market"}
		if slot, ok := trim(pre, now, minDuration); ok {
			return slot, true
		}
		post := Slot{Start: close, End: cal.postMarketClose(t), Kind: "post-market"}
		if slot, ok := trim(post, now, minDuration); ok {
			return slot, true
		}
	}
	return Slot{}, false
}

// trim clips a slot against now and checks it still fits minDuration.
func trim(s Slot, now time.Time, minDuration time.Duration) (Slot, bool) {
	if s.End.Before(now) || s.End.Equal(now) {
		return Slot{}, false
	}
	if s.Start.Before(now) {
		s.Start = now
	}
	if s.Duration() < minDuration {
		return Slot{}, false
	}
	return s, true
}
