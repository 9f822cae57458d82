package broadcast

import (
	"fmt"
	"sync"
	"time"
)

const (
	backoffUnit = time.Minute
	backoffMax  = time.Hour
)

// TrackerState is the mutable send-rate state. It belongs to one
// Tracker; nothing here is process-global.
type TrackerState struct {
	HourStart    time.Time
	SentThisHour int

	DayStart  time.Time
	SentToday int

	LastSentAt time.Time

	// FailedCount tallies every failed send since start, blocked or not.
	FailedCount int

	// BlockedCount drives exponential backoff. It decays by one on
	// each day roll so an old incident doesn't haunt the account
	// forever.
	BlockedCount int
	BackoffUntil time.Time
}

// TrackerStats is a read-only snapshot for status commands.
type TrackerStats struct {
	SentThisHour int
	SentToday    int
	FailedCount  int
	BlockedCount int
	InBackoff    bool
	BackoffLeft  time.Duration
	HourRemain   int
	DayRemain    int
}

// GateReason says which budget check stopped a send.
type GateReason string

const (
	GateNone    GateReason = ""
	GateBackoff GateReason = "backoff after blocks"
	GateHourly  GateReason = "hourly limit reached"
	GateDaily   GateReason = "daily limit reached"
	GatePacing  GateReason = "pacing delay"
)

// Tracker enforces the send budget: hourly/daily caps, a minimum gap
// between sends, and backoff after block reports. Windows roll lazily
// on access instead of via timers.
type Tracker struct {
	mu     sync.Mutex
	st     TrackerState
	limits AccountLimits

	now func() time.Time
}

func NewTracker(limits AccountLimits) *Tracker {
	t := &Tracker{limits: limits, now: time.Now}
	n := t.now()
	t.st.HourStart = n
	t.st.DayStart = n
	return t
}

// SetLimits swaps the budget (e.g. when the account crosses into the
// next tier). Counters carry over.
func (t *Tracker) SetLimits(l AccountLimits) {
	t.mu.Lock()
	t.limits = l
	t.mu.Unlock()
}

// roll expires stale windows. Caller holds t.mu.
func (t *Tracker) roll(now time.Time) {
	if now.Sub(t.st.DayStart) >= 24*time.Hour {
		t.st.DayStart = now
		t.st.SentToday = 0
		if t.st.BlockedCount > 0 {
			t.st.BlockedCount--
		}
	}
	if now.Sub(t.st.HourStart) >= time.Hour {
		t.st.HourStart = now
		t.st.SentThisHour = 0
	}
}

// CanSend reports whether a send is allowed right now. When it isn't,
// reason says which gate tripped and wait hints how long until it opens.
func (t *Tracker) CanSend() (ok bool, reason GateReason, wait time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.roll(now)

	if now.Before(t.st.BackoffUntil) {
		return false, GateBackoff, t.st.BackoffUntil.Sub(now)
	}
	if t.st.SentThisHour >= t.limits.MessagesPerHour {
		return false, GateHourly, t.st.HourStart.Add(time.Hour).Sub(now)
	}
	if t.st.SentToday >= t.limits.MessagesPerDay {
		return false, GateDaily, t.st.DayStart.Add(24 * time.Hour).Sub(now)
	}
	if !t.st.LastSentAt.IsZero() {
		if since := now.Sub(t.st.LastSentAt); since < t.limits.DelayBetweenMessages {
			return false, GatePacing, t.limits.DelayBetweenMessages - since
		}
	}
	return true, GateNone, 0
}

// RecordSent counts one delivered message.
func (t *Tracker) RecordSent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.roll(now)
	t.st.SentThisHour++
	t.st.SentToday++
	t.st.LastSentAt = now
}

// RecordFailed counts a failed send. A blocked failure additionally
// raises BlockedCount first, then computes backoff from the raised
// value: min(2^BlockedCount minutes, 1 hour).
func (t *Tracker) RecordFailed(blocked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.roll(now)
	t.st.FailedCount++
	if !blocked {
		return
	}
	t.st.BlockedCount++
	backoff := time.Duration(1<<uint(t.st.BlockedCount)) * backoffUnit
	if backoff > backoffMax {
		backoff = backoffMax
	}
	t.st.BackoffUntil = now.Add(backoff)
}

// Stats snapshots the tracker for display.
func (t *Tracker) Stats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.roll(now)

	s := TrackerStats{
		SentThisHour: t.st.SentThisHour,
		SentToday:    t.st.SentToday,
		FailedCount:  t.st.FailedCount,
		BlockedCount: t.st.BlockedCount,
		HourRemain:   t.limits.MessagesPerHour - t.st.SentThisHour,
		DayRemain:    t.limits.MessagesPerDay - t.st.SentToday,
	}
	if now.Before(t.st.BackoffUntil) {
		s.InBackoff = true
		s.BackoffLeft = t.st.BackoffUntil.Sub(now)
	}
	if s.HourRemain < 0 {
		s.HourRemain = 0
	}
	if s.DayRemain < 0 {
		s.DayRemain = 0
	}
	return s
}

func (s TrackerStats) String() string {
	if s.InBackoff {
		return fmt.Sprintf("hour %d, day %d, failed %d, blocked %d, backoff %s left",
			s.SentThisHour, s.SentToday, s.FailedCount, s.BlockedCount, s.BackoffLeft.Round(time.Second))
	}
	return fmt.Sprintf("hour %d (%d left), day %d (%d left), failed %d, blocked %d",
		s.SentThisHour, s.HourRemain, s.SentToday, s.DayRemain, s.FailedCount, s.BlockedCount)
}
