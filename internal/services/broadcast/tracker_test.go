package broadcast

import (
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestTracker(limits AccountLimits) (*Tracker, *fakeClock) {
	clock := newFakeClock()
	tr := &Tracker{limits: limits, now: clock.Now}
	tr.st.HourStart = clock.Now()
	tr.st.DayStart = clock.Now()
	return tr, clock
}

func TestBackoffDoublesPerBlock(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker(tierLimits[TierNew])

	// BlockedCount increments before the backoff is computed, so three
	// consecutive blocks give 2, 4 and 8 minutes.
	want := []time.Duration{2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for i, w := range want {
		tr.RecordFailed(true)
		st := tr.Stats()
		if !st.InBackoff {
			t.Fatalf("block %d: not in backoff", i+1)
		}
		if st.BackoffLeft != w {
			t.Fatalf("block %d: backoff = %v, want %v", i+1, st.BackoffLeft, w)
		}
		if st.BlockedCount != i+1 {
			t.Fatalf("block %d: BlockedCount = %d", i+1, st.BlockedCount)
		}
	}
}

func TestBackoffCappedAtOneHour(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker(tierLimits[TierNew])
	tr.st.BlockedCount = 10
	tr.RecordFailed(true)
	if got := tr.Stats().BackoffLeft; got != time.Hour {
		t.Fatalf("backoff = %v, want capped at 1h", got)
	}
}

func TestNonBlockedFailureHasNoBackoff(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker(tierLimits[TierNew])
	tr.RecordFailed(false)
	st := tr.Stats()
	if st.InBackoff || st.BlockedCount != 0 {
		t.Fatalf("got %+v, want no backoff for plain failures", st)
	}
	if st.FailedCount != 1 {
		t.Fatalf("FailedCount = %d, want 1", st.FailedCount)
	}
}

func TestFailedCountTalliesEveryFailure(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker(tierLimits[TierNew])
	tr.RecordFailed(false)
	tr.RecordFailed(true)
	tr.RecordFailed(false)

	st := tr.Stats()
	if st.FailedCount != 3 {
		t.Fatalf("FailedCount = %d, want 3 (blocked and plain alike)", st.FailedCount)
	}
	if st.BlockedCount != 1 {
		t.Fatalf("BlockedCount = %d, want 1", st.BlockedCount)
	}
	if got := st.String(); !strings.Contains(got, "failed 3") {
		t.Fatalf("String() = %q, want failed tally", got)
	}
}

func TestCanSendGates(t *testing.T) {
	t.Parallel()
	limits := AccountLimits{MessagesPerHour: 2, MessagesPerDay: 3, DelayBetweenMessages: 10 * time.Second, MaxBatchSize: 5}
	tr, clock := newTestTracker(limits)

	if ok, _, _ := tr.CanSend(); !ok {
		t.Fatal("fresh tracker must allow sending")
	}

	tr.RecordSent()
	if ok, reason, wait := tr.CanSend(); ok || reason != GatePacing || wait != 10*time.Second {
		t.Fatalf("after send: ok=%v reason=%q wait=%v, want pacing 10s", ok, reason, wait)
	}

	clock.Advance(10 * time.Second)
	if ok, _, _ := tr.CanSend(); !ok {
		t.Fatal("pacing elapsed, send must be allowed")
	}

	tr.RecordSent()
	clock.Advance(10 * time.Second)
	if ok, reason, _ := tr.CanSend(); ok || reason != GateHourly {
		t.Fatalf("at hourly cap: ok=%v reason=%q, want hourly gate", ok, reason)
	}

	// Next hour frees the hourly budget; the daily cap takes over after
	// one more send.
	clock.Advance(time.Hour)
	if ok, _, _ := tr.CanSend(); !ok {
		t.Fatal("hour rolled, send must be allowed")
	}
	tr.RecordSent()
	clock.Advance(10 * time.Second)
	if ok, reason, _ := tr.CanSend(); ok || reason != GateDaily {
		t.Fatalf("at daily cap: ok=%v reason=%q, want daily gate", ok, reason)
	}
}

func TestBackoffGateWins(t *testing.T) {
	t.Parallel()
	tr, clock := newTestTracker(tierLimits[TierNew])
	tr.RecordFailed(true)

	if ok, reason, wait := tr.CanSend(); ok || reason != GateBackoff || wait != 2*time.Minute {
		t.Fatalf("ok=%v reason=%q wait=%v, want backoff 2m", ok, reason, wait)
	}
	clock.Advance(2 * time.Minute)
	if ok, _, _ := tr.CanSend(); !ok {
		t.Fatal("backoff elapsed, send must be allowed")
	}
}

func TestDayRollResetsCountersAndDecaysBlocked(t *testing.T) {
	t.Parallel()
	tr, clock := newTestTracker(tierLimits[TierNew])
	tr.RecordSent()
	tr.RecordFailed(true)
	tr.RecordFailed(true)

	clock.Advance(24 * time.Hour)
	st := tr.Stats()
	if st.SentToday != 0 || st.SentThisHour != 0 {
		t.Fatalf("counters after day roll: %+v, want zeroed", st)
	}
	if st.BlockedCount != 1 {
		t.Fatalf("BlockedCount after day roll = %d, want decayed to 1", st.BlockedCount)
	}

	clock.Advance(24 * time.Hour)
	if got := tr.Stats().BlockedCount; got != 0 {
		t.Fatalf("BlockedCount after second day roll = %d, want 0", got)
	}
}

func TestBackoffNeverDecreasesWithinTheHourCap(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker(tierLimits[TierNew])
	prev := time.Duration(0)
	for i := 0; i < 12; i++ {
		tr.RecordFailed(true)
		left := tr.Stats().BackoffLeft
		if left < prev {
			t.Fatalf("backoff shrank from %v to %v at block %d", prev, left, i+1)
		}
		if left > time.Hour {
			t.Fatalf("backoff %v exceeds 1h cap", left)
		}
		prev = left
	}
}
