package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"wabot/internal/transport"
	logx "wabot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (f *fakeSender) SendText(_ context.Context, to transport.ChatTarget, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, to.JID)
	if err := f.errs[to.JID]; err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatJID: to.JID, MessageID: "m1"}, nil
}

type fakeChecker struct {
	reject map[string]string
}

func (f *fakeChecker) ValidateRecipient(_ context.Context, jid string) (bool, string, error) {
	if reason, bad := f.reject[jid]; bad {
		return false, reason, nil
	}
	return true, "", nil
}

// newRunHarness wires a service to a fake clock: sleeps advance the
// clock instead of blocking, and jitter is pinned to exactly the base
// delay so the tracker's pacing gate lines up.
func newRunHarness(sender *fakeSender, checker *fakeChecker) (*Service, *fakeClock) {
	clock := newFakeClock()
	svc := New(Config{ConfirmWait: 5 * time.Second, ProgressEvery: 10}, sender, checker, logx.Nop())
	svc.tracker = &Tracker{limits: tierLimits[TierNew], now: clock.Now}
	svc.tracker.st.HourStart = clock.Now()
	svc.tracker.st.DayStart = clock.Now()
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		clock.Advance(d)
		return ctx.Err()
	}
	svc.randFloat = func() float64 { return 0.5 }
	return svc, clock
}

func mkRecipients(n int) []Recipient {
	out := make([]Recipient, n)
	for i := range out {
		out[i] = Recipient{JID: fmt.Sprintf("r%02d@s.whatsapp.net", i), Name: fmt.Sprintf("user%02d", i)}
	}
	return out
}

func TestRunHappyPath(t *testing.T) {
	sender := &fakeSender{}
	svc, _ := newRunHarness(sender, &fakeChecker{})

	var lines []string
	job := Job{
		Text:           "rapat pindah ke ruang B",
		Recipients:     mkRecipients(12),
		AccountAgeDays: 3,
		Progress:       func(s string) { lines = append(lines, s) },
	}

	sum, err := svc.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.State != StateCompleted || sum.Verdict != VerdictSafe {
		t.Fatalf("state=%s verdict=%s, want completed/safe", sum.State, sum.Verdict)
	}
	if sum.Sent != 12 || sum.Failed != 0 || sum.Blocked != 0 || sum.Skipped != 0 {
		t.Fatalf("unexpected counts: %+v", sum)
	}
	if sum.Tier != TierNew {
		t.Fatalf("tier = %s, want new", sum.Tier)
	}
	if len(sender.calls) != 12 {
		t.Fatalf("sender called %d times, want 12", len(sender.calls))
	}
	for i, jid := range sender.calls {
		if jid != job.Recipients[i].JID {
			t.Fatalf("send order broken at %d: %s", i, jid)
		}
	}
	if len(lines) < 3 {
		t.Fatalf("want preview, progress and summary lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "12 recipients in 3 batches") {
		t.Fatalf("preview = %q", lines[0])
	}
	if !strings.Contains(lines[len(lines)-1], "Broadcast completed") {
		t.Fatalf("summary = %q", lines[len(lines)-1])
	}
}

func TestRunRejectsEmptyAudience(t *testing.T) {
	svc, _ := newRunHarness(&fakeSender{}, &fakeChecker{})
	if _, err := svc.Run(context.Background(), Job{Text: "hi all"}); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("err = %v, want ErrNoRecipients", err)
	}
}

func TestRunRejectsEmptyMessage(t *testing.T) {
	sender := &fakeSender{}
	svc, _ := newRunHarness(sender, &fakeChecker{})

	for _, text := range []string{"", "   \n\t"} {
		if _, err := svc.Run(context.Background(), Job{Text: text, Recipients: mkRecipients(2)}); !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("Run(%q) err = %v, want ErrEmptyMessage", text, err)
		}
	}
	if len(sender.calls) != 0 {
		t.Fatal("empty message must be rejected before any send")
	}
}

func TestRunRateLimitedSendIsTransient(t *testing.T) {
	rs := mkRecipients(2)
	sender := &fakeSender{errs: map[string]error{
		rs[0].JID: fmt.Errorf("%w: 429", transport.ErrRateLimited),
	}}
	svc, _ := newRunHarness(sender, &fakeChecker{})

	sum, err := svc.Run(context.Background(), Job{Text: "info jadwal baru", Recipients: rs})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.State != StateCompleted {
		t.Fatalf("state = %s, want completed", sum.State)
	}
	// Throttling is not a per-recipient outcome: nothing lands in the
	// failed bucket, only the tracker's failure tally moves.
	if sum.Failed != 0 || len(sum.FailedRecipients) != 0 {
		t.Fatalf("Failed = %d (recipients %v), want 0", sum.Failed, sum.FailedRecipients)
	}
	if sum.Sent != 1 {
		t.Fatalf("Sent = %d, want 1", sum.Sent)
	}
	if st := svc.Stats(); st.FailedCount != 1 {
		t.Fatalf("tracker FailedCount = %d, want 1", st.FailedCount)
	}
	if svc.Stats().InBackoff {
		t.Fatal("rate-limited send must not raise block backoff")
	}
}

func TestRunRejectsSpamContent(t *testing.T) {
	sender := &fakeSender{}
	svc, _ := newRunHarness(sender, &fakeChecker{})
	job := Job{Text: "GRATIS!!! klik WA.ME sekarang!!!", Recipients: mkRecipients(2)}

	_, err := svc.Run(context.Background(), job)
	if !errors.Is(err, ErrSpamContent) {
		t.Fatalf("err = %v, want ErrSpamContent", err)
	}
	if len(sender.calls) != 0 {
		t.Fatal("spam content must be rejected before any send")
	}
}

func TestRunBusy(t *testing.T) {
	svc, _ := newRunHarness(&fakeSender{}, &fakeChecker{})
	svc.runMu.Lock()
	defer svc.runMu.Unlock()
	if _, err := svc.Run(context.Background(), Job{Text: "hi", Recipients: mkRecipients(1)}); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
}

func TestRunAbortsAfterThreeBlocks(t *testing.T) {
	rs := mkRecipients(6)
	sender := &fakeSender{errs: map[string]error{
		rs[0].JID: fmt.Errorf("%w: 403", transport.ErrRecipientBlocked),
		rs[1].JID: fmt.Errorf("%w: 403", transport.ErrRecipientBlocked),
		rs[2].JID: transport.ErrSpamFlagged,
	}}
	svc, _ := newRunHarness(sender, &fakeChecker{})

	sum, err := svc.Run(context.Background(), Job{Text: "undangan rapat warga", Recipients: rs})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.State != StateAborted || sum.Verdict != VerdictDanger {
		t.Fatalf("state=%s verdict=%s, want aborted/danger", sum.State, sum.Verdict)
	}
	if sum.Blocked != 3 {
		t.Fatalf("Blocked = %d, want 3", sum.Blocked)
	}
	if len(sender.calls) != 3 {
		t.Fatalf("sender called %d times, want abort after 3", len(sender.calls))
	}

	// The blocks left the account in backoff; a new run must refuse.
	if !svc.Stats().InBackoff {
		t.Fatal("tracker not in backoff after blocks")
	}
	if _, err := svc.Run(context.Background(), Job{Text: "try again", Recipients: rs}); !errors.Is(err, ErrInBackoff) {
		t.Fatalf("err = %v, want ErrInBackoff", err)
	}
}

func TestRunSkipsInvalidRecipients(t *testing.T) {
	rs := mkRecipients(3)
	checker := &fakeChecker{reject: map[string]string{rs[1].JID: "not on whatsapp"}}
	sender := &fakeSender{}
	svc, _ := newRunHarness(sender, checker)

	sum, err := svc.Run(context.Background(), Job{Text: "pengumuman singkat", Recipients: rs})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Sent != 2 || sum.Skipped != 1 {
		t.Fatalf("sent=%d skipped=%d, want 2/1", sum.Sent, sum.Skipped)
	}
	if len(sum.SkippedRecipients) != 1 || sum.SkippedRecipients[0] != rs[1].Name {
		t.Fatalf("SkippedRecipients = %v", sum.SkippedRecipients)
	}
}

func TestRunSkipsPastHourlyCap(t *testing.T) {
	sender := &fakeSender{}
	svc, _ := newRunHarness(sender, &fakeChecker{})

	sum, err := svc.Run(context.Background(), Job{Text: "info jadwal baru", Recipients: mkRecipients(20), AccountAgeDays: 3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Sent != 15 {
		t.Fatalf("Sent = %d, want the hourly cap of 15", sum.Sent)
	}
	if sum.Skipped != 5 {
		t.Fatalf("Skipped = %d, want 5", sum.Skipped)
	}
	if sum.State != StateCompleted {
		t.Fatalf("state = %s, want completed", sum.State)
	}
}

func TestJitterDelayFloor(t *testing.T) {
	svc, _ := newRunHarness(&fakeSender{}, &fakeChecker{})

	svc.randFloat = func() float64 { return 0 }
	if got := svc.jitterDelay(3 * time.Second); got != 2*time.Second {
		t.Fatalf("jitterDelay floor = %v, want 2s", got)
	}

	svc.randFloat = func() float64 { return 0.5 }
	if got := svc.jitterDelay(10 * time.Second); got != 10*time.Second {
		t.Fatalf("jitterDelay mid = %v, want 10s", got)
	}
}
