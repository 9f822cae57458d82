package quota

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"wabot/internal/storage"
	logx "wabot/pkg/logx"
)

func newTestService(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "quota.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(Config{}, st, logx.Nop()), st
}

func TestCheckFreeUserDefaultLimit(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	user := storage.User{JID: "100@s.whatsapp.net", Level: storage.LevelFree}

	for i := 0; i < 10; i++ {
		st, err := svc.Check(ctx, user, "workflow")
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if st.Limited {
			t.Fatalf("limited after %d uses, want limit at 10", i)
		}
		if st.MaxUsage != 10 {
			t.Fatalf("MaxUsage = %d, want 10", st.MaxUsage)
		}
		if err := svc.Increment(ctx, user.JID, "workflow"); err != nil {
			t.Fatalf("Increment: %v", err)
		}
	}

	st, err := svc.Check(ctx, user, "workflow")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !st.Limited || st.CurrentUsage != 10 {
		t.Fatalf("got %+v, want limited at usage 10", st)
	}
}

func TestCheckOwnerAndAdminUnlimited(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	for _, lvl := range []storage.Level{storage.LevelOwner, storage.LevelAdmin} {
		user := storage.User{JID: string(lvl) + "@s.whatsapp.net", Level: lvl}
		for i := 0; i < 25; i++ {
			if err := svc.Increment(ctx, user.JID, "workflow"); err != nil {
				t.Fatalf("Increment: %v", err)
			}
		}
		st, err := svc.Check(ctx, user, "workflow")
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if st.Limited {
			t.Fatalf("%s limited, want unlimited", lvl)
		}
		if st.MaxUsage != Unlimited {
			t.Fatalf("%s MaxUsage = %d, want Unlimited", lvl, st.MaxUsage)
		}
		if st.CurrentUsage != 25 {
			t.Fatalf("%s CurrentUsage = %d, want 25 (usage still tracked)", lvl, st.CurrentUsage)
		}
	}
}

func TestCustomLimitOverridesDefault(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	user := storage.User{JID: "200@s.whatsapp.net", Level: storage.LevelFree}

	// Zero is a valid override: the feature is off for this user even
	// though the free default would allow 10.
	if err := svc.SetCustomLimit(ctx, user.JID, "workflow", 0); err != nil {
		t.Fatalf("SetCustomLimit: %v", err)
	}
	st, err := svc.Check(ctx, user, "workflow")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !st.Limited || st.MaxUsage != 0 {
		t.Fatalf("got %+v, want limited with MaxUsage 0", st)
	}

	if err := svc.SetCustomLimit(ctx, user.JID, "workflow", 100); err != nil {
		t.Fatalf("SetCustomLimit: %v", err)
	}
	st, err = svc.Check(ctx, user, "workflow")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if st.Limited || st.MaxUsage != 100 {
		t.Fatalf("got %+v, want MaxUsage 100", st)
	}
}

func TestSetCustomLimitRejectsNegative(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	if err := svc.SetCustomLimit(ctx, "300@s.whatsapp.net", "workflow", -1); err != ErrInvalidLimit {
		t.Fatalf("err = %v, want ErrInvalidLimit", err)
	}
}

func TestStaleDayCountsAsZero(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	user := storage.User{JID: "400@s.whatsapp.net", Level: storage.LevelFree}

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	for i := 0; i < 10; i++ {
		if err := svc.Increment(ctx, user.JID, "workflow"); err != nil {
			t.Fatalf("Increment: %v", err)
		}
	}

	// Next day: the stored row is stale and must read as zero usage.
	svc.now = func() time.Time { return base.Add(24 * time.Hour) }
	st, err := svc.Check(ctx, user, "workflow")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if st.Limited || st.CurrentUsage != 0 {
		t.Fatalf("got %+v, want fresh day with zero usage", st)
	}

	// And the first increment of the new day rolls the row to 1.
	if err := svc.Increment(ctx, user.JID, "workflow"); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	st, err = svc.Check(ctx, user, "workflow")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if st.CurrentUsage != 1 {
		t.Fatalf("CurrentUsage = %d, want 1 after day roll", st.CurrentUsage)
	}
}

func TestResetAllAndResetUser(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	users := []string{"a@s.whatsapp.net", "b@s.whatsapp.net", "c@s.whatsapp.net"}
	for _, jid := range users {
		for i := 0; i < 3; i++ {
			if err := svc.Increment(ctx, jid, "workflow"); err != nil {
				t.Fatalf("Increment: %v", err)
			}
		}
	}

	n, err := svc.ResetUser(ctx, users[0])
	if err != nil {
		t.Fatalf("ResetUser: %v", err)
	}
	if n != 1 {
		t.Fatalf("ResetUser affected %d records, want 1", n)
	}
	st, err := svc.Check(ctx, storage.User{JID: users[1], Level: storage.LevelFree}, "workflow")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if st.CurrentUsage != 3 {
		t.Fatalf("other user's usage = %d, want untouched 3", st.CurrentUsage)
	}

	n, err = svc.ResetAll(ctx)
	if err != nil {
		t.Fatalf("ResetAll: %v", err)
	}
	if n != int64(len(users)) {
		t.Fatalf("ResetAll affected %d records, want %d", n, len(users))
	}
	for _, jid := range users {
		st, err := svc.Check(ctx, storage.User{JID: jid, Level: storage.LevelFree}, "workflow")
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if st.CurrentUsage != 0 {
			t.Fatalf("%s usage = %d after ResetAll, want 0", jid, st.CurrentUsage)
		}
	}
}
