package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "wabot/pkg/logx"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestUpsertUserRefreshesNameOnly(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	jid := "100@s.whatsapp.net"

	if err := st.UpsertUser(ctx, User{JID: jid, Name: "old"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if err := st.SetUserLevel(ctx, jid, LevelPremium); err != nil {
		t.Fatalf("SetUserLevel: %v", err)
	}

	// A later sighting must not reset the level.
	if err := st.UpsertUser(ctx, User{JID: jid, Name: "new", Level: LevelFree}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	u, err := st.GetUser(ctx, jid)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u == nil {
		t.Fatal("user not found")
	}
	if u.Name != "new" {
		t.Errorf("Name = %q, want %q", u.Name, "new")
	}
	if u.Level != LevelPremium {
		t.Errorf("Level = %q, want %q", u.Level, LevelPremium)
	}
}

func TestGetUserUnknownReturnsNil(t *testing.T) {
	st := newTestStore(t)
	u, err := st.GetUser(context.Background(), "nobody@s.whatsapp.net")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u != nil {
		t.Fatalf("u = %+v, want nil", u)
	}
}

func TestSetUserLevelUnknownUser(t *testing.T) {
	st := newTestStore(t)
	if err := st.SetUserLevel(context.Background(), "nobody@s.whatsapp.net", LevelAdmin); err == nil {
		t.Fatal("expected error for unknown user")
	}
}

func TestIncrementQuotaRollsDay(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	jid, feature := "200@s.whatsapp.net", "workflow"

	day1 := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	for i := 0; i < 3; i++ {
		if err := st.IncrementQuota(ctx, jid, feature, day1); err != nil {
			t.Fatalf("IncrementQuota: %v", err)
		}
	}
	rec, err := st.GetQuota(ctx, jid, feature)
	if err != nil || rec == nil {
		t.Fatalf("GetQuota: rec=%v err=%v", rec, err)
	}
	if rec.Count != 3 || rec.Day != DayOf(day1) {
		t.Fatalf("after day1: count=%d day=%s, want 3/%s", rec.Count, rec.Day, DayOf(day1))
	}

	// First increment of a new day rolls the counter instead of adding.
	if err := st.IncrementQuota(ctx, jid, feature, day2); err != nil {
		t.Fatalf("IncrementQuota: %v", err)
	}
	rec, err = st.GetQuota(ctx, jid, feature)
	if err != nil || rec == nil {
		t.Fatalf("GetQuota: rec=%v err=%v", rec, err)
	}
	if rec.Count != 1 || rec.Day != DayOf(day2) {
		t.Fatalf("after day2: count=%d day=%s, want 1/%s", rec.Count, rec.Day, DayOf(day2))
	}
}

func TestGetOrCreateQuota(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	rec, err := st.GetOrCreateQuota(ctx, "300@s.whatsapp.net", "workflow", now)
	if err != nil {
		t.Fatalf("GetOrCreateQuota: %v", err)
	}
	if rec.Count != 0 || rec.Day != DayOf(now) || rec.CustomLimit != nil {
		t.Fatalf("fresh record = %+v", rec)
	}

	if err := st.IncrementQuota(ctx, "300@s.whatsapp.net", "workflow", now); err != nil {
		t.Fatalf("IncrementQuota: %v", err)
	}
	rec, err = st.GetOrCreateQuota(ctx, "300@s.whatsapp.net", "workflow", now)
	if err != nil {
		t.Fatalf("GetOrCreateQuota: %v", err)
	}
	if rec.Count != 1 {
		t.Fatalf("Count = %d, want 1 (create must not clobber)", rec.Count)
	}
}

func TestResetKeepsCustomLimit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	jid, feature := "400@s.whatsapp.net", "workflow"
	now := time.Now()

	if err := st.SetQuotaLimit(ctx, jid, feature, 3); err != nil {
		t.Fatalf("SetQuotaLimit: %v", err)
	}
	if err := st.IncrementQuota(ctx, jid, feature, now); err != nil {
		t.Fatalf("IncrementQuota: %v", err)
	}

	n, err := st.ResetUserQuotas(ctx, jid, now)
	if err != nil {
		t.Fatalf("ResetUserQuotas: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset rows = %d, want 1", n)
	}

	rec, err := st.GetQuota(ctx, jid, feature)
	if err != nil || rec == nil {
		t.Fatalf("GetQuota: rec=%v err=%v", rec, err)
	}
	if rec.Count != 0 {
		t.Errorf("Count = %d, want 0", rec.Count)
	}
	if rec.CustomLimit == nil || *rec.CustomLimit != 3 {
		t.Errorf("CustomLimit = %v, want 3", rec.CustomLimit)
	}
}

func TestResetAllQuotas(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, jid := range []string{"a@s.whatsapp.net", "b@s.whatsapp.net"} {
		if err := st.IncrementQuota(ctx, jid, "workflow", now); err != nil {
			t.Fatalf("IncrementQuota: %v", err)
		}
	}
	n, err := st.ResetAllQuotas(ctx, now)
	if err != nil {
		t.Fatalf("ResetAllQuotas: %v", err)
	}
	if n != 2 {
		t.Fatalf("reset rows = %d, want 2", n)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, ok, err := st.GetMeta(ctx, "first_login_at")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if ok {
		t.Fatal("unexpected meta value before set")
	}

	if err := st.SetMeta(ctx, "first_login_at", "2026-08-30T00:00:00Z"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	v, ok, err := st.GetMeta(ctx, "first_login_at")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if !ok || v != "2026-08-30T00:00:00Z" {
		t.Fatalf("GetMeta = %q ok=%v", v, ok)
	}
}
