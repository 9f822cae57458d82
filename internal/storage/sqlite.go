package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "wabot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- users ----

func (s *sqliteStore) UpsertUser(ctx context.Context, u User) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if u.FirstSeen.IsZero() {
		u.FirstSeen = time.Now()
	}
	if u.Level == "" {
		u.Level = LevelFree
	}
	// Keep the original level and first_seen; refresh the display name only.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(jid, name, level, first_seen) VALUES(?,?,?,?)
		 ON CONFLICT(jid) DO UPDATE SET name=excluded.name`,
		u.JID, nullStr(u.Name), string(u.Level), u.FirstSeen.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetUser(ctx context.Context, jid string) (*User, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		u    User
		name sql.NullString
		fs   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT jid, name, level, first_seen FROM users WHERE jid = ?`, jid,
	).Scan(&u.JID, &name, (*string)(&u.Level), &fs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Name = name.String
	u.FirstSeen, _ = time.Parse(time.RFC3339Nano, fs)
	return &u, nil
}

func (s *sqliteStore) ListUsers(ctx context.Context) ([]User, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT jid, name, level, first_seen FROM users ORDER BY first_seen`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var (
			u    User
			name sql.NullString
			fs   string
		)
		if err := rows.Scan(&u.JID, &name, (*string)(&u.Level), &fs); err != nil {
			return nil, err
		}
		u.Name = name.String
		u.FirstSeen, _ = time.Parse(time.RFC3339Nano, fs)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetUserLevel(ctx context.Context, jid string, level Level) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET level = ? WHERE jid = ?`, string(level), jid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown user %s", jid)
	}
	return nil
}

// ---- quotas ----

func (s *sqliteStore) GetQuota(ctx context.Context, jid, feature string) (*QuotaRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		r     QuotaRecord
		cl    sql.NullInt64
		reset string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_jid, feature, day, count, custom_limit, last_reset
		 FROM quotas WHERE user_jid = ? AND feature = ?`, jid, feature,
	).Scan(&r.UserJID, &r.Feature, &r.Day, &r.Count, &cl, &reset)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if cl.Valid {
		v := int(cl.Int64)
		r.CustomLimit = &v
	}
	r.LastReset, _ = time.Parse(time.RFC3339Nano, reset)
	return &r, nil
}

func (s *sqliteStore) GetOrCreateQuota(ctx context.Context, jid, feature string, now time.Time) (QuotaRecord, error) {
	if s == nil || s.db == nil {
		return QuotaRecord{}, ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO quotas(user_jid, feature, day, count, last_reset)
		 VALUES(?,?,?,0,?)`,
		jid, feature, DayOf(now), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return QuotaRecord{}, err
	}
	r, err := s.GetQuota(ctx, jid, feature)
	if err != nil {
		return QuotaRecord{}, err
	}
	if r == nil {
		return QuotaRecord{}, errors.New("quota row vanished after insert")
	}
	return *r, nil
}

// IncrementQuota bumps the daily counter in one statement so concurrent
// callers can't lose updates. A stale row (previous day) rolls to count=1.
func (s *sqliteStore) IncrementQuota(ctx context.Context, jid, feature string, now time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quotas(user_jid, feature, day, count, last_reset)
		 VALUES(?,?,?,1,?)
		 ON CONFLICT(user_jid, feature) DO UPDATE SET
		   count = CASE WHEN quotas.day = excluded.day THEN quotas.count + 1 ELSE 1 END,
		   day = excluded.day`,
		jid, feature, DayOf(now), now.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) SetQuotaLimit(ctx context.Context, jid, feature string, limit int) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quotas(user_jid, feature, day, count, custom_limit, last_reset)
		 VALUES(?,?,?,0,?,?)
		 ON CONFLICT(user_jid, feature) DO UPDATE SET custom_limit=excluded.custom_limit`,
		jid, feature, DayOf(now), limit, now.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) ResetAllQuotas(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE quotas SET count = 0, day = ?, last_reset = ?`,
		DayOf(now), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) ResetUserQuotas(ctx context.Context, jid string, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE quotas SET count = 0, day = ?, last_reset = ? WHERE user_jid = ?`,
		DayOf(now), now.Format(time.RFC3339Nano), jid,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- meta ----

func (s *sqliteStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrDisabled
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) SetMeta(ctx context.Context, key, value string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
