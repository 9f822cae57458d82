// Package quota enforces per-user daily usage limits on gated features.
//
// Limits resolve in order: custom per-user override, then the level
// default. Owners and admins are exempt. Counters roll over lazily when
// the stored day goes stale, and the scheduler resets them wholesale
// once a day.
package quota

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"wabot/internal/storage"
	logx "wabot/pkg/logx"
)

// Unlimited is the reported MaxUsage for exempt users.
const Unlimited = math.MaxInt

// ErrInvalidLimit rejects negative custom limits. Zero is valid and
// means "feature disabled for this user".
var ErrInvalidLimit = errors.New("quota: custom limit must be >= 0")

type Config struct {
	FreeDailyLimit    int
	PremiumDailyLimit int
}

func (c Config) withDefaults() Config {
	if c.FreeDailyLimit <= 0 {
		c.FreeDailyLimit = 10
	}
	if c.PremiumDailyLimit <= 0 {
		c.PremiumDailyLimit = 50
	}
	return c
}

// Status is the answer to "may this user run the feature again today".
type Status struct {
	Limited      bool
	CurrentUsage int
	MaxUsage     int
}

type Service struct {
	store storage.Store
	log   logx.Logger

	mu  sync.Mutex
	cfg Config

	now func() time.Time
}

func New(cfg Config, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store: store,
		log:   log.With(logx.String("comp", "quota")),
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
}

// Apply updates level defaults at runtime (config hot reload).
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Check resolves the user's current standing for a feature. It never
// mutates the counter; pair it with Increment after the work succeeds.
func (s *Service) Check(ctx context.Context, user storage.User, feature string) (Status, error) {
	now := s.now()
	rec, err := s.store.GetOrCreateQuota(ctx, user.JID, feature, now)
	if err != nil {
		return Status{}, err
	}

	usage := rec.Count
	if rec.Day != storage.DayOf(now) {
		// Stale row from a previous day; it rolls on the next increment.
		usage = 0
	}

	if user.Level == storage.LevelOwner || user.Level == storage.LevelAdmin {
		return Status{Limited: false, CurrentUsage: usage, MaxUsage: Unlimited}, nil
	}

	limit := s.limitFor(user.Level, rec.CustomLimit)
	return Status{
		Limited:      usage >= limit,
		CurrentUsage: usage,
		MaxUsage:     limit,
	}, nil
}

func (s *Service) limitFor(level storage.Level, custom *int) int {
	if custom != nil {
		return *custom
	}
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if level == storage.LevelPremium {
		return cfg.PremiumDailyLimit
	}
	return cfg.FreeDailyLimit
}

// Increment records one use. The storage layer bumps the counter in a
// single statement, so concurrent increments are never lost.
func (s *Service) Increment(ctx context.Context, jid, feature string) error {
	return s.store.IncrementQuota(ctx, jid, feature, s.now())
}

// SetCustomLimit installs a per-user override. Zero blocks the feature;
// negative values are rejected.
func (s *Service) SetCustomLimit(ctx context.Context, jid, feature string, limit int) error {
	if limit < 0 {
		return ErrInvalidLimit
	}
	if err := s.store.SetQuotaLimit(ctx, jid, feature, limit); err != nil {
		return err
	}
	s.log.Info("custom quota limit set",
		logx.String("user", jid),
		logx.String("feature", feature),
		logx.Int("limit", limit),
	)
	return nil
}

// ResetAll zeroes every counter. Called by the daily scheduler job and
// the owner command.
func (s *Service) ResetAll(ctx context.Context) (int64, error) {
	n, err := s.store.ResetAllQuotas(ctx, s.now())
	if err != nil {
		return 0, err
	}
	s.log.Info("daily quota reset", logx.Int64("records", n))
	return n, nil
}

// ResetUser zeroes all counters of a single user.
func (s *Service) ResetUser(ctx context.Context, jid string) (int64, error) {
	n, err := s.store.ResetUserQuotas(ctx, jid, s.now())
	if err != nil {
		return 0, err
	}
	s.log.Info("user quota reset", logx.String("user", jid), logx.Int64("records", n))
	return n, nil
}
