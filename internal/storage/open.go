package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "wabot/pkg/logx"
)

// Store is the persistence API used by services.
type Store interface {
	UpsertUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, jid string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	SetUserLevel(ctx context.Context, jid string, level Level) error

	GetQuota(ctx context.Context, jid, feature string) (*QuotaRecord, error)
	GetOrCreateQuota(ctx context.Context, jid, feature string, now time.Time) (QuotaRecord, error)
	IncrementQuota(ctx context.Context, jid, feature string, now time.Time) error
	SetQuotaLimit(ctx context.Context, jid, feature string, limit int) error
	ResetAllQuotas(ctx context.Context, now time.Time) (int64, error)
	ResetUserQuotas(ctx context.Context, jid string, now time.Time) (int64, error)

	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error

	Close() error
}

// Open initializes the SQLite store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
