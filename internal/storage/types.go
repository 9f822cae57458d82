package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Level is a user's access level. Owners and admins are exempt from
// daily quotas; custom per-user limits override the level default.
type Level string

const (
	LevelFree    Level = "free"
	LevelPremium Level = "premium"
	LevelAdmin   Level = "admin"
	LevelOwner   Level = "owner"
)

// ParseLevel normalizes a level string, defaulting to free.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelPremium, LevelAdmin, LevelOwner:
		return Level(s)
	default:
		return LevelFree
	}
}

// LevelFilter selects users by level for audience building.
type LevelFilter string

const (
	FilterAll     LevelFilter = "all"
	FilterFree    LevelFilter = "free"
	FilterPremium LevelFilter = "premium"
	FilterAdmin   LevelFilter = "admin"
)

// ParseLevelFilter maps a user-supplied string onto the closed filter set.
func ParseLevelFilter(s string) (LevelFilter, bool) {
	switch LevelFilter(s) {
	case FilterAll, FilterFree, FilterPremium, FilterAdmin:
		return LevelFilter(s), true
	case "":
		return FilterAll, true
	default:
		return "", false
	}
}

// Matches reports whether a user level passes the filter.
func (f LevelFilter) Matches(l Level) bool {
	switch f {
	case FilterAll:
		return true
	case FilterFree:
		return l == LevelFree
	case FilterPremium:
		return l == LevelPremium
	case FilterAdmin:
		return l == LevelAdmin || l == LevelOwner
	default:
		return false
	}
}

// User is a registered chat user.
type User struct {
	JID       string
	Name      string
	Level     Level
	FirstSeen time.Time
}

// QuotaRecord is the daily usage counter for one (user, feature) pair.
//
// Day is the calendar day ("2006-01-02") the counter applies to. A record
// whose Day is stale counts as zero usage until the next increment rolls it.
type QuotaRecord struct {
	UserJID     string
	Feature     string
	Day         string
	Count       int
	CustomLimit *int // nil means "use level default"
	LastReset   time.Time
}

// DayOf formats t as a quota day key.
func DayOf(t time.Time) string { return t.Format("2006-01-02") }
