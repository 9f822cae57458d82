package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	// Scheduler controls in-app cron triggers (daily quota reset and
	// plugin-registered jobs).
	Scheduler SchedulerConfig `json:"scheduler"`

	Quota     QuotaConfig                `json:"quota"`
	Broadcast BroadcastConfig            `json:"broadcast"`
	Plugins   map[string]PluginConfigRaw `json:"plugins"`
}

type WhatsAppConfig struct {
	// SessionPath is the sqlite file holding the whatsmeow device store.
	SessionPath string `json:"session_path"`

	// CommandPrefix defaults to "/".
	CommandPrefix string `json:"command_prefix,omitempty"`

	// OwnerJIDs are full JIDs (e.g. "628123456789@s.whatsapp.net").
	OwnerJIDs []string `json:"owner_jids"`

	// ReportChat receives forwarded log lines when logging.report is enabled.
	ReportChat string `json:"report_chat,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Report  LoggingReport `json:"report"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingReport struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the persistence layer (users, quotas, meta).
//
// Example:
//
//	"storage": { "path": "./wabot.db" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Trigger timezone (IANA name). Defaults to the host local zone.
	Timezone string `json:"timezone,omitempty"`
}

// QuotaConfig sets per-level daily defaults for quota-gated features.
//
// Custom per-user overrides (set at runtime) take precedence over these.
type QuotaConfig struct {
	FreeDailyLimit    int `json:"free_daily_limit,omitempty"`    // default 10
	PremiumDailyLimit int `json:"premium_daily_limit,omitempty"` // default 50

	// ResetAt is the local wall-clock time ("HH:MM") of the daily reset.
	ResetAt string `json:"reset_at,omitempty"` // default "00:00"
}

// BroadcastConfig tunes the broadcast engine.
//
// All durations are Go duration strings (e.g. "10s", "1m").
type BroadcastConfig struct {
	// ConfirmWait is the pause between the preview and the first send.
	ConfirmWait string `json:"confirm_wait,omitempty"` // default "10s"

	// ProgressEvery emits a progress report every N recipients.
	ProgressEvery int `json:"progress_every,omitempty"` // default 10

	// AccountAgeDays overrides the sending-account age used for tier
	// selection. 0 means derive it from the persisted first-login time.
	AccountAgeDays int `json:"account_age_days,omitempty"`
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields to ensure removed legacy keys
// are caught early during config reload.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}
