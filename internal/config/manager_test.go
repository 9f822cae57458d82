package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadStrictJSON(t *testing.T) {
	t.Parallel()
	path := writeConfigFile(t, "config.json", `{
		"whatsapp": {"session_path": "session.db", "owner_jids": ["62811@s.whatsapp.net"]},
		"logging": {"level": "info", "console": true},
		"storage": {"path": "wabot.db"},
		"scheduler": {"enabled": true},
		"quota": {"free_daily_limit": 10},
		"broadcast": {"confirm_wait": "5s"},
		"plugins": {"ping": {"enabled": true}}
	}`)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WhatsApp.SessionPath != "session.db" || len(cfg.WhatsApp.OwnerJIDs) != 1 {
		t.Fatalf("whatsapp section = %+v", cfg.WhatsApp)
	}
	if cfg.Broadcast.ConfirmWait != "5s" {
		t.Fatalf("broadcast.confirm_wait = %q", cfg.Broadcast.ConfirmWait)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get must return the committed snapshot")
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown field", "config.json", `{"whatsapp": {}, "typo_section": {}}`},
		{"trailing data", "config.json", `{"whatsapp": {}} {"again": true}`},
		{"unknown plugin key", "config.json", `{"plugins": {"ping": {"enabled": true, "legacy": 1}}}`},
		{"yaml unknown field", "config.yaml", "whatsapp:\n  session_path: s.db\ntypo_section:\n  x: 1\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewConfigManager(writeConfigFile(t, tt.file, tt.content))
			if _, err := m.Load(); err == nil {
				t.Fatal("Load accepted malformed config")
			}
		})
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfigFile(t, "config.yaml", `
whatsapp:
  session_path: session.db
  owner_jids:
    - 62811@s.whatsapp.net
logging:
  level: debug
  console: true
storage:
  path: wabot.db
broadcast:
  confirm_wait: 7s
  progress_every: 5
`)

	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging.level = %q", cfg.Logging.Level)
	}
	if cfg.Broadcast.ProgressEvery != 5 {
		t.Fatalf("broadcast.progress_every = %d", cfg.Broadcast.ProgressEvery)
	}
}

func TestPublishKeepsNewestForSlowSubscriber(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	older := &Config{}
	newer := &Config{Quota: QuotaConfig{FreeDailyLimit: 99}}
	m.publish(older)
	m.publish(newer)

	got := <-ch
	if got != newer {
		t.Fatal("full buffer must drop the oldest snapshot, not the newest")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"empty means unset", "", 0, false},
		{"whitespace means unset", "  ", 0, false},
		{"plain", "90s", 90 * time.Second, false},
		{"negative rejected", "-1s", 0, true},
		{"garbage rejected", "soon", 0, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDurationField("broadcast.confirm_wait", tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}

	if d, err := ParseDurationOrDefault("x", "", 10*time.Second); err != nil || d != 10*time.Second {
		t.Fatalf("default case: d=%v err=%v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "3s", 10*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("explicit case: d=%v err=%v", d, err)
	}
}
