package config

import (
	"reflect"
	"sort"
	"strings"

	logx "wabot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging, and (3) a list of plugin names
// that changed (enable/config).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// WhatsApp
	if strings.TrimSpace(oldCfg.WhatsApp.SessionPath) != strings.TrimSpace(newCfg.WhatsApp.SessionPath) ||
		strings.TrimSpace(oldCfg.WhatsApp.CommandPrefix) != strings.TrimSpace(newCfg.WhatsApp.CommandPrefix) ||
		!reflect.DeepEqual(oldCfg.WhatsApp.OwnerJIDs, newCfg.WhatsApp.OwnerJIDs) ||
		strings.TrimSpace(oldCfg.WhatsApp.ReportChat) != strings.TrimSpace(newCfg.WhatsApp.ReportChat) {
		changed = append(changed, "whatsapp")
		attrs = append(attrs,
			logx.Int("whatsapp.owner_count", len(newCfg.WhatsApp.OwnerJIDs)),
			logx.Bool("whatsapp.report_chat_set", strings.TrimSpace(newCfg.WhatsApp.ReportChat) != ""),
		)
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) ||
		oldCfg.Logging.Report.Enabled != newCfg.Logging.Report.Enabled ||
		oldCfg.Logging.Report.MinLevel != newCfg.Logging.Report.MinLevel ||
		oldCfg.Logging.Report.RatePerSec != newCfg.Logging.Report.RatePerSec {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.report_enabled", newCfg.Logging.Report.Enabled),
		)
	}

	// Storage
	if strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Scheduler
	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	// Quota
	if oldCfg.Quota != newCfg.Quota {
		changed = append(changed, "quota")
		attrs = append(attrs,
			logx.Int("quota.free_daily_limit", newCfg.Quota.FreeDailyLimit),
			logx.Int("quota.premium_daily_limit", newCfg.Quota.PremiumDailyLimit),
			logx.String("quota.reset_at", strings.TrimSpace(newCfg.Quota.ResetAt)),
		)
	}

	// Broadcast
	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.String("broadcast.confirm_wait", strings.TrimSpace(newCfg.Broadcast.ConfirmWait)),
			logx.Int("broadcast.progress_every", newCfg.Broadcast.ProgressEvery),
			logx.Int("broadcast.account_age_days", newCfg.Broadcast.AccountAgeDays),
		)
	}

	// Plugins (summarize only; details at debug)
	pluginChanged := diffPlugins(oldCfg.Plugins, newCfg.Plugins)
	if len(pluginChanged) > 0 {
		changed = append(changed, "plugins")
		attrs = append(attrs,
			logx.Int("plugins.changed_count", len(pluginChanged)),
			logx.Int("plugins.enabled_count", countEnabled(newCfg.Plugins)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, pluginChanged
}

func countEnabled(m map[string]PluginConfigRaw) int {
	if len(m) == 0 {
		return 0
	}
	n := 0
	for _, v := range m {
		if v.Enabled {
			n++
		}
	}
	return n
}

func diffPlugins(oldM, newM map[string]PluginConfigRaw) []string {
	if oldM == nil {
		oldM = map[string]PluginConfigRaw{}
	}
	if newM == nil {
		newM = map[string]PluginConfigRaw{}
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o := oldM[name]
		n := newM[name]
		if o.Enabled != n.Enabled {
			out = append(out, name)
			continue
		}
		if canonicalHashJSON(o.Config) != canonicalHashJSON(n.Config) {
			out = append(out, name)
			continue
		}
	}
	sort.Strings(out)
	return out
}
