package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"wabot/internal/services/broadcast"
	"wabot/internal/services/quota"
	"wabot/internal/services/scheduler"
	"wabot/internal/storage"
	kit "wabot/internal/transport"
	"wabot/internal/transport/whatsapp"
	logx "wabot/pkg/logx"
)

const metaFirstLogin = "first_login_at"

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	store storage.Store

	adapter *whatsapp.Adapter

	quota *quota.Service
	bcast *broadcast.Service
	sched *scheduler.Service

	cmdm *CommandManager
	pm   *PluginManager

	serv *Services

	// updates is filled by the adapter; routed is what the dispatcher
	// consumes after the registry pump has seen each message.
	updates chan kit.Update
	routed  chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "whatsapp"))

	ad := whatsapp.New(whatsapp.Config{
		SessionPath: cfg.WhatsApp.SessionPath,
	}, bootLog)

	// Logging service mapping
	// logx.New() calls Apply() immediately. If report logging is enabled but
	// the target chat isn't configured yet, Apply() would warn. Bootstrap with
	// report disabled, set the target, then Apply() the final config.
	baseLogCfg := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Report: logx.ReportConfig{
			Enabled:    false, // set target first, then enable via Apply()
			MinLevel:   cfg.Logging.Report.MinLevel,
			RatePerSec: cfg.Logging.Report.RatePerSec,
		},
	}
	logSvc, log := logx.New(baseLogCfg, ad)
	log = log.With(logx.String("comp", "app"))

	if jid := strings.TrimSpace(cfg.WhatsApp.ReportChat); jid != "" {
		logSvc.SetReportTarget(jid)
	}

	finalLogCfg := baseLogCfg
	finalLogCfg.Report.Enabled = cfg.Logging.Report.Enabled
	logSvc.Apply(finalLogCfg)

	// Storage
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	quotaSvc := quota.New(quota.Config{
		FreeDailyLimit:    cfg.Quota.FreeDailyLimit,
		PremiumDailyLimit: cfg.Quota.PremiumDailyLimit,
	}, store, log)

	bcCfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	bcastSvc := broadcast.New(bcCfg, ad, ad, log)

	schedSvc, err := scheduler.New(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		adapter: ad,
		quota:   quotaSvc,
		bcast:   bcastSvc,
		sched:   schedSvc,
		updates: make(chan kit.Update, 256),
		routed:  make(chan kit.Update, 256),
	}

	serv := &Services{
		Scheduler:      schedSvc,
		Quota:          quotaSvc,
		Broadcast:      bcastSvc,
		Store:          store,
		AccountAgeDays: a.accountAgeDays,
	}
	a.serv = serv

	a.cmdm = NewCommandManager(log.With(logx.String("comp", "commands")),
		ad, cfgm, serv, cfg.WhatsApp.OwnerJIDs)

	a.pm = NewPluginManager(log.With(logx.String("comp", "plugins")),
		cfgm, PluginDeps{
			Logger:    log,
			Adapter:   ad,
			Config:    cfgm,
			Services:  serv,
			Store:     store,
			OwnerJIDs: cfg.WhatsApp.OwnerJIDs,
		}, a.cmdm)

	return a, nil
}

func (a *App) Plugins() *PluginManager { return a.pm }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	if a.serv != nil {
		a.serv.AppSupervisor = a.sup
	}

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *Config) error {
		if strings.TrimSpace(cfg.WhatsApp.SessionPath) == "" {
			return fmt.Errorf("whatsapp.session_path required")
		}
		if cfg.Quota.FreeDailyLimit < 0 || cfg.Quota.PremiumDailyLimit < 0 {
			return fmt.Errorf("quota limits must be >= 0")
		}
		if at := strings.TrimSpace(cfg.Quota.ResetAt); at != "" {
			if _, err := time.Parse("15:04", at); err != nil {
				return fmt.Errorf("quota.reset_at: invalid %q (use HH:MM)", at)
			}
		}
		if cfg.Broadcast.ProgressEvery < 0 {
			return fmt.Errorf("broadcast.progress_every must be >= 0")
		}
		if cfg.Broadcast.AccountAgeDays < 0 {
			return fmt.Errorf("broadcast.account_age_days must be >= 0")
		}
		if _, err := mapBroadcastConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
			}
		}
		if a.pm != nil {
			return a.pm.ValidateConfig(c, cfg)
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	if err := a.markFirstLogin(a.sup.Context()); err != nil {
		a.log.Warn("first-login marker not persisted", logx.Err(err))
	}

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	a.registerQuotaReset(a.cfgm.Get())

	if err := a.pm.StartAll(a.sup.Context()); err != nil {
		return err
	}

	// Registry pump: every inbound message refreshes the user registry
	// before the dispatcher sees it.
	a.sup.Go("updates.pump", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return nil
			case up, ok := <-a.updates:
				if !ok {
					close(a.routed)
					return nil
				}
				a.recordSender(c, up)
				select {
				case a.routed <- up:
				case <-c.Done():
					return nil
				}
			}
		}
	})

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.routed)
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs, pluginChanged := SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
					if len(pluginChanged) > 0 {
						a.log.Debug("plugin config changes detected", logx.Any("plugins", pluginChanged))
					}
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				lastApplied = newCfg

				a.applyReload(c, sections, newCfg)

				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyReload(ctx context.Context, sections []string, cfg *Config) {
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	// update log target first (so Apply() doesn't warn when report logging is enabled)
	a.logs.SetReportTarget(strings.TrimSpace(cfg.WhatsApp.ReportChat))
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Report: logx.ReportConfig{
			Enabled:    cfg.Logging.Report.Enabled,
			MinLevel:   cfg.Logging.Report.MinLevel,
			RatePerSec: cfg.Logging.Report.RatePerSec,
		},
	})

	// Owner list for AccessOwnerOnly checks and plugin deps.
	a.cmdm.SetOwners(cfg.WhatsApp.OwnerJIDs)
	a.pm.SetOwnerJIDs(cfg.WhatsApp.OwnerJIDs)

	a.quota.Apply(quota.Config{
		FreeDailyLimit:    cfg.Quota.FreeDailyLimit,
		PremiumDailyLimit: cfg.Quota.PremiumDailyLimit,
	})
	a.registerQuotaReset(cfg)

	if bcCfg, err := mapBroadcastConfig(cfg); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.bcast.Apply(bcCfg)
	}

	// apply plugin enable/disable + per-plugin config
	a.pm.OnConfigUpdate(ctx, cfg)
}

// registerQuotaReset (re-)installs the daily reset trigger. AddDaily
// replaces jobs by name, so re-registering on reload is safe.
func (a *App) registerQuotaReset(cfg *Config) {
	at := strings.TrimSpace(cfg.Quota.ResetAt)
	if at == "" {
		at = "00:00"
	}
	err := a.sched.AddDaily("quota.reset", at, func(c context.Context) {
		if _, err := a.quota.ResetAll(c); err != nil {
			a.log.Error("daily quota reset failed", logx.Err(err))
		}
	})
	if err != nil {
		a.log.Error("quota reset trigger not registered", logx.Err(err))
	}
}

// recordSender upserts the message sender into the user registry.
// Group chatter counts too: broadcasts draw their audience from here.
func (a *App) recordSender(ctx context.Context, up kit.Update) {
	if up.Message == nil || a.store == nil {
		return
	}
	msg := up.Message
	if msg.SenderJID == "" {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := a.store.UpsertUser(cctx, storage.User{
		JID:       msg.SenderJID,
		Name:      msg.PushName,
		Level:     storage.LevelFree,
		FirstSeen: time.Now(),
	})
	if err != nil {
		a.log.Debug("user upsert failed", logx.String("jid", msg.SenderJID), logx.Err(err))
	}
}

// markFirstLogin stores the first-login timestamp once. Account age for
// broadcast tiering derives from it.
func (a *App) markFirstLogin(ctx context.Context) error {
	v, ok, err := a.store.GetMeta(ctx, metaFirstLogin)
	if err != nil {
		return err
	}
	if ok && v != "" {
		return nil
	}
	return a.store.SetMeta(ctx, metaFirstLogin, time.Now().Format(time.RFC3339))
}

// accountAgeDays resolves the sending-account age used for broadcast
// tier selection. A configured override wins; otherwise it derives from
// the persisted first-login time (0 when unknown, the careful default).
func (a *App) accountAgeDays() int {
	if cfg := a.cfgm.Get(); cfg != nil && cfg.Broadcast.AccountAgeDays > 0 {
		return cfg.Broadcast.AccountAgeDays
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, ok, err := a.store.GetMeta(ctx, metaFirstLogin)
	if err != nil || !ok || v == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0
	}
	return int(time.Since(t).Hours() / 24)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Stop plugins first (they may depend on services). StopAll is timeout-safe per-plugin.
	step("plugins", 4*time.Second, func(c context.Context) error { a.pm.StopAll(c, reason); return nil })

	step("scheduler", 2*time.Second, func(c context.Context) error { return a.sched.Stop(c) })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, dispatcher, pump).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{}, fmt.Errorf("config is nil")
	}
	sc := storage.Config{Path: strings.TrimSpace(cfg.Storage.Path)}
	if sc.Path == "" {
		sc.Path = "./wabot.db"
	}
	bt, err := parseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	sc.BusyTimeout = bt
	return sc, nil
}

func mapBroadcastConfig(cfg *Config) (broadcast.Config, error) {
	wait, err := parseDurationOrDefault("broadcast.confirm_wait", cfg.Broadcast.ConfirmWait, 10*time.Second)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		ConfirmWait:   wait,
		ProgressEvery: cfg.Broadcast.ProgressEvery,
	}, nil
}
