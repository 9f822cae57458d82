// Package usage exposes the daily-quota commands: users inspect their own
// counters, owners manage per-user limits and levels.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"wabot/internal/plugin"
	"wabot/internal/services/quota"
	"wabot/internal/storage"
	kit "wabot/internal/transport"
	logx "wabot/pkg/logx"
)

type Config struct {
	// Features listed by /usage. Defaults to the workflow feature.
	Features []string `json:"features"`
}

type Plugin struct {
	log  logx.Logger
	cfg  Config
	deps plugin.PluginDeps
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "usage" }

func (p *Plugin) Init(ctx context.Context, deps plugin.PluginDeps) error {
	p.deps = deps
	p.log = deps.Logger.With(logx.String("plugin", p.Name()))
	return nil
}

func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	c, err := plugin.DecodePluginConfig[Config](raw)
	if err != nil {
		return err
	}
	p.cfg = c
	return nil
}

func (p *Plugin) Start(ctx context.Context) error { return nil }
func (p *Plugin) Stop(ctx context.Context) error  { return nil }

func (p *Plugin) features() []string {
	if len(p.cfg.Features) > 0 {
		return p.cfg.Features
	}
	return []string{"workflow"}
}

func (p *Plugin) Commands() []plugin.Command {
	return []plugin.Command{
		{
			Route:       "usage",
			Description: "show your daily quota usage",
			Usage:       "/usage",
			Access:      plugin.AccessEveryone,
			Handle:      p.handleShow,
		},
		{
			Route:       "usage set",
			Description: "set a per-user quota limit",
			Usage:       "/usage set <jid> <feature> <limit>",
			Access:      plugin.AccessOwnerOnly,
			Handle:      p.handleSet,
		},
		{
			Route:       "usage reset",
			Description: "reset quota counters (one user, or everyone)",
			Usage:       "/usage reset [jid]",
			Access:      plugin.AccessOwnerOnly,
			Handle:      p.handleReset,
		},
		{
			Route:       "usage level",
			Description: "change a user's access level",
			Usage:       "/usage level <jid> <free|premium|admin|owner>",
			Access:      plugin.AccessOwnerOnly,
			Handle:      p.handleLevel,
		},
	}
}

func (p *Plugin) handleShow(ctx context.Context, req *plugin.Request) error {
	lines := []string{fmt.Sprintf("usage for %s (%s)", displayName(req.User), req.User.Level)}
	for _, f := range p.features() {
		st, err := req.Services.Quota.Check(ctx, req.User, f)
		if err != nil {
			p.log.Error("quota check failed", logx.String("feature", f), logx.Err(err))
			lines = append(lines, f+": unavailable")
			continue
		}
		lines = append(lines, f+": "+statusLine(st))
	}
	return p.reply(ctx, req, strings.Join(lines, "\n"))
}

func (p *Plugin) handleSet(ctx context.Context, req *plugin.Request) error {
	if len(req.Args) != 3 {
		return p.reply(ctx, req, "usage: /usage set <jid> <feature> <limit>")
	}
	limit, err := strconv.Atoi(req.Args[2])
	if err != nil {
		return p.reply(ctx, req, "limit must be a number (0 blocks the feature)")
	}
	jid, feature := req.Args[0], req.Args[1]
	if err := req.Services.Quota.SetCustomLimit(ctx, jid, feature, limit); err != nil {
		if errors.Is(err, quota.ErrInvalidLimit) {
			return p.reply(ctx, req, "limit must be >= 0")
		}
		return err
	}
	return p.reply(ctx, req, fmt.Sprintf("limit for %s on %s set to %d/day", jid, feature, limit))
}

func (p *Plugin) handleReset(ctx context.Context, req *plugin.Request) error {
	if len(req.Args) > 0 {
		jid := req.Args[0]
		n, err := req.Services.Quota.ResetUser(ctx, jid)
		if err != nil {
			return err
		}
		return p.reply(ctx, req, fmt.Sprintf("reset %d counter(s) for %s", n, jid))
	}
	n, err := req.Services.Quota.ResetAll(ctx)
	if err != nil {
		return err
	}
	return p.reply(ctx, req, fmt.Sprintf("reset %d counter(s) for all users", n))
}

func (p *Plugin) handleLevel(ctx context.Context, req *plugin.Request) error {
	if len(req.Args) != 2 {
		return p.reply(ctx, req, "usage: /usage level <jid> <free|premium|admin|owner>")
	}
	jid := req.Args[0]
	level := storage.ParseLevel(req.Args[1])
	if err := req.Services.Store.SetUserLevel(ctx, jid, level); err != nil {
		return err
	}
	p.log.Info("user level changed", logx.String("user", jid), logx.String("level", string(level)))
	return p.reply(ctx, req, fmt.Sprintf("%s is now %s", jid, level))
}

func (p *Plugin) reply(ctx context.Context, req *plugin.Request, text string) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func statusLine(st plugin.QuotaStatus) string {
	if st.MaxUsage == quota.Unlimited {
		return fmt.Sprintf("%d used (unlimited)", st.CurrentUsage)
	}
	line := fmt.Sprintf("%d/%d", st.CurrentUsage, st.MaxUsage)
	if st.Limited {
		line += " (limit reached, resets at midnight)"
	}
	return line
}

func displayName(u storage.User) string {
	if strings.TrimSpace(u.Name) != "" {
		return u.Name
	}
	return u.JID
}
