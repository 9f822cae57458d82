// Package workflow triggers configured webhooks on user command. Every
// trigger consumes one unit of the sender's daily workflow quota.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"wabot/internal/plugin"
	"wabot/internal/services/quota"
	logx "wabot/pkg/logx"
)

const quotaFeature = "workflow"

type Config struct {
	// Webhooks maps workflow names to POST endpoints.
	Webhooks map[string]string `json:"webhooks"`
	// Timeout bounds one webhook call, e.g. "15s". Default 15s.
	Timeout string `json:"timeout"`
}

type Plugin struct {
	plugin.PluginBase
	cfg    Config
	client *http.Client
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "workflow" }

func (p *Plugin) Init(ctx context.Context, deps plugin.PluginDeps) error {
	p.InitBase(deps, p.Name())
	p.client = &http.Client{Timeout: 15 * time.Second}
	return nil
}

func (p *Plugin) ValidateConfig(ctx context.Context, raw json.RawMessage) error {
	c, err := plugin.DecodePluginConfig[Config](raw)
	if err != nil {
		return err
	}
	for name, url := range c.Webhooks {
		if strings.TrimSpace(name) == "" {
			return errors.New("webhook name must not be empty")
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return fmt.Errorf("webhook %q: url must be http(s)", name)
		}
	}
	if c.Timeout != "" {
		if _, err := time.ParseDuration(c.Timeout); err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
	}
	return nil
}

func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	c, err := plugin.DecodePluginConfig[Config](raw)
	if err != nil {
		return err
	}
	timeout := 15 * time.Second
	if c.Timeout != "" {
		d, err := time.ParseDuration(c.Timeout)
		if err != nil {
			return err
		}
		timeout = d
	}
	p.cfg = c
	p.client = &http.Client{Timeout: timeout}
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }

func (p *Plugin) Commands() []plugin.Command {
	return []plugin.Command{
		{
			Route:       "workflow",
			Aliases:     []string{"wf"},
			Description: "trigger a configured workflow webhook",
			Usage:       "/workflow <name> [payload...]",
			Access:      plugin.AccessEveryone,
			Timeout:     30 * time.Second,
			Handle:      p.handleRun,
		},
		{
			Route:       "workflow list",
			Description: "list configured workflows",
			Access:      plugin.AccessEveryone,
			Handle:      p.handleList,
		},
	}
}

func (p *Plugin) handleRun(ctx context.Context, req *plugin.Request) error {
	if len(req.Args) == 0 {
		return p.Reply(req, "usage: /workflow <name> [payload...]")
	}
	name := req.Args[0]
	url, ok := p.cfg.Webhooks[name]
	if !ok {
		return p.Reply(req, "unknown workflow "+name+". see /workflow list")
	}

	st, err := p.ConsumeQuota(ctx, req.User, quotaFeature)
	if err != nil {
		if errors.Is(err, plugin.ErrQuotaExceeded) {
			return p.Reply(req, fmt.Sprintf("daily limit reached (%d/%d). resets at midnight", st.CurrentUsage, st.MaxUsage))
		}
		return err
	}

	body, err := json.Marshal(map[string]string{
		"user":    req.User.JID,
		"name":    name,
		"payload": strings.Join(req.Args[1:], " "),
	})
	if err != nil {
		return err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(hreq)
	if err != nil {
		p.Log.Error("webhook call failed", logx.String("workflow", name), logx.Err(err))
		return p.Reply(req, "workflow "+name+" failed to start, try again")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.Log.Warn("webhook rejected", logx.String("workflow", name), logx.Int("status", resp.StatusCode))
		return p.Reply(req, fmt.Sprintf("workflow %s rejected (status %d)", name, resp.StatusCode))
	}

	p.Log.Info("workflow triggered", logx.String("workflow", name), logx.String("user", req.User.JID))
	return p.Reply(req, "workflow "+name+" triggered. "+remainingText(st))
}

func (p *Plugin) handleList(ctx context.Context, req *plugin.Request) error {
	if len(p.cfg.Webhooks) == 0 {
		return p.Reply(req, "no workflows configured")
	}
	names := make([]string, 0, len(p.cfg.Webhooks))
	for name := range p.cfg.Webhooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return p.Reply(req, "workflows: "+strings.Join(names, ", "))
}

// remainingText renders the quota standing after one consumed unit. The
// status reflects the state before the increment.
func remainingText(st plugin.QuotaStatus) string {
	if st.MaxUsage == quota.Unlimited {
		return "no daily limit for your level"
	}
	left := st.MaxUsage - st.CurrentUsage - 1
	if left < 0 {
		left = 0
	}
	return fmt.Sprintf("%d use(s) left today", left)
}
