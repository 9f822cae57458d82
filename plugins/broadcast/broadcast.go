// Package broadcast exposes the owner-facing broadcast commands: launch a
// rate-limited bulk send to registered users and inspect the send tracker.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"wabot/internal/plugin"
	"wabot/internal/storage"
	logx "wabot/pkg/logx"
)

type Config struct {
	// MaxRecipients caps the audience per run. Zero means no cap.
	MaxRecipients int `json:"max_recipients"`
}

type Plugin struct {
	plugin.PluginBase
	cfg Config
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "broadcast" }

func (p *Plugin) Init(ctx context.Context, deps plugin.PluginDeps) error {
	p.InitBase(deps, p.Name())
	return nil
}

func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	c, err := plugin.DecodePluginConfig[Config](raw)
	if err != nil {
		return err
	}
	if c.MaxRecipients < 0 {
		return errors.New("max_recipients must be >= 0")
	}
	p.cfg = c
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
			Route:       "broadcast",
			Aliases:     []string{"bc"},
			Description: "send a message to registered users",
			Usage:       "/broadcast [--level all|free|premium|admin] [--age <days>] <text>",
			Access:      plugin.AccessOwnerOnly,
			Handle:      p.handleBroadcast,
		},
		{
			Route:       "broadcast stats",
			Description: "show send budget and block state",
			Access:      plugin.AccessOwnerOnly,
			Handle:      p.handleStats,
		},
	}
}

func (p *Plugin) handleBroadcast(ctx context.Context, req *plugin.Request) error {
	text := strings.TrimSpace(strings.Join(req.Args, " "))
	if text == "" {
		return p.Reply(req, "usage: /broadcast [--level all|free|premium|admin] [--age <days>] <text>")
	}

	filter, ok := storage.ParseLevelFilter(req.Flags["level"])
	if !ok {
		return p.Reply(req, "unknown level filter: "+req.Flags["level"])
	}

	age := 0
	if req.Services.AccountAgeDays != nil {
		age = req.Services.AccountAgeDays()
	}
	if raw, ok := req.Flags["age"]; ok {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return p.Reply(req, "--age expects a non-negative day count")
		}
		age = v
	}

	recipients, err := p.buildAudience(ctx, req, filter)
	if err != nil {
		p.Log.Error("audience build failed", logx.Err(err))
		return p.Reply(req, "could not load the user registry, try again")
	}
	if len(recipients) == 0 {
		return p.Reply(req, "no recipients match filter "+string(filter))
	}
	capped := false
	if p.cfg.MaxRecipients > 0 && len(recipients) > p.cfg.MaxRecipients {
		recipients = recipients[:p.cfg.MaxRecipients]
		capped = true
	}

	job := plugin.BroadcastJob{
		Text:           text,
		Recipients:     recipients,
		AccountAgeDays: age,
		Progress: func(line string) {
			_ = p.Reply(req, line)
		},
	}

	note := fmt.Sprintf("broadcast queued: %d recipients, filter %s, account age %dd", len(recipients), filter, age)
	if capped {
		note += fmt.Sprintf(" (capped at %d)", p.cfg.MaxRecipients)
	}
	if err := p.Reply(req, note); err != nil {
		return err
	}

	// Runs can take minutes; hand off to the plugin runner so the command
	// worker frees up immediately.
	p.Runner.Go0("run", func(c context.Context) {
		summary, err := req.Services.Broadcast.Run(c, job)
		if err != nil {
			_ = p.Reply(req, runErrorText(err))
			return
		}
		_ = p.Reply(req, summaryText(summary))
	})
	return nil
}

func (p *Plugin) handleStats(ctx context.Context, req *plugin.Request) error {
	st := req.Services.Broadcast.Stats()
	lines := []string{
		"broadcast tracker",
		fmt.Sprintf("sent this hour: %d (%d left)", st.SentThisHour, st.HourRemain),
		fmt.Sprintf("sent today: %d (%d left)", st.SentToday, st.DayRemain),
		fmt.Sprintf("failed sends: %d", st.FailedCount),
		fmt.Sprintf("blocks seen: %d", st.BlockedCount),
	}
	if st.InBackoff {
		lines = append(lines, "in backoff: "+st.BackoffLeft.Round(time.Second).String()+" left")
	}
	return p.Reply(req, strings.Join(lines, "\n"))
}

// buildAudience maps the user registry onto broadcast recipients. The
// invoking owner is excluded so a run never messages its own trigger chat.
func (p *Plugin) buildAudience(ctx context.Context, req *plugin.Request, filter storage.LevelFilter) ([]plugin.BroadcastRecipient, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	users, err := req.Services.Store.ListUsers(cctx)
	if err != nil {
		return nil, err
	}
	out := make([]plugin.BroadcastRecipient, 0, len(users))
	for _, u := range users {
		if u.JID == req.FromJID {
			continue
		}
		if !filter.Matches(u.Level) {
			continue
		}
		out = append(out, plugin.BroadcastRecipient{JID: u.JID, Name: u.Name})
	}
	return out, nil
}

func runErrorText(err error) string {
	switch {
	case errors.Is(err, plugin.ErrBroadcastBusy):
		return "a broadcast is already running, wait for it to finish"
	case errors.Is(err, plugin.ErrBroadcastBackoff):
		return "account is in backoff after recent blocks, try later"
	case errors.Is(err, plugin.ErrBroadcastSpam):
		return "message rejected: it reads like spam (links, phone numbers or promo wording)"
	case errors.Is(err, plugin.ErrBroadcastNoRecipients):
		return "no recipients to send to"
	default:
		return "broadcast failed: " + err.Error()
	}
}

func summaryText(s *plugin.BroadcastSummary) string {
	if s == nil {
		return "broadcast finished"
	}
	head := "broadcast completed"
	if s.State == plugin.BroadcastStateAborted {
		head = "broadcast ABORTED (too many blocks)"
	}
	lines := []string{
		head,
		fmt.Sprintf("verdict: %s", s.Verdict),
		fmt.Sprintf("sent %d/%d, failed %d, blocked %d, skipped %d", s.Sent, s.Total, s.Failed, s.Blocked, s.Skipped),
		fmt.Sprintf("elapsed %s (%.1f msg/min)", s.Elapsed.Round(time.Second), s.PerMinute),
	}
	if n := len(s.BlockedRecipients); n > 0 {
		lines = append(lines, "blocked by: "+strings.Join(sample(s.BlockedRecipients, 5), ", "))
	}
	if n := len(s.FailedRecipients); n > 0 {
		lines = append(lines, "failed: "+strings.Join(sample(s.FailedRecipients, 5), ", "))
	}
	return strings.Join(lines, "\n")
}

func sample(items []string, max int) []string {
	if len(items) <= max {
		return items
	}
	out := append([]string(nil), items[:max]...)
	out = append(out, fmt.Sprintf("and %d more", len(items)-max))
	return out
}
