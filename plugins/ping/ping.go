// Package ping is a minimal liveness check command.
package ping

import (
	"context"
	"fmt"
	"time"

	"wabot/internal/plugin"
	kit "wabot/internal/transport"
	logx "wabot/pkg/logx"
)

type Plugin struct {
	log     logx.Logger
	started time.Time
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "ping" }

func (p *Plugin) Init(ctx context.Context, deps plugin.PluginDeps) error {
	p.log = deps.Logger.With(logx.String("plugin", p.Name()))
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.started = time.Now()
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error { return nil }

func (p *Plugin) Commands() []plugin.Command {
	return []plugin.Command{
		{
			Route:       "ping",
			Description: "check that the bot is alive",
			Usage:       "/ping",
			Access:      plugin.AccessEveryone,
			Handle: func(ctx context.Context, req *plugin.Request) error {
				up := time.Since(p.started).Round(time.Second)
				_, err := req.Adapter.SendText(ctx, req.Chat, fmt.Sprintf("pong (up %s)", up), &kit.SendOptions{DisablePreview: true})
				return err
			},
		},
	}
}
