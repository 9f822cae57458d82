package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wabot/internal/storage"
	kit "wabot/internal/transport"
	logx "wabot/pkg/logx"
)

// PluginBase is a small helper to make writing plugins faster and safer.
// Typical usage:
//
//	type Plugin struct { plugin.PluginBase }
//	func (p *Plugin) Init(ctx context.Context, deps plugin.PluginDeps) error { p.InitBase(deps, p.Name()); return nil }
//	func (p *Plugin) Start(ctx context.Context) error { p.StartBase(ctx); p.Runner.Go(...); return nil }
//	func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }
type PluginBase struct {
	Log        logx.Logger
	Deps       PluginDeps
	Runner     *Supervisor
	pluginName string

	ctx context.Context
}

// InitBase wires deps + logger.
func (b *PluginBase) InitBase(deps PluginDeps, pluginName string) {
	b.Deps = deps
	b.pluginName = pluginName
	if !deps.Logger.IsZero() {
		b.Log = deps.Logger.With(logx.String("plugin", pluginName))
	} else {
		b.Log = logx.Nop().With(logx.String("plugin", pluginName))
	}
}

// StartBase creates a per-plugin supervisor tied to ctx.
func (b *PluginBase) StartBase(ctx context.Context) {
	b.ctx = ctx
	b.Runner = NewSupervisor(ctx, WithLogger(b.Log), WithCancelOnError(false))
}

// StopBase cancels runner + waits bounded by ctx.
func (b *PluginBase) StopBase(ctx context.Context) error {
	if b.Runner == nil {
		return nil
	}
	b.Runner.Cancel()
	err := b.Runner.Wait(ctx)
	b.Runner = nil
	return err
}

// Context returns the plugin runtime context (canceled on stop/disable).
func (b *PluginBase) Context() context.Context { return b.ctx }

// Scheduler helpers (namespaced by plugin).

func (b *PluginBase) Every(name, spec string, job func(ctx context.Context)) error {
	if b.Deps.Services == nil || b.Deps.Services.Scheduler == nil {
		return errors.New("scheduler not available")
	}
	return b.Deps.Services.Scheduler.AddJob(b.ns(name), spec, job)
}

func (b *PluginBase) Daily(name, at string, job func(ctx context.Context)) error {
	if b.Deps.Services == nil || b.Deps.Services.Scheduler == nil {
		return errors.New("scheduler not available")
	}
	return b.Deps.Services.Scheduler.AddDaily(b.ns(name), at, job)
}

func (b *PluginBase) Unschedule(name string) {
	if b.Deps.Services == nil || b.Deps.Services.Scheduler == nil {
		return
	}
	b.Deps.Services.Scheduler.Remove(b.ns(name))
}

func (b *PluginBase) ns(name string) string {
	if b.pluginName == "" {
		return name
	}
	if name == "" {
		return b.pluginName
	}
	return b.pluginName + ":" + name
}

// Quota helpers.

// ErrQuotaExceeded is returned by ConsumeQuota when the user is over
// their daily limit for the feature.
var ErrQuotaExceeded = errors.New("daily quota exceeded")

// ConsumeQuota checks the user's standing for a feature and, when
// allowed, records one use. The returned status reflects the state
// BEFORE the increment.
func (b *PluginBase) ConsumeQuota(ctx context.Context, user storage.User, feature string) (QuotaStatus, error) {
	if b.Deps.Services == nil || b.Deps.Services.Quota == nil {
		return QuotaStatus{}, errors.New("quota not available")
	}
	q := b.Deps.Services.Quota
	st, err := q.Check(ctx, user, feature)
	if err != nil {
		return st, err
	}
	if st.Limited {
		return st, fmt.Errorf("%w (%d/%d)", ErrQuotaExceeded, st.CurrentUsage, st.MaxUsage)
	}
	if err := q.Increment(ctx, user.JID, feature); err != nil {
		return st, err
	}
	return st, nil
}

// Reply sends a text message back to the request chat with a bounded timeout.
func (b *PluginBase) Reply(req *Request, text string) error {
	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := req.Adapter.SendText(cctx, req.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// DecodePluginConfig decodes per-plugin raw json into a typed config struct.
func DecodePluginConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
