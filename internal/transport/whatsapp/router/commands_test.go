package router

import (
	"context"
	"strings"
	"sync"
	"testing"

	kit "wabot/internal/transport"
	logx "wabot/pkg/logx"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return kit.MessageRef{ChatJID: to.JID}, nil
}

func (f *fakeAdapter) CheckRecipient(ctx context.Context, to kit.ChatTarget) (kit.RecipientInfo, error) {
	return kit.RecipientInfo{JID: to.JID, OnWhatsApp: true}, nil
}

func (f *fakeAdapter) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func msgUpdate(chat, sender, text string, group bool) kit.Update {
	return kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			ID:        "m1",
			ChatJID:   chat,
			SenderJID: sender,
			PushName:  "tester",
			Text:      text,
			IsGroup:   group,
		},
	}
}

// drainOne pops one queued job and runs it synchronously.
func drainOne(t *testing.T, m *CommandManager) {
	t.Helper()
	select {
	case job := <-m.jobs:
		job()
	default:
		t.Fatal("no job enqueued")
	}
}

func newTestManager(t *testing.T, fa *fakeAdapter, owners []string) *CommandManager {
	t.Helper()
	return NewCommandManager(logx.Nop(), fa, nil, &Services{}, owners)
}

func TestRouteMessageDispatchesCommand(t *testing.T) {
	fa := &fakeAdapter{}
	m := newTestManager(t, fa, nil)

	var gotArgs []string
	var gotFlags map[string]string
	m.SetRegistry([]Command{{
		Route: "greet",
		Handle: func(ctx context.Context, req *Request) error {
			gotArgs = req.Args
			gotFlags = req.Flags
			_, _ = req.Adapter.SendText(ctx, req.Chat, "hi "+strings.Join(req.Args, " "), nil)
			return nil
		},
	}})

	m.routeMessage(context.Background(), msgUpdate("c@s.whatsapp.net", "u@s.whatsapp.net", "/greet bob --lang id", false))
	drainOne(t, m)

	if len(gotArgs) != 1 || gotArgs[0] != "bob" {
		t.Fatalf("args = %#v, want [bob]", gotArgs)
	}
	if gotFlags["lang"] != "id" {
		t.Fatalf("flags = %#v, want lang=id", gotFlags)
	}
	if got := fa.lastSent(); got != "hi bob" {
		t.Fatalf("reply = %q, want %q", got, "hi bob")
	}
}

func TestRouteMessageSubcommandAndAutoAlias(t *testing.T) {
	fa := &fakeAdapter{}
	m := newTestManager(t, fa, nil)

	hits := 0
	m.SetRegistry([]Command{{
		Route: "quota reset",
		Handle: func(ctx context.Context, req *Request) error {
			hits++
			return nil
		},
	}})

	m.routeMessage(context.Background(), msgUpdate("c", "u", "/quota reset", false))
	drainOne(t, m)
	m.routeMessage(context.Background(), msgUpdate("c", "u", "/quota_reset", false))
	drainOne(t, m)

	if hits != 2 {
		t.Fatalf("handler hits = %d, want 2", hits)
	}
}

func TestRouteMessageOwnerGate(t *testing.T) {
	fa := &fakeAdapter{}
	m := newTestManager(t, fa, []string{"boss@s.whatsapp.net"})

	ran := false
	m.SetRegistry([]Command{{
		Route:  "admin",
		Access: AccessOwnerOnly,
		Handle: func(ctx context.Context, req *Request) error {
			ran = true
			return nil
		},
	}})

	m.routeMessage(context.Background(), msgUpdate("c", "guest@s.whatsapp.net", "/admin", false))
	if ran {
		t.Fatal("handler ran for non-owner")
	}
	if got := fa.lastSent(); got != "unauthorized" {
		t.Fatalf("reply = %q, want unauthorized", got)
	}

	m.routeMessage(context.Background(), msgUpdate("c", "boss@s.whatsapp.net", "/admin", false))
	drainOne(t, m)
	if !ran {
		t.Fatal("handler did not run for owner")
	}
}

func TestRouteMessageUnknownCommand(t *testing.T) {
	fa := &fakeAdapter{}
	m := newTestManager(t, fa, nil)
	m.SetRegistry(nil)

	// Groups stay silent.
	m.routeMessage(context.Background(), msgUpdate("g", "u", "/nope", true))
	if got := fa.lastSent(); got != "" {
		t.Fatalf("group reply = %q, want silence", got)
	}

	// Direct chats get a hint.
	m.routeMessage(context.Background(), msgUpdate("c", "u", "/nope", false))
	if got := fa.lastSent(); !strings.Contains(got, "unknown command") {
		t.Fatalf("reply = %q, want unknown command hint", got)
	}
}

func TestRouteMessageIgnoresPlainText(t *testing.T) {
	fa := &fakeAdapter{}
	m := newTestManager(t, fa, nil)
	m.SetRegistry([]Command{{
		Route:  "x",
		Handle: func(ctx context.Context, req *Request) error { return nil },
	}})

	m.routeMessage(context.Background(), msgUpdate("c", "u", "hello there", false))
	select {
	case <-m.jobs:
		t.Fatal("plain text should not enqueue a command")
	default:
	}
}

func TestHelpTopOrdersOwnerCommandsLast(t *testing.T) {
	fa := &fakeAdapter{}
	m := newTestManager(t, fa, nil)
	m.SetRegistry([]Command{
		{Route: "zeta", Description: "open to all", Handle: func(ctx context.Context, req *Request) error { return nil }},
		{Route: "admin", Description: "owners only", Access: AccessOwnerOnly, Handle: func(ctx context.Context, req *Request) error { return nil }},
	})

	text := m.helpText(nil, "/")
	zi := strings.Index(text, "/zeta")
	ai := strings.Index(text, "[owner] /admin")
	if zi < 0 || ai < 0 {
		t.Fatalf("help missing entries:\n%s", text)
	}
	if zi > ai {
		t.Fatalf("owner command listed before public one:\n%s", text)
	}
}

func TestHelpNodeShowsUsageAndAliases(t *testing.T) {
	fa := &fakeAdapter{}
	m := newTestManager(t, fa, nil)
	m.SetRegistry([]Command{{
		Route:   "broadcast",
		Aliases: []string{"bc"},
		Usage:   "/broadcast <text>",
		Handle:  func(ctx context.Context, req *Request) error { return nil },
	}})

	text := m.helpText([]string{"broadcast"}, "/")
	if !strings.Contains(text, "Usage: /broadcast <text>") {
		t.Fatalf("help missing usage:\n%s", text)
	}
	if !strings.Contains(text, "Aliases: /bc") {
		t.Fatalf("help missing aliases:\n%s", text)
	}
}
