// Package whatsapp adapts whatsmeow to the transport.Adapter interface.
//
// All provider-specific error shapes are collapsed to the transport
// sentinels here, so nothing above this package ever matches on error
// text.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"wabot/internal/transport"
	logx "wabot/pkg/logx"
)

type Config struct {
	// SessionPath is the sqlite file backing the whatsmeow device store.
	SessionPath string
}

// serviceIndicators mark accounts that should never receive broadcasts
// (platform services, support desks, other bots).
var serviceIndicators = []string{
	"whatsapp",
	"official",
	"verified",
	"support",
	"service",
	"bot",
}

type Adapter struct {
	cfg Config
	log logx.Logger

	container *sqlstore.Container
	cli       *whatsmeow.Client

	out chan<- transport.Update
}

func New(cfg Config, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log.With(logx.String("comp", "whatsapp"))}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.out = out

	dsn := "file:" + a.cfg.SessionPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)"
	container, err := sqlstore.New(ctx, "sqlite", dsn, waLog.Noop)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	a.container = container

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("load device: %w", err)
	}

	a.cli = whatsmeow.NewClient(device, waLog.Noop)
	a.cli.AddEventHandler(a.handleEvent)

	if a.cli.Store.ID == nil {
		// Fresh session: pairing via QR printed to the log.
		qrChan, err := a.cli.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("qr channel: %w", err)
		}
		if err := a.cli.Connect(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		go func() {
			for item := range qrChan {
				switch item.Event {
				case "code":
					a.log.Info("scan QR code to pair", logx.String("code", item.Code))
				case "success":
					a.log.Info("paired")
				default:
					a.log.Warn("pairing event", logx.String("event", item.Event))
				}
			}
		}()
		return nil
	}

	if err := a.cli.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	if a.cli != nil {
		a.cli.Disconnect()
	}
	if a.container != nil {
		return a.container.Close()
	}
	return nil
}

// JID returns the logged-in account JID, or "" before pairing.
func (a *Adapter) JID() string {
	if a.cli == nil || a.cli.Store.ID == nil {
		return ""
	}
	return a.cli.Store.ID.ToNonAD().String()
}

func (a *Adapter) IsLoggedIn() bool {
	return a.cli != nil && a.cli.Store.ID != nil
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if a.cli == nil || !a.cli.IsConnected() {
		return transport.MessageRef{}, transport.ErrNotConnected
	}
	jid, err := types.ParseJID(to.JID)
	if err != nil {
		return transport.MessageRef{}, fmt.Errorf("parse jid %q: %w", to.JID, err)
	}

	msg := &waE2E.Message{Conversation: &text}
	resp, err := a.cli.SendMessage(ctx, jid, msg)
	if err != nil {
		return transport.MessageRef{}, classifySendError(err)
	}
	return transport.MessageRef{ChatJID: to.JID, MessageID: string(resp.ID)}, nil
}

func (a *Adapter) CheckRecipient(ctx context.Context, to transport.ChatTarget) (transport.RecipientInfo, error) {
	if a.cli == nil {
		return transport.RecipientInfo{}, transport.ErrNotConnected
	}
	jid, err := types.ParseJID(to.JID)
	if err != nil {
		return transport.RecipientInfo{}, fmt.Errorf("parse jid %q: %w", to.JID, err)
	}
	info := transport.RecipientInfo{JID: to.JID}

	if jid.Server == types.GroupServer {
		info.OnWhatsApp = true
		return info, nil
	}

	resp, err := a.cli.IsOnWhatsApp(ctx, []string{"+" + jid.User})
	if err != nil {
		return info, fmt.Errorf("is-on-whatsapp: %w", err)
	}
	for _, r := range resp {
		if r.JID.User == jid.User {
			info.OnWhatsApp = r.IsIn
			if r.VerifiedName != nil {
				info.IsBusiness = true
				info.Name = r.VerifiedName.Details.GetVerifiedName()
			}
		}
	}

	if contact, err := a.cli.Store.Contacts.GetContact(ctx, jid); err == nil && contact.Found {
		if info.Name == "" {
			info.Name = contact.FullName
		}
		if info.Name == "" {
			info.Name = contact.PushName
		}
		if contact.BusinessName != "" {
			info.IsBusiness = true
		}
	}
	return info, nil
}

// ValidateRecipient screens a broadcast recipient: must be registered
// and must not look like a service or business account.
func (a *Adapter) ValidateRecipient(ctx context.Context, jid string) (bool, string, error) {
	info, err := a.CheckRecipient(ctx, jid2Target(jid))
	if err != nil {
		return false, "", err
	}
	if !info.OnWhatsApp {
		return false, "not registered", nil
	}
	if info.IsBusiness {
		return false, "business account", nil
	}
	lower := strings.ToLower(info.Name)
	for _, ind := range serviceIndicators {
		if strings.Contains(lower, ind) {
			return false, "service account", nil
		}
	}
	return true, "", nil
}

func jid2Target(jid string) transport.ChatTarget { return transport.ChatTarget{JID: jid} }

func (a *Adapter) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		if v.Info.IsFromMe {
			return
		}
		text := extractText(v.Message)
		if text == "" {
			return
		}
		msg := &transport.Message{
			ID:        string(v.Info.ID),
			ChatJID:   v.Info.Chat.String(),
			SenderJID: v.Info.Sender.ToNonAD().String(),
			PushName:  v.Info.PushName,
			Text:      text,
			IsGroup:   v.Info.IsGroup,
		}
		a.emit(transport.Update{Kind: transport.UpdateMessage, Message: msg})
	case *events.Connected:
		a.log.Info("connected")
	case *events.Disconnected:
		a.log.Warn("disconnected")
	case *events.LoggedOut:
		a.log.Error("logged out; delete the session file and pair again")
	}
}

func (a *Adapter) emit(u transport.Update) {
	if a.out == nil {
		return
	}
	select {
	case a.out <- u:
	default:
		a.log.Warn("update dropped (consumer slow)")
	}
}

func extractText(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	if t := m.GetConversation(); t != "" {
		return t
	}
	if ext := m.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, whatsmeow.ErrNotConnected) {
		return fmt.Errorf("%w: %v", transport.ErrNotConnected, err)
	}
	// whatsmeow surfaces most server rejections as text; this is the one
	// place allowed to look at it.
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "rate-overlimit") || strings.Contains(s, "too many") || strings.Contains(s, "429"):
		return fmt.Errorf("%w: %v", transport.ErrRateLimited, err)
	case strings.Contains(s, "spam"):
		return fmt.Errorf("%w: %v", transport.ErrSpamFlagged, err)
	case strings.Contains(s, "forbidden") || strings.Contains(s, "blocked") || strings.Contains(s, "403"):
		return fmt.Errorf("%w: %v", transport.ErrRecipientBlocked, err)
	case strings.Contains(s, "not on whatsapp") || strings.Contains(s, "item-not-found"):
		return fmt.Errorf("%w: %v", transport.ErrNotOnPlatform, err)
	default:
		return err
	}
}
