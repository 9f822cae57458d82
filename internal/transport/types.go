package transport

import "context"

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID        string
	ChatJID   string
	SenderJID string
	PushName  string
	Text      string
	IsGroup   bool
}

// ChatTarget addresses a WhatsApp chat (user or group JID).
type ChatTarget struct {
	JID string
}

type MessageRef struct {
	ChatJID   string
	MessageID string
}

type SendOptions struct {
	DisablePreview bool
}

// RecipientInfo is what the adapter can tell about a would-be recipient
// without messaging them.
type RecipientInfo struct {
	JID        string
	Name       string
	OnWhatsApp bool
	IsBusiness bool
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	CheckRecipient(ctx context.Context, to ChatTarget) (RecipientInfo, error)
}
