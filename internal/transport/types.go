package transport

import (
	"context"
	"strings"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type User struct {
	ID        int64
	Username  string
	FirstName string
}

// DisplayName prefers the @username and falls back to the first name.
func (u User) DisplayName() string {
	if s := strings.TrimSpace(u.Username); s != "" {
		return s
	}
	return strings.TrimSpace(u.FirstName)
}

type Message struct {
	ID      int
	ChatID  int64
	From    User
	Text    string
	IsGroup bool

	// Content of the message this one replies to (nil if not a reply).
	// Used by /broadcast to pick up the operator's prepared content.
	ReplyTo *Payload
}

type Callback struct {
	ID        string
	From      User
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// ContentKind tags the payload; the core never looks deeper than this.
type ContentKind string

const (
	KindText     ContentKind = "text"
	KindPhoto    ContentKind = "photo"
	KindVideo    ContentKind = "video"
	KindDocument ContentKind = "document"
)

// Button is one inline control. Exactly one of URL or Data is set.
type Button struct {
	Text string
	URL  string
	Data string
}

// Keyboard is a transport-neutral inline keyboard (rows of buttons).
type Keyboard [][]Button

// Payload is one unit of deliverable content.
//
// For KindText, Text is the body. For media kinds, Media is either a
// transport file id or an HTTP URL, and Caption is optional.
type Payload struct {
	Kind      ContentKind
	Text      string
	Caption   string
	Media     string
	ParseMode string
	Keyboard  Keyboard

	DisablePreview bool
}

// Empty reports whether there is nothing to deliver.
func (p Payload) Empty() bool {
	switch p.Kind {
	case KindPhoto, KindVideo, KindDocument:
		return strings.TrimSpace(p.Media) == ""
	default:
		return strings.TrimSpace(p.Text) == ""
	}
}

// Body returns the human-readable part of the payload (text or caption).
func (p Payload) Body() string {
	if p.Kind == KindText || p.Kind == "" {
		return p.Text
	}
	return p.Caption
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Keyboard       Keyboard
}

// Gateway delivers content to chats. Implementations classify failures once,
// at the boundary, by returning *DeliveryError (see errors.go).
type Gateway interface {
	Send(ctx context.Context, to ChatTarget, p Payload) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	Delete(ctx context.Context, ref MessageRef) error
	AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error
}

// Adapter is a Gateway that also produces inbound updates.
type Adapter interface {
	Gateway
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// SendText is a convenience for plain text messages.
func SendText(ctx context.Context, g Gateway, to ChatTarget, text string, opt *SendOptions) (MessageRef, error) {
	p := Payload{Kind: KindText, Text: text}
	if opt != nil {
		p.ParseMode = opt.ParseMode
		p.Keyboard = opt.Keyboard
		p.DisablePreview = opt.DisablePreview
	}
	return g.Send(ctx, to, p)
}
