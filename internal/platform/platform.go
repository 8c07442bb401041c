// Package platform abstracts chat platforms behind a small adapter surface.
// Adapters turn platform updates into normalized events and deliver outbound
// text and approval controls.
package platform

import (
	"context"
	"time"
)

// EventKind classifies a normalized inbound event.
type EventKind string

const (
	EventMessage  EventKind = "message"
	EventEdited   EventKind = "edited"
	EventCallback EventKind = "callback"
	EventSystem   EventKind = "system"
)

// Event is one normalized platform update.
type Event struct {
	Kind      EventKind
	Platform  string
	ChatID    string
	ChatType  string // "private", "group", "supergroup"
	ChatTitle string
	MessageID string
	AuthorID  string
	Text      string
	Raw       []byte // original payload for audit
	Signature string // hex HMAC over Raw; set by webhook transports, empty on long polling

	// Callback fields, set when Kind == EventCallback.
	CallbackID   string
	CallbackData string

	ReceivedAt  time.Time
	Attachments []Attachment
}

// Attachment describes one media item on an inbound message.
type Attachment struct {
	Type     string // "voice", "photo", "document"
	FileID   string
	FileName string
	MimeType string
	Size     int64
}

// Handler consumes normalized events. Adapters call it inline from their
// update loop; implementations must return quickly.
type Handler func(ctx context.Context, ev Event)

// Adapter is the interface all platform integrations implement.
type Adapter interface {
	// Name returns the platform identifier (e.g. "telegram").
	Name() string

	// Start begins receiving updates and dispatching them to the handler.
	// Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts down the update loop.
	Stop(ctx context.Context) error

	// SendText delivers text to a chat, chunking when the platform caps
	// message length. Returns the platform id of the (last) sent message.
	SendText(ctx context.Context, chatID, text string) (string, error)

	// SendApproval posts text with an actionable confirm/reject control
	// whose callbacks carry the approval reference.
	SendApproval(ctx context.Context, chatID, text, approvalRef string) (string, error)

	// Annotate edits a previously sent message, used to mark an approval
	// control as resolved.
	Annotate(ctx context.Context, chatID, messageID, text string) error

	// AckCallback acknowledges a callback so the client stops its spinner.
	AckCallback(ctx context.Context, callbackID, text string) error
}
