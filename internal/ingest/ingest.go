// Package ingest normalizes platform events into store writes. The handler
// is the hot path between the adapter and the queue: it never calls a model
// and must finish well under the platform's redelivery window.
package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/relay/internal/config"
	"github.com/nextlevelbuilder/relay/internal/platform"
	"github.com/nextlevelbuilder/relay/internal/store"
)

// ErrUnauthorized marks a signature mismatch or a sender outside the owner
// allowlist. The event is dropped.
var ErrUnauthorized = errors.New("ingest: unauthorized")

// approvalCallbackPrefix tags inline-control callbacks owned by the approval
// coordinator; toolApprovalCallbackPrefix tags gated tool-use requests.
const (
	approvalCallbackPrefix     = "approval:"
	toolApprovalCallbackPrefix = "toolapproval:"
)

// CallbackRouter resolves approval button presses. Implemented by the
// approval coordinator.
type CallbackRouter interface {
	HandleCallback(ctx context.Context, approvalID uuid.UUID, approve bool, resolverID, callbackID, chatID, messageID string)
	HandleToolCallback(ctx context.Context, requestID uuid.UUID, approve bool, resolverID, callbackID, chatID, messageID string)
}

// JobNotifier learns about freshly enqueued jobs so pollers can shortcut
// their sleep. Optional.
type JobNotifier interface {
	Nudge()
}

// Normalizer turns platform events into store writes.
type Normalizer struct {
	store    *store.Store
	cfg      *config.Config
	router   CallbackRouter
	notifier JobNotifier
	logger   *slog.Logger
}

// New creates a Normalizer. router may be nil when no approval surface is
// wired (tests); notifier may be nil.
func New(st *store.Store, cfg *config.Config, router CallbackRouter, notifier JobNotifier, logger *slog.Logger) *Normalizer {
	return &Normalizer{store: st, cfg: cfg, router: router, notifier: notifier, logger: logger}
}

// HandleEvent is the platform.Handler entry point.
func (n *Normalizer) HandleEvent(ctx context.Context, ev platform.Event) {
	switch ev.Kind {
	case platform.EventMessage:
		n.handleMessage(ctx, ev)
	case platform.EventEdited:
		n.handleEdited(ctx, ev)
	case platform.EventSystem:
		n.handleSystem(ctx, ev)
	case platform.EventCallback:
		n.handleCallback(ctx, ev)
	default:
		n.logger.Debug("event skipped", "kind", ev.Kind, "platform", ev.Platform)
	}
}

// authorize validates an event before any other processing: signed transports
// must match the shared secret, and when an owner allowlist is configured the
// author must be on it. Long polling is authenticated by the bot token and
// carries no signature.
func (n *Normalizer) authorize(ev platform.Event, checkAuthor bool) error {
	snap := n.cfg.Snapshot()
	if ev.Signature != "" {
		if err := VerifySignature(snap.Telegram.WebhookSecret, ev.Signature, ev.Raw); err != nil {
			return err
		}
	}
	if !checkAuthor || len(snap.Telegram.OwnerIDs) == 0 {
		return nil
	}
	for _, id := range snap.Telegram.OwnerIDs {
		if id == ev.AuthorID {
			return nil
		}
	}
	return ErrUnauthorized
}

func (n *Normalizer) handleMessage(ctx context.Context, ev platform.Event) {
	if err := n.authorize(ev, true); err != nil {
		n.logger.Warn("message dropped", "platform", ev.Platform, "chat", ev.ChatID, "author", ev.AuthorID, "error", err)
		return
	}
	in := &store.InboundMessage{
		Platform:          ev.Platform,
		ExternalChatID:    ev.ChatID,
		ChatType:          ev.ChatType,
		ThreadTitle:       ev.ChatTitle,
		ExternalMessageID: ev.MessageID,
		AuthorID:          ev.AuthorID,
		Text:              ev.Text,
		RawPayload:        ev.Raw,
		ReceivedAt:        ev.ReceivedAt,
		Attachments:       mapAttachments(ev),
	}

	res, err := n.store.RecordInboundMessage(ctx, in)
	if err != nil {
		n.logger.Error("ingest failed", "platform", ev.Platform, "chat", ev.ChatID, "error", err)
		return
	}
	if res.Duplicate {
		// Redelivery; success with no side effects.
		n.logger.Debug("duplicate delivery ignored", "platform", ev.Platform, "message", ev.MessageID)
		return
	}

	n.logger.Info("message ingested",
		"thread", res.Thread.ID,
		"message", res.Message.ID,
		"job", res.Job.ID,
		"superseded", len(res.Superseded))
	if n.notifier != nil {
		n.notifier.Nudge()
	}
}

// handleSystem stores a chat service event as a role=system message. No job
// is enqueued and the author is not checked: membership changes are chat
// facts, not requests.
func (n *Normalizer) handleSystem(ctx context.Context, ev platform.Event) {
	if err := n.authorize(ev, false); err != nil {
		n.logger.Warn("system event dropped", "platform", ev.Platform, "chat", ev.ChatID, "error", err)
		return
	}
	res, err := n.store.RecordSystemMessage(ctx, &store.InboundMessage{
		Platform:          ev.Platform,
		ExternalChatID:    ev.ChatID,
		ChatType:          ev.ChatType,
		ThreadTitle:       ev.ChatTitle,
		ExternalMessageID: ev.MessageID,
		Text:              ev.Text,
		RawPayload:        ev.Raw,
		ReceivedAt:        ev.ReceivedAt,
	})
	if err != nil {
		n.logger.Error("record system event", "platform", ev.Platform, "chat", ev.ChatID, "error", err)
		return
	}
	if !res.Duplicate {
		n.logger.Info("system event recorded", "thread", res.Thread.ID, "message", res.Message.ID)
	}
}

// handleEdited annotates the stored message. Edits never enqueue jobs.
func (n *Normalizer) handleEdited(ctx context.Context, ev platform.Event) {
	if err := n.authorize(ev, true); err != nil {
		n.logger.Warn("edit dropped", "platform", ev.Platform, "chat", ev.ChatID, "author", ev.AuthorID, "error", err)
		return
	}
	thread, err := n.store.ThreadByKey(ctx, ev.Platform, ev.ChatID)
	if err != nil {
		n.logger.Debug("edit for unknown thread", "platform", ev.Platform, "chat", ev.ChatID)
		return
	}
	msg, err := n.store.MessageByExternalID(ctx, thread.ID, ev.MessageID)
	if err != nil {
		n.logger.Debug("edit for unknown message", "message", ev.MessageID)
		return
	}
	if err := n.store.MarkMessageEdited(ctx, msg.ID, ev.Text, ev.Raw, ev.ReceivedAt); err != nil {
		n.logger.Error("mark edited failed", "message", msg.ID, "error", err)
	}
}

func (n *Normalizer) handleCallback(ctx context.Context, ev platform.Event) {
	if err := n.authorize(ev, false); err != nil {
		// The router does its own owner check so it can answer the press.
		n.logger.Warn("callback dropped", "data", ev.CallbackData, "error", err)
		return
	}
	if n.router == nil {
		return
	}

	switch {
	case strings.HasPrefix(ev.CallbackData, toolApprovalCallbackPrefix):
		requestID, approve, err := ParseToolApprovalCallback(ev.CallbackData)
		if err != nil {
			n.logger.Warn("malformed tool approval callback", "data", ev.CallbackData, "error", err)
			return
		}
		n.router.HandleToolCallback(ctx, requestID, approve, ev.AuthorID, ev.CallbackID, ev.ChatID, ev.MessageID)
	case strings.HasPrefix(ev.CallbackData, approvalCallbackPrefix):
		approvalID, approve, err := ParseApprovalCallback(ev.CallbackData)
		if err != nil {
			n.logger.Warn("malformed approval callback", "data", ev.CallbackData, "error", err)
			return
		}
		n.router.HandleCallback(ctx, approvalID, approve, ev.AuthorID, ev.CallbackID, ev.ChatID, ev.MessageID)
	default:
		n.logger.Debug("unknown callback", "data", ev.CallbackData)
	}
}

// ParseApprovalCallback splits "approval:yes:<uuid>" / "approval:no:<uuid>".
func ParseApprovalCallback(data string) (uuid.UUID, bool, error) {
	return parseVerdictRef(strings.TrimPrefix(data, approvalCallbackPrefix))
}

// ParseToolApprovalCallback splits "toolapproval:yes:<uuid>" /
// "toolapproval:no:<uuid>".
func ParseToolApprovalCallback(data string) (uuid.UUID, bool, error) {
	return parseVerdictRef(strings.TrimPrefix(data, toolApprovalCallbackPrefix))
}

func parseVerdictRef(rest string) (uuid.UUID, bool, error) {
	verdict, idStr, ok := strings.Cut(rest, ":")
	if !ok {
		return uuid.Nil, false, fmt.Errorf("missing approval id")
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("bad approval id: %w", err)
	}
	switch verdict {
	case "yes":
		return id, true, nil
	case "no":
		return id, false, nil
	default:
		return uuid.Nil, false, fmt.Errorf("bad verdict %q", verdict)
	}
}

// VerifySignature checks an HMAC-SHA256 hex signature over the payload.
// Used by webhook transports; long polling needs no signature.
func VerifySignature(secret, signature string, payload []byte) error {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(signature))) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// mapAttachments converts platform attachments to pending artifact specs
// with time-bucketed blob URIs.
func mapAttachments(ev platform.Event) []store.InboundAttachment {
	var out []store.InboundAttachment
	for i, att := range ev.Attachments {
		kind, ok := artifactKindFor(att.Type)
		if !ok {
			continue
		}
		out = append(out, store.InboundAttachment{
			Kind: kind,
			URI:  blobURI(ev, att, i),
		})
	}
	return out
}

func artifactKindFor(attType string) (store.ArtifactKind, bool) {
	switch attType {
	case "voice":
		return store.ArtifactVoiceTranscript, true
	case "photo":
		return store.ArtifactImageStruct, true
	case "document":
		return store.ArtifactFileMeta, true
	default:
		return "", false
	}
}

// blobURI builds "media/<YYYY-MM-DD>/<message_id>.<ext>", disambiguating
// multiple attachments on one message with an index suffix.
func blobURI(ev platform.Event, att platform.Attachment, idx int) string {
	name := ev.MessageID
	if idx > 0 {
		name = fmt.Sprintf("%s-%d", name, idx)
	}
	return fmt.Sprintf("media/%s/%s%s", ev.ReceivedAt.UTC().Format("2006-01-02"), name, extFor(att))
}

func extFor(att platform.Attachment) string {
	if ext := path.Ext(att.FileName); ext != "" {
		return ext
	}
	if exts, err := mime.ExtensionsByType(att.MimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	switch att.Type {
	case "voice":
		return ".ogg"
	case "photo":
		return ".jpg"
	default:
		return ".bin"
	}
}
