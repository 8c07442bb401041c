package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// InboundMessage is everything the normalizer extracted from one platform
// event.
type InboundMessage struct {
	Platform          string
	ExternalChatID    string
	ChatType          string
	ThreadTitle       string
	ExternalMessageID string
	AuthorID          string
	Text              string
	RawPayload        []byte
	ReceivedAt        time.Time

	// Attachments become pending artifacts for the external processors.
	Attachments []InboundAttachment
}

// InboundAttachment describes one media item on an inbound message.
type InboundAttachment struct {
	Kind ArtifactKind
	URI  string
}

// IngestResult reports what one inbound event changed.
type IngestResult struct {
	Thread     *Thread
	Message    *Message
	Job        *ReactiveJob
	Superseded []*Approval
	Duplicate  bool
}

// RecordInboundMessage is the single write path for user messages. In one
// transaction it upserts the thread, inserts the message and its pending
// artifacts, supersedes any pending approval of the thread (canceling the
// owning job), and enqueues the classify job. A redelivered platform message
// id is detected inside the same transaction and returns the stored row with
// Duplicate=true and no new side effects.
func (s *Store) RecordInboundMessage(ctx context.Context, in *InboundMessage) (*IngestResult, error) {
	res := &IngestResult{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := in.ReceivedAt
		if now.IsZero() {
			now = utcNow()
		}
		now = now.UTC().Truncate(time.Microsecond)

		t, err := upsertThreadTx(ctx, tx, in.Platform, in.ExternalChatID, in.ChatType, in.ThreadTitle, now)
		if err != nil {
			return err
		}
		res.Thread = t

		if in.ExternalMessageID != "" {
			m, err := messageByExternalIDTx(ctx, tx, t.ID, in.ExternalMessageID)
			if err == nil {
				res.Message = m
				res.Duplicate = true
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		m := &Message{
			ID:                NewID(),
			ThreadID:          t.ID,
			ExternalMessageID: in.ExternalMessageID,
			Role:              "user",
			AuthorID:          in.AuthorID,
			Text:              in.Text,
			RawPayload:        in.RawPayload,
			CreatedAt:         now,
		}
		if err := insertMessageTx(ctx, tx, m); err != nil {
			return err
		}
		res.Message = m

		for _, att := range in.Attachments {
			a := &Artifact{
				ID:        NewID(),
				MessageID: m.ID,
				Kind:      att.Kind,
				URI:       att.URI,
				Status:    ArtifactPending,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := insertArtifactTx(ctx, tx, a); err != nil {
				return err
			}
		}

		// The newer message wins: any pending approval dies before the new
		// classify job exists, so no window shows two live units of work.
		superseded, err := supersedeForThreadTx(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		res.Superseded = superseded

		j := &ReactiveJob{
			ID:               NewID(),
			ThreadID:         t.ID,
			TriggerMessageID: m.ID,
			Mode:             ModeClassify,
			CreatedAt:        now,
		}
		if err := enqueueJobTx(ctx, tx, j); err != nil {
			return err
		}
		res.Job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RecordSystemMessage stores a chat service event (membership change, title
// change, pin) as a role=system message. System events never enqueue jobs
// and never supersede approvals. Redeliveries are detected by external id.
func (s *Store) RecordSystemMessage(ctx context.Context, in *InboundMessage) (*IngestResult, error) {
	res := &IngestResult{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := in.ReceivedAt
		if now.IsZero() {
			now = utcNow()
		}
		now = now.UTC().Truncate(time.Microsecond)

		t, err := upsertThreadTx(ctx, tx, in.Platform, in.ExternalChatID, in.ChatType, in.ThreadTitle, now)
		if err != nil {
			return err
		}
		res.Thread = t

		if in.ExternalMessageID != "" {
			m, err := messageByExternalIDTx(ctx, tx, t.ID, in.ExternalMessageID)
			if err == nil {
				res.Message = m
				res.Duplicate = true
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		m := &Message{
			ID:                NewID(),
			ThreadID:          t.ID,
			ExternalMessageID: in.ExternalMessageID,
			Role:              "system",
			Text:              in.Text,
			RawPayload:        in.RawPayload,
			CreatedAt:         now,
		}
		if err := insertMessageTx(ctx, tx, m); err != nil {
			return err
		}
		res.Message = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func messageByExternalIDTx(ctx context.Context, tx *sql.Tx, threadID uuid.UUID, externalID string) (*Message, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = $1 AND external_message_id = $2`,
		threadID.String(), externalID)
	return scanMessage(row)
}
