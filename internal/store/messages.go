package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const messageColumns = `id, thread_id, external_message_id, role, author_id, text, raw_payload, created_at, edited_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var extID sql.NullString
	var edited sql.NullTime
	err := row.Scan(&m.ID, &m.ThreadID, &extID, &m.Role, &m.AuthorID, &m.Text, &m.RawPayload, &m.CreatedAt, &edited)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.ExternalMessageID = extID.String
	m.EditedAt = timePtr(edited)
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func insertMessageTx(ctx context.Context, tx *sql.Tx, m *Message) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, external_message_id, role, author_id, text, raw_payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID.String(), m.ThreadID.String(), nullStr(m.ExternalMessageID), m.Role, m.AuthorID, m.Text, m.RawPayload, m.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// InsertMessage stores a locally originated message (assistant or system).
// Inbound user messages go through RecordInboundMessage instead.
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	if m.ID == uuid.Nil {
		m.ID = NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = utcNow()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertMessageTx(ctx, tx, m); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE threads SET updated_at = $1 WHERE id = $2 AND updated_at < $1`,
			m.CreatedAt, m.ThreadID.String())
		if err != nil {
			return fmt.Errorf("touch thread: %w", err)
		}
		return nil
	})
}

// Message looks up one message by id.
func (s *Store) Message(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id.String())
	return scanMessage(row)
}

// MessageByExternalID resolves a platform message id within a thread.
func (s *Store) MessageByExternalID(ctx context.Context, threadID uuid.UUID, externalID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = $1 AND external_message_id = $2`,
		threadID.String(), externalID)
	return scanMessage(row)
}

// RecentMessages returns the last limit messages of a thread, oldest first.
func (s *Store) RecentMessages(ctx context.Context, threadID uuid.UUID, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		threadID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// MarkMessageEdited updates the raw payload and edit marker for an edited
// platform message. Edits never enqueue new jobs.
func (s *Store) MarkMessageEdited(ctx context.Context, id uuid.UUID, text string, rawPayload []byte, editedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET text = $1, raw_payload = $2, edited_at = $3 WHERE id = $4`,
		text, rawPayload, editedAt.UTC(), id.String())
	if err != nil {
		return fmt.Errorf("mark edited: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
