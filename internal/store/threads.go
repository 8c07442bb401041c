package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertThread finds or creates the thread for (platform, externalChatID).
// Title and chat type are refreshed on every call; updated_at advances.
func (s *Store) UpsertThread(ctx context.Context, platform, externalChatID, chatType, title string) (*Thread, error) {
	now := utcNow()
	var t *Thread
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = upsertThreadTx(ctx, tx, platform, externalChatID, chatType, title, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func upsertThreadTx(ctx context.Context, tx *sql.Tx, platform, externalChatID, chatType, title string, now time.Time) (*Thread, error) {
	t, err := threadByKeyTx(ctx, tx, platform, externalChatID)
	if err == nil {
		_, err = tx.ExecContext(ctx,
			`UPDATE threads SET chat_type = $1, title = $2, updated_at = $3 WHERE id = $4`,
			chatType, title, now, t.ID.String())
		if err != nil {
			return nil, fmt.Errorf("touch thread: %w", err)
		}
		t.ChatType = chatType
		t.Title = title
		t.UpdatedAt = now
		return t, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	t = &Thread{
		ID:             NewID(),
		Platform:       platform,
		ExternalChatID: externalChatID,
		ChatType:       chatType,
		Title:          title,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO threads (id, platform, external_chat_id, chat_type, title, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, '{}', $6, $7)`,
		t.ID.String(), platform, externalChatID, chatType, title, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a race to a concurrent ingest; re-read.
			return threadByKeyTx(ctx, tx, platform, externalChatID)
		}
		return nil, fmt.Errorf("insert thread: %w", err)
	}
	return t, nil
}

const threadColumns = `id, platform, external_chat_id, chat_type, title, metadata, created_at, updated_at`

func scanThread(row interface{ Scan(...any) error }) (*Thread, error) {
	var t Thread
	var meta []byte
	err := row.Scan(&t.ID, &t.Platform, &t.ExternalChatID, &t.ChatType, &t.Title, &meta, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan thread: %w", err)
	}
	t.Metadata = unmarshalMeta(meta)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func threadByKeyTx(ctx context.Context, tx *sql.Tx, platform, externalChatID string) (*Thread, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE platform = $1 AND external_chat_id = $2`,
		platform, externalChatID)
	return scanThread(row)
}

// ThreadByKey looks up a thread by its natural key.
func (s *Store) ThreadByKey(ctx context.Context, platform, externalChatID string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE platform = $1 AND external_chat_id = $2`,
		platform, externalChatID)
	return scanThread(row)
}

// Thread looks up a thread by id.
func (s *Store) Thread(ctx context.Context, id uuid.UUID) (*Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE id = $1`, id.String())
	return scanThread(row)
}
