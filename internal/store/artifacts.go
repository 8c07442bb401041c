package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// DefaultArtifactMaxAttempts bounds failed→pending retries per artifact.
const DefaultArtifactMaxAttempts = 3

const artifactColumns = `id, message_id, kind, content, uri, status, attempt_count, error, created_at, updated_at`

func scanArtifact(row interface{ Scan(...any) error }) (*Artifact, error) {
	var a Artifact
	err := row.Scan(&a.ID, &a.MessageID, &a.Kind, &a.Content, &a.URI, &a.Status, &a.AttemptCount, &a.Error, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func insertArtifactTx(ctx context.Context, tx *sql.Tx, a *Artifact) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO artifacts (id, message_id, kind, content, uri, status, attempt_count, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID.String(), a.MessageID.String(), a.Kind, a.Content, a.URI, a.Status, a.AttemptCount, a.Error, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// CreateArtifact stores a new artifact row, typically status=pending for the
// external processors, or status=done for tool results.
func (s *Store) CreateArtifact(ctx context.Context, a *Artifact) error {
	if a.ID == uuid.Nil {
		a.ID = NewID()
	}
	now := utcNow()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertArtifactTx(ctx, tx, a)
	})
}

// ArtifactsByMessage returns all artifacts of a message.
func (s *Store) ArtifactsByMessage(ctx context.Context, messageID uuid.UUID) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE message_id = $1 ORDER BY created_at`, messageID.String())
	if err != nil {
		return nil, fmt.Errorf("artifacts by message: %w", err)
	}
	defer rows.Close()
	var out []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DoneArtifactsForMessages returns completed artifacts for a set of messages,
// keyed by message id. Used to inline transcripts and descriptions into model
// context.
func (s *Store) DoneArtifactsForMessages(ctx context.Context, messageIDs []uuid.UUID) (map[uuid.UUID][]*Artifact, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(messageIDs))
	for _, id := range messageIDs {
		args = append(args, id.String())
	}
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE status = 'done' AND message_id IN (` +
		placeholders(1, len(messageIDs)) + `) ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("done artifacts: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]*Artifact)
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out[a.MessageID] = append(out[a.MessageID], a)
	}
	return out, rows.Err()
}

// AdvanceArtifact moves an artifact along pending→processing→done/failed with
// a status guard. failed→pending is allowed while attempt_count stays under
// maxAttempts (retry).
func (s *Store) AdvanceArtifact(ctx context.Context, id uuid.UUID, from, to ArtifactStatus, content, errMsg string) error {
	now := utcNow()

	if from == ArtifactFailed && to == ArtifactPending {
		res, err := s.db.ExecContext(ctx,
			`UPDATE artifacts SET status = $1, error = '', updated_at = $2
			 WHERE id = $3 AND status = $4 AND attempt_count < $5`,
			to, now, id.String(), from, DefaultArtifactMaxAttempts)
		if err != nil {
			return fmt.Errorf("retry artifact: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrStaleGuard
		}
		return nil
	}

	if !artifactTransitionOK(from, to) {
		return fmt.Errorf("artifact %s: illegal transition %s -> %s: %w", id, from, to, ErrStaleGuard)
	}

	attemptBump := 0
	if to == ArtifactProcessing {
		attemptBump = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE artifacts SET status = $1, content = $2, error = $3, attempt_count = attempt_count + $4, updated_at = $5
		 WHERE id = $6 AND status = $7`,
		to, content, errMsg, attemptBump, now, id.String(), from)
	if err != nil {
		return fmt.Errorf("advance artifact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleGuard
	}
	return nil
}

// artifactTransitionOK enforces monotone artifact statuses (except the
// failed→pending retry handled separately).
func artifactTransitionOK(from, to ArtifactStatus) bool {
	switch from {
	case ArtifactPending:
		return to == ArtifactProcessing
	case ArtifactProcessing:
		return to == ArtifactDone || to == ArtifactFailed
	default:
		return false
	}
}
