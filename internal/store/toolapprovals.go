package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const toolApprovalColumns = `id, tool_name, input, reasoning, status, response, created_at, expires_at`

func scanToolApproval(row interface{ Scan(...any) error }) (*ToolApproval, error) {
	var t ToolApproval
	err := row.Scan(&t.ID, &t.ToolName, &t.Input, &t.Reasoning, &t.Status, &t.Response, &t.CreatedAt, &t.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan tool approval: %w", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	return &t, nil
}

// CreateToolApproval inserts a pending gated tool-use request.
func (s *Store) CreateToolApproval(ctx context.Context, t *ToolApproval) error {
	if t.ID == uuid.Nil {
		t.ID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = utcNow()
	}
	t.Status = ToolApprovalPending
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_approvals (id, tool_name, input, reasoning, status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID.String(), t.ToolName, t.Input, t.Reasoning, t.Status, t.CreatedAt, t.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("create tool approval: %w", err)
	}
	return nil
}

// ToolApprovalByID looks up one gated tool request.
func (s *Store) ToolApprovalByID(ctx context.Context, id uuid.UUID) (*ToolApproval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+toolApprovalColumns+` FROM tool_approvals WHERE id = $1`, id.String())
	return scanToolApproval(row)
}

// ResolveToolApproval moves pending→approved/rejected with an optional
// operator note. Repeats of the same outcome are no-ops.
func (s *Store) ResolveToolApproval(ctx context.Context, id uuid.UUID, outcome ToolApprovalStatus, response string) error {
	switch outcome {
	case ToolApprovalApproved, ToolApprovalRejected:
	default:
		return fmt.Errorf("resolve tool approval: invalid outcome %q", outcome)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_approvals SET status = $1, response = $2 WHERE id = $3 AND status = 'pending'`,
		outcome, response, id.String())
	if err != nil {
		return fmt.Errorf("resolve tool approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		t, err := s.ToolApprovalByID(ctx, id)
		if err != nil {
			return err
		}
		if t.Status == outcome {
			return nil
		}
		return ErrStaleGuard
	}
	return nil
}

// ExpireDueToolApprovals times out pending gated requests past their deadline.
func (s *Store) ExpireDueToolApprovals(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_approvals SET status = 'expired' WHERE status = 'pending' AND expires_at < $1`,
		now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire tool approvals: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
