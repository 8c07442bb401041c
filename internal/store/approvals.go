package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReasonApprovalExpired is recorded on jobs whose approval timed out.
const ReasonApprovalExpired = "approval_expired"

const approvalColumns = `id, thread_id, job_id, proposal_text, control_message_id, status, created_at, expires_at, resolved_at, resolver_id`

func scanApproval(row interface{ Scan(...any) error }) (*Approval, error) {
	var a Approval
	var resolved sql.NullTime
	err := row.Scan(&a.ID, &a.ThreadID, &a.JobID, &a.ProposalText, &a.ControlMessageID, &a.Status,
		&a.CreatedAt, &a.ExpiresAt, &resolved, &a.ResolverID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	a.ResolvedAt = timePtr(resolved)
	a.CreatedAt = a.CreatedAt.UTC()
	a.ExpiresAt = a.ExpiresAt.UTC()
	return &a, nil
}

// CreateApproval inserts a pending approval bound to a job. The partial
// unique index on (thread_id) WHERE pending turns a second pending approval
// for the same thread into ErrConflict.
func (s *Store) CreateApproval(ctx context.Context, a *Approval) error {
	if a.ID == uuid.Nil {
		a.ID = NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = utcNow()
	}
	a.Status = ApprovalPending
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, thread_id, job_id, proposal_text, control_message_id, status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID.String(), a.ThreadID.String(), a.JobID.String(), a.ProposalText, a.ControlMessageID,
		a.Status, a.CreatedAt, a.ExpiresAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

// SetApprovalControlMessage records the platform message id carrying the
// actionable control, once the send succeeded.
func (s *Store) SetApprovalControlMessage(ctx context.Context, id uuid.UUID, controlMessageID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET control_message_id = $1 WHERE id = $2`,
		controlMessageID, id.String())
	if err != nil {
		return fmt.Errorf("set control message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Approval looks up one approval by id.
func (s *Store) Approval(ctx context.Context, id uuid.UUID) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id.String())
	return scanApproval(row)
}

// PendingApprovalForThread returns the at-most-one pending approval of a
// thread, or ErrNotFound.
func (s *Store) PendingApprovalForThread(ctx context.Context, threadID uuid.UUID) (*Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE thread_id = $1 AND status = 'pending'`, threadID.String())
	return scanApproval(row)
}

// ResolveApproval transitions pending→outcome and returns the prior status.
// Repeating the same (id, outcome) is a no-op returning the outcome itself;
// a different outcome after resolution returns ErrStaleGuard.
func (s *Store) ResolveApproval(ctx context.Context, id uuid.UUID, outcome ApprovalStatus, resolverID string) (ApprovalStatus, error) {
	switch outcome {
	case ApprovalApproved, ApprovalRejected, ApprovalSuperseded, ApprovalExpired:
	default:
		return "", fmt.Errorf("resolve approval: invalid outcome %q", outcome)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = $1, resolved_at = $2, resolver_id = $3
		 WHERE id = $4 AND status = 'pending'`,
		outcome, utcNow(), resolverID, id.String())
	if err != nil {
		return "", fmt.Errorf("resolve approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return ApprovalPending, nil
	}

	a, err := s.Approval(ctx, id)
	if err != nil {
		return "", err
	}
	if a.Status == outcome {
		// Duplicate callback; resolution is idempotent.
		return a.Status, nil
	}
	return a.Status, ErrStaleGuard
}

// SupersedeForThread atomically supersedes every pending approval of a thread
// and cancels the owning jobs. Called before enqueueing a newer message's
// classify job so the newer message owns the next approval. Returns the
// superseded approvals.
func (s *Store) SupersedeForThread(ctx context.Context, threadID uuid.UUID) ([]*Approval, error) {
	var superseded []*Approval
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		superseded, err = supersedeForThreadTx(ctx, tx, threadID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return superseded, nil
}

func supersedeForThreadTx(ctx context.Context, tx *sql.Tx, threadID uuid.UUID) ([]*Approval, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE thread_id = $1 AND status = 'pending'`+"",
		threadID.String())
	if err != nil {
		return nil, fmt.Errorf("supersede select: %w", err)
	}
	var pending []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		pending = append(pending, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("supersede select: %w", err)
	}

	now := utcNow()
	for _, a := range pending {
		if _, err := tx.ExecContext(ctx,
			`UPDATE approvals SET status = 'superseded', resolved_at = $1 WHERE id = $2 AND status = 'pending'`,
			now, a.ID.String()); err != nil {
			return nil, fmt.Errorf("supersede approval: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE reactive_jobs SET status = 'canceled', error = 'superseded by newer message', finished_at = $1
			 WHERE id = $2 AND status IN ('queued','awaiting_approval')`,
			now, a.JobID.String()); err != nil {
			return nil, fmt.Errorf("supersede job: %w", err)
		}
		a.Status = ApprovalSuperseded
		a.ResolvedAt = &now
	}
	return pending, nil
}

// ExpireDueApprovals moves pending approvals past their deadline to expired
// and fails their jobs with ReasonApprovalExpired. Returns the expired rows.
func (s *Store) ExpireDueApprovals(ctx context.Context, now time.Time) ([]*Approval, error) {
	var expired []*Approval
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+approvalColumns+` FROM approvals WHERE status = 'pending' AND expires_at < $1`,
			now.UTC())
		if err != nil {
			return fmt.Errorf("expire select: %w", err)
		}
		for rows.Next() {
			a, err := scanApproval(rows)
			if err != nil {
				rows.Close()
				return err
			}
			expired = append(expired, a)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("expire select: %w", err)
		}

		ts := utcNow()
		for _, a := range expired {
			if _, err := tx.ExecContext(ctx,
				`UPDATE approvals SET status = 'expired', resolved_at = $1 WHERE id = $2 AND status = 'pending'`,
				ts, a.ID.String()); err != nil {
				return fmt.Errorf("expire approval: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE reactive_jobs SET status = 'failed', error = $1, finished_at = $2
				 WHERE id = $3 AND status IN ('queued','awaiting_approval')`,
				ReasonApprovalExpired, ts, a.JobID.String()); err != nil {
				return fmt.Errorf("expire job: %w", err)
			}
			a.Status = ApprovalExpired
			a.ResolvedAt = &ts
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}
