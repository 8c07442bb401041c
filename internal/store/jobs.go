package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const jobColumns = `id, thread_id, trigger_message_id, mode, status, payload, classification, approval_id, worker_id, attempt_count, result, error, created_at, started_at, finished_at`

func scanJob(row interface{ Scan(...any) error }) (*ReactiveJob, error) {
	var j ReactiveJob
	var approvalID, workerID sql.NullString
	var started, finished sql.NullTime
	err := row.Scan(&j.ID, &j.ThreadID, &j.TriggerMessageID, &j.Mode, &j.Status, &j.Payload, &j.Classification,
		&approvalID, &workerID, &j.AttemptCount, &j.Result, &j.Error, &j.CreatedAt, &started, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.ApprovalID = uuidPtr(approvalID)
	j.WorkerID = workerID.String
	j.StartedAt = timePtr(started)
	j.FinishedAt = timePtr(finished)
	j.CreatedAt = j.CreatedAt.UTC()
	return &j, nil
}

func enqueueJobTx(ctx context.Context, tx *sql.Tx, j *ReactiveJob) error {
	if j.ID == uuid.Nil {
		j.ID = NewID()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = utcNow()
	}
	j.Status = JobQueued
	_, err := tx.ExecContext(ctx,
		`INSERT INTO reactive_jobs (id, thread_id, trigger_message_id, mode, status, payload, classification, approval_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		j.ID.String(), j.ThreadID.String(), j.TriggerMessageID.String(), j.Mode, j.Status,
		j.Payload, j.Classification, nullUUID(j.ApprovalID), j.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// EnqueueJob inserts a new queued job.
func (s *Store) EnqueueJob(ctx context.Context, j *ReactiveJob) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return enqueueJobTx(ctx, tx, j)
	})
}

// ClaimNextJob atomically selects the oldest queued job whose mode is in
// modes, marks it running for workerID and returns it. Safe under concurrent
// callers: Postgres uses FOR UPDATE SKIP LOCKED, sqlite relies on its single
// writer plus the status guard. Returns ErrNotFound when the queue is empty.
func (s *Store) ClaimNextJob(ctx context.Context, modes []JobMode, workerID string) (*ReactiveJob, error) {
	if len(modes) == 0 {
		return nil, ErrNotFound
	}

	args := []any{workerID, utcNow()}
	for _, m := range modes {
		args = append(args, string(m))
	}
	query := `UPDATE reactive_jobs
		 SET status = 'running', worker_id = $1, started_at = $2, attempt_count = attempt_count + 1
		 WHERE status = 'queued' AND id = (
		     SELECT id FROM reactive_jobs
		     WHERE status = 'queued' AND mode IN (` + placeholders(3, len(modes)) + `)
		     ORDER BY created_at, id
		     LIMIT 1` + s.lockClause() + `
		 )
		 RETURNING ` + jobColumns

	j, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// Job looks up one job by id.
func (s *Store) Job(ctx context.Context, id uuid.UUID) (*ReactiveJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM reactive_jobs WHERE id = $1`, id.String())
	return scanJob(row)
}

// JobsByThread returns all jobs of a thread, oldest first. Test helper and
// operator surface.
func (s *Store) JobsByThread(ctx context.Context, threadID uuid.UUID) ([]*ReactiveJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM reactive_jobs WHERE thread_id = $1 ORDER BY created_at, id`, threadID.String())
	if err != nil {
		return nil, fmt.Errorf("jobs by thread: %w", err)
	}
	defer rows.Close()
	var out []*ReactiveJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// SetJobClassification persists the classifier output on a running job.
func (s *Store) SetJobClassification(ctx context.Context, id uuid.UUID, classification []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reactive_jobs SET classification = $1 WHERE id = $2 AND status = 'running'`,
		classification, id.String())
	if err != nil {
		return fmt.Errorf("set classification: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleGuard
	}
	return nil
}

// CompleteJob transitions running→done with a result summary.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID, result string) error {
	return s.finishJob(ctx, id, JobRunning, JobDone, result, "")
}

// FailJob transitions running→failed recording the error.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, errMsg string) error {
	return s.finishJob(ctx, id, JobRunning, JobFailed, "", errMsg)
}

// CompleteAwaitingJob closes an awaiting_approval job whose work continued in
// a successor job (the approved re-enqueue).
func (s *Store) CompleteAwaitingJob(ctx context.Context, id uuid.UUID, result string) error {
	return s.finishJob(ctx, id, JobAwaitingApproval, JobDone, result, "")
}

// FailAwaitingJob fails an awaiting_approval job (approval expired/rejected).
func (s *Store) FailAwaitingJob(ctx context.Context, id uuid.UUID, reason string) error {
	return s.finishJob(ctx, id, JobAwaitingApproval, JobFailed, "", reason)
}

func (s *Store) finishJob(ctx context.Context, id uuid.UUID, from, to JobStatus, result, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reactive_jobs SET status = $1, result = $2, error = $3, finished_at = $4
		 WHERE id = $5 AND status = $6`,
		to, result, errMsg, utcNow(), id.String(), from)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleGuard
	}
	return nil
}

// MarkJobAwaitingApproval parks a running execute job on an approval. The
// worker releases the job; the approval callback re-enters later.
func (s *Store) MarkJobAwaitingApproval(ctx context.Context, id, approvalID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reactive_jobs SET status = 'awaiting_approval', approval_id = $1
		 WHERE id = $2 AND status = 'running'`,
		approvalID.String(), id.String())
	if err != nil {
		return fmt.Errorf("mark awaiting: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleGuard
	}
	return nil
}

// RequeueJob returns a running classify job to the queue for a transient
// retry. The reaper and the classify arm share this path.
func (s *Store) RequeueJob(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reactive_jobs SET status = 'queued', worker_id = '', started_at = NULL
		 WHERE id = $1 AND status = 'running'`,
		id.String())
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleGuard
	}
	return nil
}

// ReapStalled handles crash suspects: running jobs whose started_at is older
// than cutoff go back to queued while attempts remain, otherwise to failed.
// Returns (requeued, failed) counts.
func (s *Store) ReapStalled(ctx context.Context, cutoff time.Time, maxAttempts int) (int, int, error) {
	var requeued, failed int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE reactive_jobs SET status = 'queued', worker_id = '', started_at = NULL
			 WHERE status = 'running' AND started_at < $1 AND attempt_count < $2`,
			cutoff.UTC(), maxAttempts)
		if err != nil {
			return fmt.Errorf("reap requeue: %w", err)
		}
		n, _ := res.RowsAffected()
		requeued = int(n)

		res, err = tx.ExecContext(ctx,
			`UPDATE reactive_jobs SET status = 'failed', error = 'worker stalled, attempts exhausted', finished_at = $1
			 WHERE status = 'running' AND started_at < $2 AND attempt_count >= $3`,
			utcNow(), cutoff.UTC(), maxAttempts)
		if err != nil {
			return fmt.Errorf("reap fail: %w", err)
		}
		n, _ = res.RowsAffected()
		failed = int(n)
		return nil
	})
	return requeued, failed, err
}
