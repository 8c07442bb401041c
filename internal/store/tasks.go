package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const taskColumns = `id, parent_id, goal_id, source, priority, status, title, detail, order_index, schedule, last_run_at, created_at, updated_at, completed_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var parent, goal sql.NullString
	var lastRun, completed sql.NullTime
	err := row.Scan(&t.ID, &parent, &goal, &t.Source, &t.Priority, &t.Status, &t.Title, &t.Detail,
		&t.OrderIndex, &t.Schedule, &lastRun, &t.CreatedAt, &t.UpdatedAt, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.ParentID = uuidPtr(parent)
	t.GoalID = uuidPtr(goal)
	t.LastRunAt = timePtr(lastRun)
	t.CompletedAt = timePtr(completed)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func insertTaskTx(ctx context.Context, tx *sql.Tx, t *Task) error {
	if t.ID == uuid.Nil {
		t.ID = NewID()
	}
	now := utcNow()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = TaskPending
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (id, parent_id, goal_id, source, priority, status, title, detail, order_index, schedule, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID.String(), nullUUID(t.ParentID), nullUUID(t.GoalID), t.Source, t.Priority, t.Status,
		t.Title, t.Detail, t.OrderIndex, t.Schedule, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// CreateTask adds one task to the backlog.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertTaskTx(ctx, tx, t)
	})
}

// Task looks up one task by id.
func (s *Store) Task(ctx context.Context, id uuid.UUID) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id.String())
	return scanTask(row)
}

// NextPendingTask returns the highest-ranked actionable task: pending, with no
// pending or in-progress children (parents wait on their subtasks). Owner
// tasks always outrank self-generated ones, then higher priority, then the
// explicit sibling order, then age.
func (s *Store) NextPendingTask(ctx context.Context) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks t
		 WHERE t.status = 'pending' AND t.schedule = ''
		   AND NOT EXISTS (
		       SELECT 1 FROM tasks c WHERE c.parent_id = t.id AND c.status IN ('pending','in_progress')
		   )
		 ORDER BY CASE t.source WHEN 'master' THEN 0 ELSE 1 END,
		          t.priority DESC, t.order_index, t.created_at, t.id
		 LIMIT 1`)
	return scanTask(row)
}

// StartTask moves pending→in_progress.
func (s *Store) StartTask(ctx context.Context, id uuid.UUID) error {
	return s.setTaskStatus(ctx, id, TaskPending, TaskInProgress)
}

// ReleaseTask returns a claimed task to the backlog after a failed attempt,
// in_progress→pending.
func (s *Store) ReleaseTask(ctx context.Context, id uuid.UUID) error {
	return s.setTaskStatus(ctx, id, TaskInProgress, TaskPending)
}

// CancelTask moves a live task to canceled.
func (s *Store) CancelTask(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'canceled', updated_at = $1 WHERE id = $2 AND status IN ('pending','in_progress')`,
		utcNow(), id.String())
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleGuard
	}
	return nil
}

func (s *Store) setTaskStatus(ctx context.Context, id uuid.UUID, from, to TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to, utcNow(), id.String(), from)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleGuard
	}
	return nil
}

// CompleteTask finishes a task. When the completed task was the last
// unfinished child of its parent, the parent completes too, recursively up
// the chain, all in one transaction.
func (s *Store) CompleteTask(ctx context.Context, id uuid.UUID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return completeTaskTx(ctx, tx, id)
	})
}

func completeTaskTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	now := utcNow()
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = 'done', updated_at = $1, completed_at = $1
		 WHERE id = $2 AND status IN ('pending','in_progress')`,
		now, id.String())
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleGuard
	}

	var parent sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT parent_id FROM tasks WHERE id = $1`, id.String()).Scan(&parent); err != nil {
		return fmt.Errorf("complete task parent: %w", err)
	}
	if !parent.Valid || parent.String == "" {
		return nil
	}

	var remaining int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE parent_id = $1 AND status IN ('pending','in_progress')`,
		parent.String).Scan(&remaining)
	if err != nil {
		return fmt.Errorf("complete task siblings: %w", err)
	}
	if remaining > 0 {
		return nil
	}
	parentID, err := uuid.Parse(parent.String)
	if err != nil {
		return fmt.Errorf("complete task parent id: %w", err)
	}
	return completeTaskTx(ctx, tx, parentID)
}

// DecomposeTask replaces one coarse task with ordered subtasks. The parent
// moves to in_progress and the children inherit its source, goal and priority.
func (s *Store) DecomposeTask(ctx context.Context, parentID uuid.UUID, subtasks []*Task) error {
	if len(subtasks) == 0 {
		return fmt.Errorf("decompose task: no subtasks")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, parentID.String())
		parent, err := scanTask(row)
		if err != nil {
			return err
		}
		if parent.Status != TaskPending && parent.Status != TaskInProgress {
			return ErrStaleGuard
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = 'in_progress', updated_at = $1 WHERE id = $2 AND status IN ('pending','in_progress')`,
			utcNow(), parentID.String())
		if err != nil {
			return fmt.Errorf("decompose parent: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrStaleGuard
		}

		for i, st := range subtasks {
			st.ParentID = &parentID
			st.GoalID = parent.GoalID
			st.Source = parent.Source
			st.Priority = parent.Priority
			st.OrderIndex = i
			if err := insertTaskTx(ctx, tx, st); err != nil {
				return err
			}
		}
		return nil
	})
}

// ScheduledTasks returns pending tasks carrying a cron schedule. The
// proactive scheduler evaluates the expressions against the clock.
func (s *Store) ScheduledTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = 'pending' AND schedule != '' ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("scheduled tasks: %w", err)
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetTaskLastRun stamps a recurring task after a scheduled firing.
func (s *Store) SetTaskLastRun(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET last_run_at = $1, updated_at = $2 WHERE id = $3`,
		at.UTC(), utcNow(), id.String())
	if err != nil {
		return fmt.Errorf("set task last run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TasksByStatus lists tasks in one status, backlog order.
func (s *Store) TasksByStatus(ctx context.Context, status TaskStatus) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = $1
		 ORDER BY CASE source WHEN 'master' THEN 0 ELSE 1 END, priority DESC, order_index, created_at, id`,
		status)
	if err != nil {
		return nil, fmt.Errorf("tasks by status: %w", err)
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateGoal adds a longer-horizon objective.
func (s *Store) CreateGoal(ctx context.Context, g *Goal) error {
	if g.ID == uuid.Nil {
		g.ID = NewID()
	}
	now := utcNow()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	if g.Status == "" {
		g.Status = TaskPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO goals (id, title, detail, priority, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		g.ID.String(), g.Title, g.Detail, g.Priority, g.Status, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create goal: %w", err)
	}
	return nil
}

// Goals lists all goals, highest priority first.
func (s *Store) Goals(ctx context.Context) ([]*Goal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, detail, priority, status, created_at, updated_at FROM goals
		 ORDER BY priority DESC, created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("goals: %w", err)
	}
	defer rows.Close()
	var out []*Goal
	for rows.Next() {
		var g Goal
		if err := rows.Scan(&g.ID, &g.Title, &g.Detail, &g.Priority, &g.Status, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		g.CreatedAt = g.CreatedAt.UTC()
		g.UpdatedAt = g.UpdatedAt.UTC()
		out = append(out, &g)
	}
	return out, rows.Err()
}
