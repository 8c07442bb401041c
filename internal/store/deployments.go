package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const deploymentColumns = `id, commit_id, branch, trigger_source, status, report, rollback_reason, started_at, finished_at`

func scanDeployment(row interface{ Scan(...any) error }) (*Deployment, error) {
	var d Deployment
	var finished sql.NullTime
	err := row.Scan(&d.ID, &d.CommitID, &d.Branch, &d.Trigger, &d.Status, &d.Report, &d.RollbackReason, &d.StartedAt, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan deployment: %w", err)
	}
	d.FinishedAt = timePtr(finished)
	d.StartedAt = d.StartedAt.UTC()
	return &d, nil
}

// CreateDeployment starts a promotion in status=building. At most one
// deployment may be non-terminal at a time; a second attempt while one is in
// flight returns ErrConflict. The INSERT..SELECT makes the check and the
// insert a single statement so concurrent callers cannot both pass.
func (s *Store) CreateDeployment(ctx context.Context, d *Deployment) error {
	if d.ID == uuid.Nil {
		d.ID = NewID()
	}
	if d.StartedAt.IsZero() {
		d.StartedAt = utcNow()
	}
	d.Status = DeployBuilding

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO deployments (id, commit_id, branch, trigger_source, status, started_at)
		 SELECT $1, $2, $3, $4, $5, $6
		 WHERE NOT EXISTS (
		     SELECT 1 FROM deployments WHERE status IN ('building','testing','deploying')
		 )`,
		d.ID.String(), d.CommitID, d.Branch, d.Trigger, d.Status, d.StartedAt)
	if err != nil {
		return fmt.Errorf("create deployment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// Deployment looks up one deployment by id.
func (s *Store) Deployment(ctx context.Context, id uuid.UUID) (*Deployment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id.String())
	return scanDeployment(row)
}

// AdvanceDeployment moves a deployment one step along
// building→testing→deploying→healthy (or to failed from any live state).
// The from guard makes the transition idempotent under races.
func (s *Store) AdvanceDeployment(ctx context.Context, id uuid.UUID, from, to DeploymentStatus, report string) error {
	if !deploymentTransitionOK(from, to) {
		return fmt.Errorf("deployment %s: illegal transition %s -> %s: %w", id, from, to, ErrStaleGuard)
	}
	var finished any
	if to.IsTerminal() {
		finished = utcNow()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET status = $1, report = $2, finished_at = $3 WHERE id = $4 AND status = $5`,
		to, report, finished, id.String(), from)
	if err != nil {
		return fmt.Errorf("advance deployment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleGuard
	}
	return nil
}

// RollbackDeployment marks a live deployment rolled_back with the reason the
// verify step produced.
func (s *Store) RollbackDeployment(ctx context.Context, id uuid.UUID, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET status = 'rolled_back', rollback_reason = $1, finished_at = $2
		 WHERE id = $3 AND status IN ('building','testing','deploying')`,
		reason, utcNow(), id.String())
	if err != nil {
		return fmt.Errorf("rollback deployment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleGuard
	}
	return nil
}

// LatestHealthyDeployment returns the most recent healthy deployment, the
// rollback target for failed promotions. ErrNotFound when none succeeded yet.
func (s *Store) LatestHealthyDeployment(ctx context.Context) (*Deployment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE status = 'healthy'
		 ORDER BY started_at DESC, id DESC LIMIT 1`)
	return scanDeployment(row)
}

// ActiveDeployment returns the in-flight deployment, if any.
func (s *Store) ActiveDeployment(ctx context.Context) (*Deployment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE status IN ('building','testing','deploying')
		 ORDER BY started_at DESC LIMIT 1`)
	return scanDeployment(row)
}

func deploymentTransitionOK(from, to DeploymentStatus) bool {
	switch from {
	case DeployBuilding:
		return to == DeployTesting || to == DeployFailed
	case DeployTesting:
		return to == DeployDeploying || to == DeployFailed
	case DeployDeploying:
		return to == DeployHealthy || to == DeployFailed
	default:
		return false
	}
}
