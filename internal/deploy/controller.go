// Package deploy drives self-promotion: build, test, deploy, verify, and
// roll back to the last healthy commit when verification fails. The store
// keeps the state machine; this package runs the stage commands around it.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/nextlevelbuilder/relay/internal/config"
	"github.com/nextlevelbuilder/relay/internal/store"
)

const (
	defaultHealthTimeout = 60 * time.Second
	defaultProbeInterval = 2 * time.Second
	stageTimeout         = 10 * time.Minute
)

// runFunc executes one stage command in the repo dir and returns its
// combined output. Swapped out in tests.
type runFunc func(ctx context.Context, dir, command string) (string, error)

// Controller promotes new commits through the deployment state machine.
type Controller struct {
	store  *store.Store
	cfg    config.DeployConfig
	logger *slog.Logger
	client *http.Client

	run   runFunc
	probe time.Duration
}

// New creates a controller for the given deploy settings.
func New(st *store.Store, cfg config.DeployConfig, logger *slog.Logger) *Controller {
	return &Controller{
		store:  st,
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
		run:    runShell,
		probe:  defaultProbeInterval,
	}
}

func runShell(ctx context.Context, dir, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, stageTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Promote runs one full promotion of commitID. It returns the final
// deployment row; a failed or rolled-back promotion is not a Go error,
// only infrastructure problems are. ErrConflict means another promotion is
// already in flight.
func (c *Controller) Promote(ctx context.Context, commitID, branch, trigger string) (*store.Deployment, error) {
	if branch == "" {
		branch = c.cfg.Branch
	}
	if branch == "" {
		branch = "main"
	}
	d := &store.Deployment{CommitID: commitID, Branch: branch, Trigger: trigger}
	if err := c.store.CreateDeployment(ctx, d); err != nil {
		return nil, err
	}
	c.logger.Info("deployment started", "deployment", d.ID, "commit", commitID, "branch", branch, "trigger", trigger)

	var report strings.Builder

	stages := []struct {
		from, to store.DeploymentStatus
		name     string
		command  string
	}{
		{store.DeployBuilding, store.DeployTesting, "build", c.cfg.BuildCommand},
		{store.DeployTesting, store.DeployDeploying, "test", c.cfg.TestCommand},
	}
	for _, stage := range stages {
		if out, err := c.runStage(ctx, stage.name, stage.command, &report); err != nil {
			return c.fail(ctx, d, stage.from, fmt.Sprintf("%s failed: %v\n%s", stage.name, err, out), report.String())
		}
		if err := c.store.AdvanceDeployment(ctx, d.ID, stage.from, stage.to, report.String()); err != nil {
			return nil, fmt.Errorf("advance to %s: %w", stage.to, err)
		}
	}

	if out, err := c.runStage(ctx, "deploy", c.cfg.DeployCommand, &report); err != nil {
		return c.rollback(ctx, d, fmt.Sprintf("deploy failed: %v\n%s", err, out), report.String())
	}

	if err := c.Verify(ctx); err != nil {
		return c.rollback(ctx, d, "health check failed: "+err.Error(), report.String())
	}
	report.WriteString("health check passed\n")

	if err := c.store.AdvanceDeployment(ctx, d.ID, store.DeployDeploying, store.DeployHealthy, report.String()); err != nil {
		return nil, fmt.Errorf("advance to healthy: %w", err)
	}
	c.logger.Info("deployment healthy", "deployment", d.ID, "commit", commitID)
	return c.store.Deployment(ctx, d.ID)
}

func (c *Controller) runStage(ctx context.Context, name, command string, report *strings.Builder) (string, error) {
	if command == "" {
		fmt.Fprintf(report, "%s: skipped (no command)\n", name)
		return "", nil
	}
	c.logger.Info("deployment stage", "stage", name)
	out, err := c.run(ctx, c.cfg.RepoDir, command)
	if err != nil {
		return out, err
	}
	fmt.Fprintf(report, "%s: ok\n", name)
	return out, nil
}

func (c *Controller) fail(ctx context.Context, d *store.Deployment, from store.DeploymentStatus, reason, report string) (*store.Deployment, error) {
	c.logger.Error("deployment failed", "deployment", d.ID, "reason", reason)
	if err := c.store.AdvanceDeployment(ctx, d.ID, from, store.DeployFailed, report+reason); err != nil {
		return nil, fmt.Errorf("mark failed: %w", err)
	}
	return c.store.Deployment(ctx, d.ID)
}

// rollback marks the deployment rolled_back and redeploys the last healthy
// commit, if there is one to go back to.
func (c *Controller) rollback(ctx context.Context, d *store.Deployment, reason, report string) (*store.Deployment, error) {
	c.logger.Error("deployment rolling back", "deployment", d.ID, "reason", reason)
	if err := c.store.RollbackDeployment(ctx, d.ID, reason); err != nil {
		return nil, fmt.Errorf("mark rolled back: %w", err)
	}

	prev, err := c.store.LatestHealthyDeployment(ctx)
	if errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("no healthy deployment to restore")
		return c.store.Deployment(ctx, d.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("find rollback target: %w", err)
	}

	if out, err := c.run(ctx, c.cfg.RepoDir, "git checkout "+prev.CommitID); err != nil {
		c.logger.Error("rollback checkout failed", "commit", prev.CommitID, "error", err, "output", out)
		return c.store.Deployment(ctx, d.ID)
	}
	if c.cfg.DeployCommand != "" {
		if out, err := c.run(ctx, c.cfg.RepoDir, c.cfg.DeployCommand); err != nil {
			c.logger.Error("rollback deploy failed", "commit", prev.CommitID, "error", err, "output", out)
		}
	}
	c.logger.Info("rolled back", "deployment", d.ID, "restored_commit", prev.CommitID)
	return c.store.Deployment(ctx, d.ID)
}

// Verify probes the health URL until it answers 200 or the window closes.
// With no URL configured verification passes trivially.
func (c *Controller) Verify(ctx context.Context) error {
	if c.cfg.HealthURL == "" {
		return nil
	}
	window := c.cfg.HealthTimeout()
	if window <= 0 {
		window = defaultHealthTimeout
	}
	deadline := time.Now().Add(window)

	var lastErr error
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.HealthURL, nil)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("health returned %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.probe):
		}
	}
	return fmt.Errorf("no healthy response within %s: %w", window, lastErr)
}
