package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/relay/internal/store"
)

// Promoter runs a deployment to completion. Implemented by the deploy
// controller.
type Promoter interface {
	Promote(ctx context.Context, commitID, branch, trigger string) (*store.Deployment, error)
}

// DeployTool lets the executor promote a commit. Always goes through the
// approval gate; there is no auto-approve path for deployments.
type DeployTool struct {
	promoter Promoter
}

func NewDeployTool(p Promoter) *DeployTool { return &DeployTool{promoter: p} }

func (t *DeployTool) Name() string { return "deploy" }
func (t *DeployTool) Description() string {
	return "Build, test and deploy a commit, rolling back automatically if the health check fails"
}
func (t *DeployTool) Tier() Tier { return TierGated }

func (t *DeployTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"commit": map[string]any{
				"type":        "string",
				"description": "Commit id to deploy",
			},
			"branch": map[string]any{
				"type":        "string",
				"description": "Branch the commit lives on (default: configured branch)",
			},
			"reasoning": map[string]any{
				"type":        "string",
				"description": "Why this deployment should happen now",
			},
		},
		"required": []string{"commit"},
	}
}

func (t *DeployTool) Execute(ctx context.Context, args map[string]any) *Result {
	commit, _ := args["commit"].(string)
	if commit == "" {
		return ErrorResult("commit is required")
	}
	branch, _ := args["branch"].(string)

	d, err := t.promoter.Promote(ctx, commit, branch, "agent")
	if errors.Is(err, store.ErrConflict) {
		return ErrorResult("another deployment is already in flight")
	}
	if err != nil {
		return ErrorResult("deploy: %v", err)
	}

	switch d.Status {
	case store.DeployHealthy:
		return NewResult(fmt.Sprintf("deployed %s, healthy\n%s", d.CommitID, d.Report))
	case store.DeployRolledBack:
		return ErrorResult("deployment of %s rolled back: %s", d.CommitID, d.RollbackReason)
	default:
		return ErrorResult("deployment of %s ended %s\n%s", d.CommitID, d.Status, d.Report)
	}
}
