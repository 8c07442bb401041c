package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/relay/internal/store"
)

// gatePollInterval is how often a waiting gate re-reads its pending request.
const gatePollInterval = 2 * time.Second

// Announcer surfaces a gated tool request to the owner so there is
// something to approve. Optional; without one, gated requests can only be
// resolved through the store directly.
type Announcer interface {
	AnnounceToolRequest(ctx context.Context, ta *store.ToolApproval)
}

// Gate runs tools according to their safety tier.
type Gate struct {
	store     *store.Store
	registry  *Registry
	timeout   time.Duration
	poll      time.Duration
	announcer Announcer
	logger    *slog.Logger
}

// NewGate creates a gate. timeout bounds how long a gated request may stay
// pending; announcer may be nil.
func NewGate(st *store.Store, registry *Registry, timeout time.Duration, announcer Announcer, logger *slog.Logger) *Gate {
	return &Gate{store: st, registry: registry, timeout: timeout, poll: gatePollInterval, announcer: announcer, logger: logger}
}

// Registry exposes the underlying catalog for schema rendering.
func (g *Gate) Registry() *Registry { return g.registry }

// Invoke runs one tool call. The returned Result is always non-nil and safe
// to hand back to the model; refusals and expiries come back as error
// results, not Go errors.
func (g *Gate) Invoke(ctx context.Context, name string, args map[string]any) *Result {
	ctx, span := otel.Tracer("relay/tools").Start(ctx, "tool."+name)
	defer span.End()

	tool, ok := g.registry.Get(name)
	if !ok {
		return ErrorResult("unknown tool %q", name)
	}
	span.SetAttributes(attribute.String("tool.tier", string(tool.Tier())))

	switch tool.Tier() {
	case TierForbidden:
		return ErrorResult("tool %q is forbidden and can never run", name)
	case TierSafe:
		return tool.Execute(ctx, args)
	case TierGated:
		if aa, ok := tool.(AutoApprover); ok && aa.AutoApprove(args) {
			return tool.Execute(ctx, args)
		}
		return g.invokeGated(ctx, tool, args)
	default:
		return ErrorResult("tool %q has unknown tier %q", name, tool.Tier())
	}
}

// invokeGated opens a ToolApproval and waits for the owner's verdict,
// yielding between polls so the caller's goroutine stays cancelable.
func (g *Gate) invokeGated(ctx context.Context, tool Tool, args map[string]any) *Result {
	input, err := json.Marshal(args)
	if err != nil {
		return ErrorResult("encode tool input: %v", err)
	}
	reasoning, _ := args["reasoning"].(string)

	ta := &store.ToolApproval{
		ToolName:  tool.Name(),
		Input:     input,
		Reasoning: reasoning,
		ExpiresAt: time.Now().UTC().Add(g.timeout),
	}
	if err := g.store.CreateToolApproval(ctx, ta); err != nil {
		return ErrorResult("open tool approval: %v", err)
	}
	if g.announcer != nil {
		g.announcer.AnnounceToolRequest(ctx, ta)
	}
	g.logger.Info("tool approval requested", "tool", tool.Name(), "request", ta.ID)

	for {
		select {
		case <-ctx.Done():
			return ErrorResult("tool %q: canceled while awaiting approval", tool.Name())
		case <-time.After(g.poll):
		}

		cur, err := g.store.ToolApprovalByID(ctx, ta.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrorResult("tool approval vanished")
			}
			g.logger.Error("poll tool approval", "request", ta.ID, "error", err)
			continue
		}
		switch cur.Status {
		case store.ToolApprovalApproved:
			return tool.Execute(ctx, args)
		case store.ToolApprovalRejected:
			msg := fmt.Sprintf("tool %q rejected by owner", tool.Name())
			if cur.Response != "" {
				msg += ": " + cur.Response
			}
			return ErrorResult("%s", msg)
		case store.ToolApprovalExpired:
			return ErrorResult("tool %q: approval expired before a decision", tool.Name())
		}

		if time.Now().UTC().After(cur.ExpiresAt) {
			if _, err := g.store.ExpireDueToolApprovals(ctx, time.Now().UTC()); err != nil {
				g.logger.Error("expire tool approvals", "error", err)
			}
			return ErrorResult("tool %q: approval expired before a decision", tool.Name())
		}
	}
}
