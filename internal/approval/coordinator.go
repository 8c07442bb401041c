// Package approval owns the human-in-the-loop gate for side-effecting work.
// A pending approval parks its job; the owner's button press either
// re-enqueues the execution or fails it. Every transition goes through the
// store's guarded updates so duplicate callbacks and races resolve cleanly.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/relay/internal/config"
	"github.com/nextlevelbuilder/relay/internal/store"
)

// sweepInterval bounds how stale an expired approval can stay pending.
const sweepInterval = 30 * time.Second

// Sender is the slice of the platform adapter the coordinator needs.
type Sender interface {
	SendText(ctx context.Context, chatID, text string) (string, error)
	SendApproval(ctx context.Context, chatID, text, approvalRef string) (string, error)
	Annotate(ctx context.Context, chatID, messageID, text string) error
	AckCallback(ctx context.Context, callbackID, text string) error
}

// Notifier wakes the worker pool after an approval re-enqueues a job.
type Notifier interface {
	Nudge()
}

// Coordinator creates, resolves and expires approvals.
type Coordinator struct {
	store    *store.Store
	sender   Sender
	cfg      *config.Config
	notifier Notifier
	logger   *slog.Logger
}

// New creates a Coordinator. notifier may be nil.
func New(st *store.Store, sender Sender, cfg *config.Config, notifier Notifier, logger *slog.Logger) *Coordinator {
	return &Coordinator{store: st, sender: sender, cfg: cfg, notifier: notifier, logger: logger}
}

// RequestApproval posts a proposal to the job's thread and returns the
// pending approval. The caller parks the job on it. If the control message
// cannot be delivered the approval is expired immediately so the thread's
// single pending slot is not wedged.
func (c *Coordinator) RequestApproval(ctx context.Context, job *store.ReactiveJob, proposal string) (*store.Approval, error) {
	thread, err := c.store.Thread(ctx, job.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("request approval: %w", err)
	}

	a := &store.Approval{
		ThreadID:     job.ThreadID,
		JobID:        job.ID,
		ProposalText: proposal,
		ExpiresAt:    time.Now().UTC().Add(c.cfg.Snapshot().Engine.ApprovalTimeout()),
	}
	if err := c.store.CreateApproval(ctx, a); err != nil {
		return nil, fmt.Errorf("request approval: %w", err)
	}

	msgID, err := c.sender.SendApproval(ctx, thread.ExternalChatID, proposal, a.ID.String())
	if err != nil {
		// Undeliverable control. Release the thread's pending slot.
		if _, rerr := c.store.ResolveApproval(ctx, a.ID, store.ApprovalExpired, "system"); rerr != nil {
			c.logger.Error("expire undeliverable approval", "approval", a.ID, "error", rerr)
		}
		return nil, fmt.Errorf("send approval control: %w", err)
	}
	if err := c.store.SetApprovalControlMessage(ctx, a.ID, msgID); err != nil {
		c.logger.Error("record control message", "approval", a.ID, "error", err)
	}
	a.ControlMessageID = msgID

	c.logger.Info("approval requested", "approval", a.ID, "job", job.ID, "thread", job.ThreadID)
	return a, nil
}

// HandleCallback resolves an approval from a button press. Duplicate and
// late presses are acknowledged without side effects.
func (c *Coordinator) HandleCallback(ctx context.Context, approvalID uuid.UUID, approve bool, resolverID, callbackID, chatID, messageID string) {
	if !c.isOwner(resolverID) {
		c.logger.Warn("approval press from non-owner", "approval", approvalID, "user", resolverID)
		c.ack(ctx, callbackID, "Not authorized")
		return
	}

	outcome := store.ApprovalRejected
	if approve {
		outcome = store.ApprovalApproved
	}

	prior, err := c.store.ResolveApproval(ctx, approvalID, outcome, resolverID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.ack(ctx, callbackID, "Unknown approval")
		return
	case errors.Is(err, store.ErrStaleGuard):
		// Resolved the other way, superseded, or expired meanwhile.
		c.ack(ctx, callbackID, fmt.Sprintf("Already %s", prior))
		return
	case err != nil:
		c.logger.Error("resolve approval", "approval", approvalID, "error", err)
		c.ack(ctx, callbackID, "Error, try again")
		return
	}

	if prior != store.ApprovalPending {
		// Duplicate press with the same verdict. First press already acted.
		c.ack(ctx, callbackID, verdictLabel(approve))
		return
	}

	a, err := c.store.Approval(ctx, approvalID)
	if err != nil {
		c.logger.Error("load approval", "approval", approvalID, "error", err)
		return
	}
	if approve {
		c.applyApproved(ctx, a)
	} else {
		c.applyRejected(ctx, a, chatID)
	}
	c.annotate(ctx, chatID, messageID, a, verdictLabel(approve))
	c.ack(ctx, callbackID, verdictLabel(approve))
}

// HandleToolCallback resolves a gated tool-use request from a button press.
// The gate polls the request row and acts on the new status; nothing is
// re-enqueued here.
func (c *Coordinator) HandleToolCallback(ctx context.Context, requestID uuid.UUID, approve bool, resolverID, callbackID, chatID, messageID string) {
	if !c.isOwner(resolverID) {
		c.logger.Warn("tool approval press from non-owner", "request", requestID, "user", resolverID)
		c.ack(ctx, callbackID, "Not authorized")
		return
	}

	outcome := store.ToolApprovalRejected
	if approve {
		outcome = store.ToolApprovalApproved
	}

	err := c.store.ResolveToolApproval(ctx, requestID, outcome, "")
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.ack(ctx, callbackID, "Unknown request")
		return
	case errors.Is(err, store.ErrStaleGuard):
		c.ack(ctx, callbackID, "Already resolved")
		return
	case err != nil:
		c.logger.Error("resolve tool approval", "request", requestID, "error", err)
		c.ack(ctx, callbackID, "Error, try again")
		return
	}

	c.logger.Info("tool approval resolved", "request", requestID, "outcome", outcome, "by", resolverID)
	if chatID != "" && messageID != "" {
		ta, err := c.store.ToolApprovalByID(ctx, requestID)
		if err == nil {
			text := fmt.Sprintf("Tool request: %s\n%s", ta.ToolName, verdictLabel(approve))
			if err := c.sender.Annotate(ctx, chatID, messageID, text); err != nil {
				c.logger.Warn("annotate tool control", "request", requestID, "error", err)
			}
		}
	}
	c.ack(ctx, callbackID, verdictLabel(approve))
}

// applyApproved re-enqueues the parked work as a fresh execute job carrying
// the original payload, then closes the parked job.
func (c *Coordinator) applyApproved(ctx context.Context, a *store.Approval) {
	job, err := c.store.Job(ctx, a.JobID)
	if err != nil {
		c.logger.Error("load approved job", "job", a.JobID, "error", err)
		return
	}

	successor := &store.ReactiveJob{
		ThreadID:         job.ThreadID,
		TriggerMessageID: job.TriggerMessageID,
		Mode:             store.ModeExecute,
		Payload:          job.Payload,
		Classification:   markConfirmed(job.Classification),
		ApprovalID:       &a.ID,
	}
	if err := c.store.EnqueueJob(ctx, successor); err != nil {
		c.logger.Error("enqueue approved execution", "approval", a.ID, "error", err)
		return
	}
	if err := c.store.CompleteAwaitingJob(ctx, job.ID, "approved, execution re-enqueued"); err != nil && !errors.Is(err, store.ErrStaleGuard) {
		c.logger.Error("close parked job", "job", job.ID, "error", err)
	}
	if c.notifier != nil {
		c.notifier.Nudge()
	}
	c.logger.Info("approval granted", "approval", a.ID, "job", job.ID, "successor", successor.ID)
}

func (c *Coordinator) applyRejected(ctx context.Context, a *store.Approval, chatID string) {
	if err := c.store.FailAwaitingJob(ctx, a.JobID, "rejected by owner"); err != nil && !errors.Is(err, store.ErrStaleGuard) {
		c.logger.Error("fail rejected job", "job", a.JobID, "error", err)
	}
	if _, err := c.sender.SendText(ctx, chatID, "Okay, I won't do that."); err != nil {
		c.logger.Error("send rejection note", "thread", a.ThreadID, "error", err)
	}
	c.logger.Info("approval rejected", "approval", a.ID, "job", a.JobID)
}

// Run sweeps expired approvals until ctx is done. The first sweep happens
// immediately so pending approvals that expired while the process was down
// get cleaned up at startup.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.ExpireDue(ctx); err != nil {
		c.logger.Error("startup approval sweep", "error", err)
	}

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.ExpireDue(ctx); err != nil {
				c.logger.Error("approval sweep", "error", err)
			}
		}
	}
}

// ExpireDue expires overdue approvals, fails their jobs and tells the
// thread the window closed.
func (c *Coordinator) ExpireDue(ctx context.Context) error {
	expired, err := c.store.ExpireDueApprovals(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("expire approvals: %w", err)
	}

	for _, a := range expired {
		thread, err := c.store.Thread(ctx, a.ThreadID)
		if err != nil {
			c.logger.Error("load thread for expired approval", "approval", a.ID, "error", err)
			continue
		}
		if a.ControlMessageID != "" {
			c.annotate(ctx, thread.ExternalChatID, a.ControlMessageID, a, "Expired")
		}
		if _, err := c.sender.SendText(ctx, thread.ExternalChatID, "The approval window closed, so I dropped that plan. Ask again if you still want it."); err != nil {
			c.logger.Error("send expiry note", "approval", a.ID, "error", err)
		}
		c.logger.Info("approval expired", "approval", a.ID, "job", a.JobID)
	}
	return nil
}

// annotate rewrites the control message so the buttons disappear and the
// verdict stays visible in the chat history.
func (c *Coordinator) annotate(ctx context.Context, chatID, messageID string, a *store.Approval, verdict string) {
	text := fmt.Sprintf("%s\n\n%s", a.ProposalText, verdict)
	if err := c.sender.Annotate(ctx, chatID, messageID, text); err != nil {
		c.logger.Warn("annotate control message", "approval", a.ID, "error", err)
	}
}

func (c *Coordinator) ack(ctx context.Context, callbackID, text string) {
	if callbackID == "" {
		return
	}
	if err := c.sender.AckCallback(ctx, callbackID, text); err != nil {
		c.logger.Warn("ack callback", "callback", callbackID, "error", err)
	}
}

// isOwner reports whether userID may resolve approvals. An empty owner list
// locks resolution down entirely rather than opening it up.
func (c *Coordinator) isOwner(userID string) bool {
	owners := c.cfg.Snapshot().Telegram.OwnerIDs
	for _, id := range owners {
		if id == userID {
			return true
		}
	}
	return false
}

// markConfirmed flags a classification as owner-approved so the execute arm
// does not park it again. The shape is opaque here; only the confirmed flag
// is touched.
func markConfirmed(classification []byte) []byte {
	var m map[string]any
	if err := json.Unmarshal(classification, &m); err != nil || m == nil {
		m = map[string]any{}
	}
	m["confirmed"] = true
	out, err := json.Marshal(m)
	if err != nil {
		return classification
	}
	return out
}

func verdictLabel(approve bool) string {
	if approve {
		return "Approved"
	}
	return "Rejected"
}
