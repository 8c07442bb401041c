// Package worker runs the reactive side of the engine: a small pool of
// goroutines that claim queued jobs, drive them through classification,
// approval and execution, and return replies to the thread. Workers never
// hold state between jobs; everything durable lives in the store.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/relay/internal/config"
	"github.com/nextlevelbuilder/relay/internal/store"
)

// reapInterval is how often the pool looks for crash-orphaned running jobs.
const reapInterval = 30 * time.Second

// Classification is the classifier's verdict on an inbound message.
// Confirmed is never set by the classifier; the approval coordinator sets it
// on the re-enqueued execution after the owner approved.
type Classification struct {
	Intent            string  `json:"intent"` // question, command, chat, other
	Summary           string  `json:"summary,omitempty"`
	Plan              string  `json:"plan,omitempty"`
	NeedsConfirmation bool    `json:"needs_confirmation,omitempty"`
	Confirmed         bool    `json:"confirmed,omitempty"`
	Confidence        float64 `json:"confidence,omitempty"`
}

// ThreadContext is the conversation window handed to the model arms:
// the last messages of the thread with done artifact content inlined.
type ThreadContext struct {
	Thread    *store.Thread
	Messages  []*store.Message
	Artifacts map[string][]*store.Artifact // keyed by message id
}

// Classifier decides what an inbound message asks for.
type Classifier interface {
	Classify(ctx context.Context, tc *ThreadContext) (*Classification, error)
}

// Responder produces a conversational reply.
type Responder interface {
	Respond(ctx context.Context, tc *ThreadContext) (string, error)
}

// Executor carries out an approved or safe plan, tool loop included.
// Executor calls are never retried automatically: a failed call may already
// have produced side effects.
type Executor interface {
	Execute(ctx context.Context, tc *ThreadContext, cls *Classification) (string, error)
}

// ApprovalRequester parks a job on a human decision.
type ApprovalRequester interface {
	RequestApproval(ctx context.Context, job *store.ReactiveJob, proposal string) (*store.Approval, error)
}

// Sender delivers reply text to a thread's chat.
type Sender interface {
	SendText(ctx context.Context, chatID, text string) (string, error)
}

// Pool claims and processes reactive jobs.
type Pool struct {
	store      *store.Store
	cfg        *config.Config
	classifier Classifier
	responder  Responder
	executor   Executor
	approvals  ApprovalRequester
	sender     Sender
	logger     *slog.Logger

	nudge chan struct{}
	wg    sync.WaitGroup
}

// New creates a worker pool.
func New(st *store.Store, cfg *config.Config, classifier Classifier, responder Responder, executor Executor, approvals ApprovalRequester, sender Sender, logger *slog.Logger) *Pool {
	return &Pool{
		store:      st,
		cfg:        cfg,
		classifier: classifier,
		responder:  responder,
		executor:   executor,
		approvals:  approvals,
		sender:     sender,
		logger:     logger,
		nudge:      make(chan struct{}, 1),
	}
}

// Nudge wakes an idle worker ahead of its next poll tick.
func (p *Pool) Nudge() {
	select {
	case p.nudge <- struct{}{}:
	default:
	}
}

// Run starts the workers and the reaper and blocks until ctx is done.
// Workers finish their in-flight job before exiting, so shutdown completes
// within roughly one job deadline.
func (p *Pool) Run(ctx context.Context) error {
	n := p.cfg.Snapshot().Engine.ReactiveWorkers
	if n <= 0 {
		n = 2
	}
	for i := 0; i < n; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.workerLoop(ctx, workerID)
		}()
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reaperLoop(ctx)
	}()

	<-ctx.Done()
	p.wg.Wait()
	return ctx.Err()
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	modes := []store.JobMode{store.ModeClassify, store.ModeExecute, store.ModeAnswer}
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.store.ClaimNextJob(ctx, modes, workerID)
		if errors.Is(err, store.ErrNotFound) {
			select {
			case <-ctx.Done():
				return
			case <-p.nudge:
			case <-time.After(p.cfg.Snapshot().Engine.WorkerPollInterval()):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("claim job", "worker", workerID, "error", err)
			continue
		}
		p.process(ctx, job)
	}
}

// process dispatches one claimed job with panic containment: a panicking
// arm fails its own job and the worker keeps serving the queue.
func (p *Pool) process(ctx context.Context, job *store.ReactiveJob) {
	ctx, span := otel.Tracer("relay/worker").Start(ctx, "job."+string(job.Mode),
		trace.WithAttributes(
			attribute.String("job.id", job.ID.String()),
			attribute.String("thread.id", job.ThreadID.String()),
			attribute.Int("job.attempt", job.AttemptCount),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", "job", job.ID, "mode", job.Mode, "panic", r, "stack", string(debug.Stack()))
			span.SetStatus(codes.Error, fmt.Sprintf("panic: %v", r))
			if err := p.store.FailJob(ctx, job.ID, fmt.Sprintf("panic: %v", r)); err != nil {
				p.logger.Error("fail panicked job", "job", job.ID, "error", err)
			}
		}
	}()

	switch job.Mode {
	case store.ModeClassify:
		p.processClassify(ctx, job)
	case store.ModeAnswer:
		p.processAnswer(ctx, job)
	case store.ModeExecute:
		p.processExecute(ctx, job)
	default:
		p.fail(ctx, job, fmt.Sprintf("unknown job mode %q", job.Mode))
	}
}

func (p *Pool) processClassify(ctx context.Context, job *store.ReactiveJob) {
	engine := p.cfg.Snapshot().Engine
	tc, err := p.threadContext(ctx, job, engine.ContextWindow)
	if err != nil {
		p.fail(ctx, job, err.Error())
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, engine.ClassifierDeadline())
	cls, err := p.classifier.Classify(callCtx, tc)
	cancel()
	if err != nil {
		p.retryOrFail(ctx, job, engine.MaxJobAttempts, fmt.Sprintf("classify: %v", err))
		return
	}

	raw, err := json.Marshal(cls)
	if err != nil {
		p.fail(ctx, job, fmt.Sprintf("encode classification: %v", err))
		return
	}
	if err := p.store.SetJobClassification(ctx, job.ID, raw); err != nil {
		// Superseded or reaped while classifying. Drop the result.
		p.logger.Info("classification discarded", "job", job.ID, "error", err)
		return
	}
	job.Classification = raw

	// Plain chat gets the lightweight answer arm; everything else goes
	// through execute, where confirmation is checked at execute-time.
	if cls.Intent == "chat" && !cls.NeedsConfirmation {
		p.route(ctx, job, store.ModeAnswer, "routed to answer")
		return
	}
	p.route(ctx, job, store.ModeExecute, "routed to execute")
}

// route closes the classify job and enqueues its successor carrying the
// classification forward.
func (p *Pool) route(ctx context.Context, job *store.ReactiveJob, mode store.JobMode, result string) {
	successor := &store.ReactiveJob{
		ThreadID:         job.ThreadID,
		TriggerMessageID: job.TriggerMessageID,
		Mode:             mode,
		Payload:          job.Payload,
		Classification:   job.Classification,
	}
	if err := p.store.EnqueueJob(ctx, successor); err != nil {
		p.fail(ctx, job, fmt.Sprintf("enqueue %s: %v", mode, err))
		return
	}
	p.complete(ctx, job, result)
	p.Nudge()
}

// parkOnApproval posts the plan for human review and moves the job to
// awaiting_approval. The approval callback continues the flow.
func (p *Pool) parkOnApproval(ctx context.Context, job *store.ReactiveJob, cls *Classification) {
	proposal := cls.Plan
	if proposal == "" {
		proposal = cls.Summary
	}
	a, err := p.approvals.RequestApproval(ctx, job, proposal)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another pending approval owns this thread; supersession will
			// have canceled us, or is about to.
			p.fail(ctx, job, "thread already has a pending approval")
			return
		}
		p.fail(ctx, job, fmt.Sprintf("request approval: %v", err))
		return
	}
	if err := p.store.MarkJobAwaitingApproval(ctx, job.ID, a.ID); err != nil {
		p.logger.Error("park job", "job", job.ID, "error", err)
	}
}

func (p *Pool) processAnswer(ctx context.Context, job *store.ReactiveJob) {
	engine := p.cfg.Snapshot().Engine
	tc, err := p.threadContext(ctx, job, engine.ContextWindow)
	if err != nil {
		p.fail(ctx, job, err.Error())
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, engine.ExecutorDeadline())
	reply, err := p.responder.Respond(callCtx, tc)
	cancel()
	if err != nil {
		p.retryOrFail(ctx, job, engine.MaxJobAttempts, fmt.Sprintf("respond: %v", err))
		return
	}

	p.deliver(ctx, tc.Thread, job, reply)
}

func (p *Pool) processExecute(ctx context.Context, job *store.ReactiveJob) {
	engine := p.cfg.Snapshot().Engine
	tc, err := p.threadContext(ctx, job, engine.ContextWindow)
	if err != nil {
		p.fail(ctx, job, err.Error())
		return
	}

	var cls Classification
	if len(job.Classification) > 0 {
		if err := json.Unmarshal(job.Classification, &cls); err != nil {
			p.fail(ctx, job, fmt.Sprintf("decode classification: %v", err))
			return
		}
	}

	// Confirmation is checked here, not at classify time: the approval that
	// authorized this execution travels in the classification itself.
	if cls.NeedsConfirmation && !cls.Confirmed {
		p.parkOnApproval(ctx, job, &cls)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, engine.ExecutorDeadline())
	result, err := p.executor.Execute(callCtx, tc, &cls)
	cancel()
	if err != nil {
		// No automatic retry: the call may have performed side effects.
		p.fail(ctx, job, fmt.Sprintf("execute: %v", err))
		if _, serr := p.sender.SendText(ctx, tc.Thread.ExternalChatID, "That didn't work: "+err.Error()); serr != nil {
			p.logger.Error("send failure note", "job", job.ID, "error", serr)
		}
		return
	}

	p.deliver(ctx, tc.Thread, job, result)
}

// deliver sends the reply, records it as an assistant message and closes the
// job. A send failure still completes the job; the text survives in the
// message history for the operator.
func (p *Pool) deliver(ctx context.Context, thread *store.Thread, job *store.ReactiveJob, text string) {
	msg := &store.Message{
		ThreadID: thread.ID,
		Role:     "assistant",
		Text:     text,
	}
	if err := p.store.InsertMessage(ctx, msg); err != nil {
		p.logger.Error("record assistant message", "job", job.ID, "error", err)
	}
	if _, err := p.sender.SendText(ctx, thread.ExternalChatID, text); err != nil {
		p.logger.Error("send reply", "job", job.ID, "error", err)
	}
	p.complete(ctx, job, text)
}

// threadContext loads the conversation window with done artifacts inlined.
func (p *Pool) threadContext(ctx context.Context, job *store.ReactiveJob, window int) (*ThreadContext, error) {
	thread, err := p.store.Thread(ctx, job.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	msgs, err := p.store.RecentMessages(ctx, job.ThreadID, window)
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	arts, err := p.store.DoneArtifactsForMessages(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load artifacts: %w", err)
	}
	byMsg := make(map[string][]*store.Artifact, len(arts))
	for id, list := range arts {
		byMsg[id.String()] = list
	}
	return &ThreadContext{Thread: thread, Messages: msgs, Artifacts: byMsg}, nil
}

// retryOrFail requeues a transiently failed job while attempts remain.
func (p *Pool) retryOrFail(ctx context.Context, job *store.ReactiveJob, maxAttempts int, reason string) {
	if job.AttemptCount < maxAttempts {
		if err := p.store.RequeueJob(ctx, job.ID); err != nil {
			p.logger.Error("requeue job", "job", job.ID, "error", err)
			return
		}
		p.logger.Warn("job requeued", "job", job.ID, "attempt", job.AttemptCount, "reason", reason)
		return
	}
	p.fail(ctx, job, reason)
}

func (p *Pool) complete(ctx context.Context, job *store.ReactiveJob, result string) {
	if err := p.store.CompleteJob(ctx, job.ID, result); err != nil {
		if errors.Is(err, store.ErrStaleGuard) {
			p.logger.Info("job finished elsewhere", "job", job.ID)
			return
		}
		p.logger.Error("complete job", "job", job.ID, "error", err)
	}
}

func (p *Pool) fail(ctx context.Context, job *store.ReactiveJob, reason string) {
	if err := p.store.FailJob(ctx, job.ID, reason); err != nil {
		if errors.Is(err, store.ErrStaleGuard) {
			p.logger.Info("job finished elsewhere", "job", job.ID)
			return
		}
		p.logger.Error("fail job", "job", job.ID, "error", err)
		return
	}
	p.logger.Warn("job failed", "job", job.ID, "mode", job.Mode, "reason", reason)
}

// reaperLoop recovers jobs orphaned by a crashed or wedged worker.
func (p *Pool) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine := p.cfg.Snapshot().Engine
			cutoff := time.Now().UTC().Add(-2 * engine.ExecutorDeadline())
			requeued, failed, err := p.store.ReapStalled(ctx, cutoff, engine.MaxJobAttempts)
			if err != nil {
				p.logger.Error("reap stalled jobs", "error", err)
				continue
			}
			if requeued > 0 || failed > 0 {
				p.logger.Warn("reaped stalled jobs", "requeued", requeued, "failed", failed)
			}
		}
	}
}
