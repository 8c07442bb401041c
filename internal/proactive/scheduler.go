// Package proactive runs the autonomous side of the engine: a single loop
// that wakes on a budget-derived cadence, picks the next task from the
// backlog, drives it through the executor tool loop and records what
// happened. The loop spends from a daily token budget; the reactive side
// never waits on it.
package proactive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"go.opentelemetry.io/otel"

	"github.com/nextlevelbuilder/relay/internal/config"
	"github.com/nextlevelbuilder/relay/internal/ledger"
	"github.com/nextlevelbuilder/relay/internal/providers"
	"github.com/nextlevelbuilder/relay/internal/store"
	"github.com/nextlevelbuilder/relay/internal/worker"
)

// memoryKeyLastCycle is where each cycle leaves its summary.
const memoryKeyLastCycle = "last_cycle"

// Runner is the executor tool loop. The agent brain implements it; the
// thread context is nil for proactive work since there is no conversation.
type Runner interface {
	RunToolLoop(ctx context.Context, messages []providers.Message, scope store.LedgerScope, tc *worker.ThreadContext) (string, error)
}

// Notifier tells the owner about noteworthy autonomous activity. May be nil.
type Notifier interface {
	NotifyOwner(ctx context.Context, text string) error
}

// Scheduler is the proactive loop. At most one instance runs per engine.
type Scheduler struct {
	store    *store.Store
	ledger   *ledger.Service
	runner   Runner
	cfg      *config.Config
	notifier Notifier
	logger   *slog.Logger
	gron     *gronx.Gronx

	cycling atomic.Bool
}

// New creates a scheduler. notifier may be nil.
func New(st *store.Store, lg *ledger.Service, runner Runner, cfg *config.Config, notifier Notifier, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		ledger:   lg,
		runner:   runner,
		cfg:      cfg,
		notifier: notifier,
		logger:   logger,
		gron:     gronx.New(),
	}
}

// Run blocks until ctx is done. Each pass sleeps according to budget
// pressure, re-checks the budget, then runs one cycle if tokens remain.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		d, err := s.nextSleep(ctx, time.Now().UTC())
		if err != nil {
			s.logger.Error("budget check failed", "error", err)
			d = time.Minute
		}
		s.logger.Debug("proactive sleep", "duration", d)

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		status, err := s.ledger.BudgetStatus(ctx, time.Now().UTC())
		if err != nil {
			s.logger.Error("budget check failed", "error", err)
			continue
		}
		if status.UsageRatio >= 1.0 {
			continue
		}
		if err := s.Cycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("proactive cycle failed", "error", err)
		}
	}
}

// nextSleep maps budget pressure to a sleep duration.
func (s *Scheduler) nextSleep(ctx context.Context, now time.Time) (time.Duration, error) {
	status, err := s.ledger.BudgetStatus(ctx, now)
	if err != nil {
		return 0, err
	}
	pc := s.cfg.Snapshot().Proactive
	return sleepFor(status.UsageRatio, now, pc.MinInterval(), pc.MaxInterval()), nil
}

// sleepFor implements the adaptive backoff: the hotter the budget, the
// longer the nap. At or past the cap the scheduler parks until the budget
// day rolls over at UTC midnight.
func sleepFor(ratio float64, now time.Time, min, max time.Duration) time.Duration {
	if ratio >= 1.0 {
		midnight := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
		return midnight.Sub(now)
	}
	var d time.Duration
	switch {
	case ratio >= 0.75:
		d = time.Hour
	case ratio >= 0.50:
		d = 15 * time.Minute
	case ratio >= 0.25:
		d = 5 * time.Minute
	default:
		d = time.Minute
	}
	if min > 0 && d < min {
		d = min
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

// Cycle runs one unit of autonomous work: materialize due recurring tasks,
// pick the next actionable task, run it through the executor and record the
// outcome. Only one cycle runs at a time; overlapping calls return nil.
func (s *Scheduler) Cycle(ctx context.Context) error {
	if !s.cycling.CompareAndSwap(false, true) {
		return nil
	}
	defer s.cycling.Store(false)

	ctx, span := otel.Tracer("relay/proactive").Start(ctx, "proactive.cycle")
	defer span.End()

	now := time.Now().UTC()
	if err := s.fireScheduled(ctx, now); err != nil {
		s.logger.Error("scheduled task sweep failed", "error", err)
	}

	task, err := s.store.NextPendingTask(ctx)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Debug("backlog empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("pick task: %w", err)
	}
	if err := s.store.StartTask(ctx, task.ID); err != nil {
		if errors.Is(err, store.ErrStaleGuard) {
			return nil
		}
		return fmt.Errorf("start task: %w", err)
	}
	s.logger.Info("proactive task started", "task", task.ID, "title", task.Title, "source", task.Source)

	messages, err := s.buildContext(ctx, task, now)
	if err != nil {
		return fmt.Errorf("build context: %w", err)
	}

	deadline := s.cfg.Snapshot().Engine.ExecutorDeadline()
	if deadline <= 0 {
		deadline = 2 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	out, err := s.runner.RunToolLoop(runCtx, messages, store.ScopeProactive, nil)
	if err != nil {
		// The task goes back to the backlog; a wedged in_progress row would
		// also block its whole parent chain from ever being picked.
		if rerr := s.store.ReleaseTask(ctx, task.ID); rerr != nil && !errors.Is(rerr, store.ErrStaleGuard) {
			s.logger.Error("release failed task", "task", task.ID, "error", rerr)
		}
		s.remember(ctx, task, "error: "+err.Error())
		return fmt.Errorf("run task %s: %w", task.ID, err)
	}

	if subtasks, ok := parseDecomposition(out); ok {
		if err := s.store.DecomposeTask(ctx, task.ID, subtasks); err != nil {
			return fmt.Errorf("decompose task %s: %w", task.ID, err)
		}
		s.logger.Info("task decomposed", "task", task.ID, "subtasks", len(subtasks))
		if task.Source == store.TaskSourceMaster {
			s.notify(ctx, fmt.Sprintf("Broke %q into %d steps; working through them.", task.Title, len(subtasks)))
		}
		s.remember(ctx, task, fmt.Sprintf("decomposed into %d subtasks", len(subtasks)))
		return nil
	}

	if err := s.store.CompleteTask(ctx, task.ID); err != nil && !errors.Is(err, store.ErrStaleGuard) {
		return fmt.Errorf("complete task %s: %w", task.ID, err)
	}
	s.logger.Info("proactive task done", "task", task.ID)
	if task.Source == store.TaskSourceMaster {
		s.notify(ctx, fmt.Sprintf("Done: %s\n%s", task.Title, strings.TrimSpace(out)))
	}
	s.remember(ctx, task, strings.TrimSpace(out))
	return nil
}

// fireScheduled materializes a one-shot copy of each cron task whose
// expression is due now. The recurring row itself stays pending; last_run_at
// guards against double-firing within the same minute.
func (s *Scheduler) fireScheduled(ctx context.Context, now time.Time) error {
	scheduled, err := s.store.ScheduledTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range scheduled {
		if t.LastRunAt != nil && now.Sub(*t.LastRunAt) < time.Minute {
			continue
		}
		due, err := s.gron.IsDue(t.Schedule, now)
		if err != nil {
			s.logger.Warn("bad cron expression", "task", t.ID, "schedule", t.Schedule, "error", err)
			continue
		}
		if !due {
			continue
		}
		run := &store.Task{
			Source:   t.Source,
			Priority: t.Priority,
			Title:    t.Title,
			Detail:   t.Detail,
			GoalID:   t.GoalID,
		}
		if err := s.store.CreateTask(ctx, run); err != nil {
			return fmt.Errorf("materialize scheduled task %s: %w", t.ID, err)
		}
		if err := s.store.SetTaskLastRun(ctx, t.ID, now); err != nil {
			return fmt.Errorf("stamp scheduled task %s: %w", t.ID, err)
		}
		s.logger.Info("scheduled task fired", "task", t.ID, "title", t.Title)
	}
	return nil
}

const proactiveSystemPrompt = `You are a personal assistant agent working autonomously between conversations.
Work on the task below using the available tools, then report the outcome.

If the task is too coarse to do in one sitting, respond with ONLY this JSON
instead of doing the work:
{"decompose": true, "subtasks": [{"title": "...", "detail": "..."}, ...]}

Otherwise do the task and answer in plain language. Spend tokens carefully;
your budget is shared across the whole day.`

// buildContext assembles the compact working context for one cycle: the
// task at hand, open goals, the rest of the backlog, recent activity and
// remaining budget.
func (s *Scheduler) buildContext(ctx context.Context, task *store.Task, now time.Time) ([]providers.Message, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Current task: %s\n", task.Title)
	if task.Detail != "" {
		fmt.Fprintf(&b, "Detail: %s\n", task.Detail)
	}
	fmt.Fprintf(&b, "Source: %s, priority %d\n", task.Source, task.Priority)

	if goals, err := s.store.Goals(ctx); err == nil && len(goals) > 0 {
		b.WriteString("\nGoals:\n")
		for _, g := range goals {
			fmt.Fprintf(&b, "- %s (priority %d)\n", g.Title, g.Priority)
		}
	}

	pending, err := s.store.TasksByStatus(ctx, store.TaskPending)
	if err != nil {
		return nil, err
	}
	if len(pending) > 1 {
		b.WriteString("\nAlso in the backlog:\n")
		for i, t := range pending {
			if t.ID == task.ID {
				continue
			}
			if i >= 8 {
				fmt.Fprintf(&b, "- and %d more\n", len(pending)-i)
				break
			}
			fmt.Fprintf(&b, "- [%s] %s\n", t.Source, t.Title)
		}
	}

	if entries, err := s.store.RecentLedger(ctx, 5); err == nil && len(entries) > 0 {
		b.WriteString("\nRecent model activity:\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "- %s %s: %d tokens (%s)\n", e.Scope, e.Model, e.TokensTotal, e.Meta["phase"])
		}
	}

	if status, err := s.ledger.BudgetStatus(ctx, now); err == nil {
		fmt.Fprintf(&b, "\nToken budget: %d of %d remaining today.\n", status.Remaining, s.ledger.DailyLimit())
	}

	return []providers.Message{
		{Role: "system", Content: proactiveSystemPrompt},
		{Role: "user", Content: b.String()},
	}, nil
}

// parseDecomposition recognizes the structured decompose reply.
func parseDecomposition(out string) ([]*store.Task, bool) {
	out = strings.TrimSpace(out)
	if strings.HasPrefix(out, "```") {
		if idx := strings.Index(out, "\n"); idx >= 0 {
			out = out[idx+1:]
		}
		out = strings.TrimSuffix(strings.TrimSpace(out), "```")
	}
	if !strings.HasPrefix(out, "{") {
		return nil, false
	}
	var payload struct {
		Decompose bool `json:"decompose"`
		Subtasks  []struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		} `json:"subtasks"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil || !payload.Decompose || len(payload.Subtasks) == 0 {
		return nil, false
	}
	tasks := make([]*store.Task, 0, len(payload.Subtasks))
	for _, st := range payload.Subtasks {
		if strings.TrimSpace(st.Title) == "" {
			continue
		}
		tasks = append(tasks, &store.Task{Title: st.Title, Detail: st.Detail})
	}
	if len(tasks) == 0 {
		return nil, false
	}
	return tasks, true
}

func (s *Scheduler) notify(ctx context.Context, text string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyOwner(ctx, text); err != nil {
		s.logger.Warn("owner notification failed", "error", err)
	}
}

// remember writes the cycle summary the next cycle (and the owner, via the
// memory tools) can read back.
func (s *Scheduler) remember(ctx context.Context, task *store.Task, outcome string) {
	if len(outcome) > 2000 {
		outcome = outcome[:2000]
	}
	entry := &store.MemoryEntry{
		Key:      memoryKeyLastCycle,
		Category: "cycle",
		Value:    fmt.Sprintf("task %q: %s", task.Title, outcome),
		Metadata: map[string]string{"task_id": task.ID.String()},
	}
	if err := s.store.UpsertMemory(ctx, entry); err != nil {
		s.logger.Warn("cycle memory write failed", "error", err)
	}
}
