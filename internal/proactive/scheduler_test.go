package proactive

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/relay/internal/config"
	"github.com/nextlevelbuilder/relay/internal/ledger"
	"github.com/nextlevelbuilder/relay/internal/providers"
	"github.com/nextlevelbuilder/relay/internal/store"
	"github.com/nextlevelbuilder/relay/internal/worker"
)

type fakeRunner struct {
	output  string
	err     error
	calls   int
	prompts []string
}

func (r *fakeRunner) RunToolLoop(_ context.Context, messages []providers.Message, scope store.LedgerScope, _ *worker.ThreadContext) (string, error) {
	r.calls++
	if scope != store.ScopeProactive {
		panic("wrong scope")
	}
	for _, m := range messages {
		r.prompts = append(r.prompts, m.Content)
	}
	return r.output, r.err
}

type fakeNotifier struct {
	notes []string
}

func (n *fakeNotifier) NotifyOwner(_ context.Context, text string) error {
	n.notes = append(n.notes, text)
	return nil
}

func testScheduler(t *testing.T, runner *fakeRunner) (*Scheduler, *store.Store, *ledger.Service, *fakeNotifier) {
	t.Helper()
	st, err := store.Open(store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	lg := ledger.New(st, cfg.Proactive.DailyTokenLimit, 0, logger)
	n := &fakeNotifier{}
	return New(st, lg, runner, cfg, n, logger), st, lg, n
}

func TestSleepForTable(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	cases := []struct {
		ratio float64
		want  time.Duration
	}{
		{0.0, time.Minute},
		{0.24, time.Minute},
		{0.25, 5 * time.Minute},
		{0.49, 5 * time.Minute},
		{0.50, 15 * time.Minute},
		{0.74, 15 * time.Minute},
		{0.75, time.Hour},
		{0.99, time.Hour},
	}
	for _, c := range cases {
		if got := sleepFor(c.ratio, now, time.Minute, time.Hour); got != c.want {
			t.Errorf("sleepFor(%v) = %v, want %v", c.ratio, got, c.want)
		}
	}

	// Past the cap the scheduler parks until UTC midnight.
	got := sleepFor(1.0, now, time.Minute, time.Hour)
	want := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC).Sub(now)
	if got != want {
		t.Errorf("sleepFor(1.0) = %v, want %v", got, want)
	}
}

func TestSleepForClamps(t *testing.T) {
	now := time.Now().UTC()
	if got := sleepFor(0.0, now, 2*time.Minute, time.Hour); got != 2*time.Minute {
		t.Errorf("floor not applied: %v", got)
	}
	if got := sleepFor(0.75, now, time.Minute, 30*time.Minute); got != 30*time.Minute {
		t.Errorf("ceiling not applied: %v", got)
	}
}

func TestBudgetAdaptation(t *testing.T) {
	s, st, _, _ := testScheduler(t, &fakeRunner{})
	ctx := context.Background()
	now := time.Now().UTC()

	// Half the 7M daily budget spent: next sleep is the 900 s bracket.
	if err := st.AppendLedger(ctx, &store.LedgerEntry{
		Scope: store.ScopeProactive, Provider: "anthropic", Model: "claude-sonnet-4",
		TokensIn: 3_000_000, TokensOut: 500_000, TokensTotal: 3_500_000,
	}); err != nil {
		t.Fatal(err)
	}
	d, err := s.nextSleep(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if d != 15*time.Minute {
		t.Fatalf("sleep at ratio 0.5 = %v, want 15m", d)
	}

	// One token over the cap: park until the day rolls over.
	if err := st.AppendLedger(ctx, &store.LedgerEntry{
		Scope: store.ScopeProactive, Provider: "anthropic", Model: "claude-sonnet-4",
		TokensIn: 3_500_001, TokensTotal: 3_500_001,
	}); err != nil {
		t.Fatal(err)
	}
	d, err = s.nextSleep(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	if d != midnight.Sub(now) {
		t.Fatalf("sleep over cap = %v, want until midnight (%v)", d, midnight.Sub(now))
	}
}

func TestCycleCompletesTask(t *testing.T) {
	runner := &fakeRunner{output: "filed the report"}
	s, st, _, _ := testScheduler(t, runner)
	ctx := context.Background()

	task := &store.Task{Source: store.TaskSourceSelf, Title: "file weekly report"}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := s.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if runner.calls != 1 {
		t.Fatalf("runner calls = %d", runner.calls)
	}

	got, err := st.Task(ctx, task.ID)
	if err != nil || got.Status != store.TaskDone {
		t.Fatalf("task = %+v, err %v", got, err)
	}
	mem, err := st.Memory(ctx, memoryKeyLastCycle)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if !strings.Contains(mem.Value, "filed the report") {
		t.Fatalf("memory = %q", mem.Value)
	}
}

func TestCycleEmptyBacklogIsNoop(t *testing.T) {
	runner := &fakeRunner{}
	s, _, _, _ := testScheduler(t, runner)
	if err := s.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if runner.calls != 0 {
		t.Fatal("runner called with empty backlog")
	}
}

func TestCycleMasterOutranksSelf(t *testing.T) {
	runner := &fakeRunner{output: "ok"}
	s, st, _, _ := testScheduler(t, runner)
	ctx := context.Background()

	selfTask := &store.Task{Source: store.TaskSourceSelf, Priority: 9, Title: "reorganize notes"}
	masterTask := &store.Task{Source: store.TaskSourceMaster, Priority: 1, Title: "book the flight"}
	for _, task := range []*store.Task{selfTask, masterTask} {
		if err := st.CreateTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	got, _ := st.Task(ctx, masterTask.ID)
	if got.Status != store.TaskDone {
		t.Fatalf("master task = %s, want done", got.Status)
	}
	still, _ := st.Task(ctx, selfTask.ID)
	if still.Status != store.TaskPending {
		t.Fatalf("self task = %s, want pending", still.Status)
	}
}

func TestCycleDecomposesAndNotifies(t *testing.T) {
	runner := &fakeRunner{output: `{"decompose": true, "subtasks": [{"title": "find flights", "detail": "compare prices"}, {"title": "book the cheapest"}]}`}
	s, st, _, n := testScheduler(t, runner)
	ctx := context.Background()

	task := &store.Task{Source: store.TaskSourceMaster, Title: "plan the trip"}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := s.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	parent, _ := st.Task(ctx, task.ID)
	if parent.Status != store.TaskInProgress {
		t.Fatalf("parent = %s, want in_progress", parent.Status)
	}
	pending, _ := st.TasksByStatus(ctx, store.TaskPending)
	if len(pending) != 2 {
		t.Fatalf("subtasks = %d, want 2", len(pending))
	}
	if pending[0].Title != "find flights" || pending[0].ParentID == nil || *pending[0].ParentID != task.ID {
		t.Fatalf("first subtask = %+v", pending[0])
	}
	if len(n.notes) != 1 || !strings.Contains(n.notes[0], "2 steps") {
		t.Fatalf("notes = %v", n.notes)
	}
}

func TestScheduledTaskMaterializesOncePerMinute(t *testing.T) {
	runner := &fakeRunner{output: "ok"}
	s, st, _, _ := testScheduler(t, runner)
	ctx := context.Background()

	recurring := &store.Task{
		Source:   store.TaskSourceMaster,
		Title:    "morning briefing",
		Schedule: "* * * * *",
	}
	if err := st.CreateTask(ctx, recurring); err != nil {
		t.Fatal(err)
	}

	// First cycle fires the schedule and runs the materialized copy.
	if err := s.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if runner.calls != 1 {
		t.Fatalf("runner calls = %d", runner.calls)
	}
	cron, _ := st.Task(ctx, recurring.ID)
	if cron.Status != store.TaskPending || cron.LastRunAt == nil {
		t.Fatalf("recurring task = %+v", cron)
	}
	done, _ := st.TasksByStatus(ctx, store.TaskDone)
	if len(done) != 1 || done[0].Title != "morning briefing" || done[0].Schedule != "" {
		t.Fatalf("materialized run = %+v", done)
	}

	// Second cycle inside the same minute must not fire again.
	if err := s.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if runner.calls != 1 {
		t.Fatalf("double fire: runner calls = %d", runner.calls)
	}
}

func TestCycleExecutorErrorLeavesNote(t *testing.T) {
	runner := &fakeRunner{err: context.DeadlineExceeded}
	s, st, _, _ := testScheduler(t, runner)
	ctx := context.Background()

	task := &store.Task{Source: store.TaskSourceSelf, Title: "flaky thing"}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := s.Cycle(ctx); err == nil {
		t.Fatal("expected cycle error")
	}
	mem, err := st.Memory(ctx, memoryKeyLastCycle)
	if err != nil || !strings.Contains(mem.Value, "error") {
		t.Fatalf("memory = %+v, err %v", mem, err)
	}

	// The failure releases the task, so a later cycle can pick it up again.
	got, err := st.Task(ctx, task.ID)
	if err != nil || got.Status != store.TaskPending {
		t.Fatalf("task after failure = %+v, err %v", got, err)
	}
	runner.err = nil
	runner.output = "worked on retry"
	if err := s.Cycle(ctx); err != nil {
		t.Fatalf("retry cycle: %v", err)
	}
	got, _ = st.Task(ctx, task.ID)
	if got.Status != store.TaskDone {
		t.Fatalf("retry left task %s", got.Status)
	}
}
