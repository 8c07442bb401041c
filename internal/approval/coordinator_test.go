package approval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/relay/internal/config"
	"github.com/nextlevelbuilder/relay/internal/store"
)

type fakeSender struct {
	texts       []string
	approvals   []string
	annotations []string
	acks        []string
	failSend    bool
	nextMsgID   int
}

func (f *fakeSender) SendText(_ context.Context, _, text string) (string, error) {
	f.texts = append(f.texts, text)
	f.nextMsgID++
	return fmt.Sprintf("%d", f.nextMsgID), nil
}

func (f *fakeSender) SendApproval(_ context.Context, _, text, ref string) (string, error) {
	if f.failSend {
		return "", errors.New("network down")
	}
	f.approvals = append(f.approvals, ref)
	f.nextMsgID++
	return fmt.Sprintf("%d", f.nextMsgID), nil
}

func (f *fakeSender) Annotate(_ context.Context, _, _, text string) error {
	f.annotations = append(f.annotations, text)
	return nil
}

func (f *fakeSender) AckCallback(_ context.Context, _, text string) error {
	f.acks = append(f.acks, text)
	return nil
}

type fakeNotifier struct{ nudges int }

func (f *fakeNotifier) Nudge() { f.nudges++ }

func testCoordinator(t *testing.T) (*Coordinator, *store.Store, *fakeSender, *fakeNotifier) {
	t.Helper()
	st, err := store.Open(store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Telegram.OwnerIDs = []string{"7"}

	sender := &fakeSender{}
	notifier := &fakeNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, sender, cfg, notifier, logger), st, sender, notifier
}

// seedAwaitingJob ingests a message, claims its job and parks it on a fresh
// approval, mirroring the executor's pause-for-approval path.
func seedAwaitingJob(t *testing.T, c *Coordinator, st *store.Store) (*store.ReactiveJob, *store.Approval) {
	t.Helper()
	ctx := context.Background()

	res, err := st.RecordInboundMessage(ctx, &store.InboundMessage{
		Platform:          "telegram",
		ExternalChatID:    "100",
		ChatType:          "private",
		ExternalMessageID: "1",
		AuthorID:          "7",
		Text:              "deploy the new build",
		ReceivedAt:        time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	job, err := st.ClaimNextJob(ctx, []store.JobMode{store.ModeClassify}, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	a, err := c.RequestApproval(ctx, job, "Plan: deploy build 42 to production")
	if err != nil {
		t.Fatalf("request approval: %v", err)
	}
	if err := st.MarkJobAwaitingApproval(ctx, job.ID, a.ID); err != nil {
		t.Fatalf("park job: %v", err)
	}
	_ = res
	return job, a
}

func TestApproveReenqueuesExecution(t *testing.T) {
	c, st, sender, notifier := testCoordinator(t)
	ctx := context.Background()
	job, a := seedAwaitingJob(t, c, st)

	if len(sender.approvals) != 1 || sender.approvals[0] != a.ID.String() {
		t.Fatalf("approval control not sent: %v", sender.approvals)
	}
	if a.ControlMessageID == "" {
		t.Fatal("control message id not recorded")
	}

	c.HandleCallback(ctx, a.ID, true, "7", "cb1", "100", a.ControlMessageID)

	jobs, err := st.JobsByThread(ctx, job.ThreadID)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want parked + successor", len(jobs))
	}
	old, successor := jobs[0], jobs[1]
	if old.Status != store.JobDone {
		t.Errorf("parked job status = %s", old.Status)
	}
	if successor.Mode != store.ModeExecute || successor.Status != store.JobQueued {
		t.Errorf("successor = %s/%s", successor.Mode, successor.Status)
	}
	if successor.ApprovalID == nil || *successor.ApprovalID != a.ID {
		t.Errorf("successor approval link = %v", successor.ApprovalID)
	}
	if !strings.Contains(string(successor.Classification), `"confirmed":true`) {
		t.Errorf("successor not marked confirmed: %s", successor.Classification)
	}
	if notifier.nudges != 1 {
		t.Errorf("nudges = %d", notifier.nudges)
	}
	if len(sender.acks) != 1 || sender.acks[0] != "Approved" {
		t.Errorf("acks = %v", sender.acks)
	}
	if len(sender.annotations) != 1 || !strings.Contains(sender.annotations[0], "Approved") {
		t.Errorf("annotations = %v", sender.annotations)
	}
}

func TestRejectFailsJob(t *testing.T) {
	c, st, sender, _ := testCoordinator(t)
	ctx := context.Background()
	job, a := seedAwaitingJob(t, c, st)

	c.HandleCallback(ctx, a.ID, false, "7", "cb1", "100", a.ControlMessageID)

	got, err := st.Job(ctx, job.ID)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if got.Status != store.JobFailed || got.Error != "rejected by owner" {
		t.Fatalf("job = %s / %q", got.Status, got.Error)
	}
	jobs, _ := st.JobsByThread(ctx, job.ThreadID)
	if len(jobs) != 1 {
		t.Fatalf("rejection enqueued a successor: %d jobs", len(jobs))
	}
	if len(sender.texts) != 1 {
		t.Fatalf("rejection note not sent: %v", sender.texts)
	}
}

func TestNonOwnerCannotResolve(t *testing.T) {
	c, st, sender, _ := testCoordinator(t)
	ctx := context.Background()
	_, a := seedAwaitingJob(t, c, st)

	c.HandleCallback(ctx, a.ID, true, "999", "cb1", "100", a.ControlMessageID)

	got, err := st.Approval(ctx, a.ID)
	if err != nil {
		t.Fatalf("approval: %v", err)
	}
	if got.Status != store.ApprovalPending {
		t.Fatalf("non-owner resolved approval: %s", got.Status)
	}
	if len(sender.acks) != 1 || sender.acks[0] != "Not authorized" {
		t.Errorf("acks = %v", sender.acks)
	}
}

func TestDuplicatePressIsIdempotent(t *testing.T) {
	c, st, sender, notifier := testCoordinator(t)
	ctx := context.Background()
	job, a := seedAwaitingJob(t, c, st)

	c.HandleCallback(ctx, a.ID, true, "7", "cb1", "100", a.ControlMessageID)
	c.HandleCallback(ctx, a.ID, true, "7", "cb2", "100", a.ControlMessageID)

	jobs, _ := st.JobsByThread(ctx, job.ThreadID)
	if len(jobs) != 2 {
		t.Fatalf("duplicate press enqueued again: %d jobs", len(jobs))
	}
	if notifier.nudges != 1 {
		t.Errorf("nudges = %d", notifier.nudges)
	}
	if len(sender.acks) != 2 {
		t.Fatalf("acks = %v", sender.acks)
	}
}

func TestConflictingPressAfterResolution(t *testing.T) {
	c, st, _, _ := testCoordinator(t)
	ctx := context.Background()
	job, a := seedAwaitingJob(t, c, st)

	c.HandleCallback(ctx, a.ID, false, "7", "cb1", "100", a.ControlMessageID)
	c.HandleCallback(ctx, a.ID, true, "7", "cb2", "100", a.ControlMessageID)

	got, _ := st.Approval(ctx, a.ID)
	if got.Status != store.ApprovalRejected {
		t.Fatalf("late press flipped outcome: %s", got.Status)
	}
	jobs, _ := st.JobsByThread(ctx, job.ThreadID)
	if len(jobs) != 1 {
		t.Fatalf("late approve enqueued: %d jobs", len(jobs))
	}
}

func TestExpireDueFailsJobAndNotifies(t *testing.T) {
	c, st, sender, _ := testCoordinator(t)
	ctx := context.Background()
	job, a := seedAwaitingJob(t, c, st)

	// Push the deadline into the past.
	if _, err := st.DB().ExecContext(ctx,
		`UPDATE approvals SET expires_at = $1 WHERE id = $2`,
		time.Now().UTC().Add(-time.Minute), a.ID.String()); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	if err := c.ExpireDue(ctx); err != nil {
		t.Fatalf("expire: %v", err)
	}

	got, _ := st.Job(ctx, job.ID)
	if got.Status != store.JobFailed || got.Error != store.ReasonApprovalExpired {
		t.Fatalf("job = %s / %q", got.Status, got.Error)
	}
	if len(sender.texts) != 1 || !strings.Contains(sender.texts[0], "window closed") {
		t.Fatalf("expiry note = %v", sender.texts)
	}
	if len(sender.annotations) != 1 || !strings.Contains(sender.annotations[0], "Expired") {
		t.Fatalf("annotations = %v", sender.annotations)
	}
}

func seedToolApproval(t *testing.T, st *store.Store) *store.ToolApproval {
	t.Helper()
	ta := &store.ToolApproval{
		ToolName:  "shell",
		Input:     []byte(`{"command":"make deploy"}`),
		Reasoning: "ship the fix",
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	if err := st.CreateToolApproval(context.Background(), ta); err != nil {
		t.Fatalf("create tool approval: %v", err)
	}
	return ta
}

func TestToolCallbackApproves(t *testing.T) {
	c, st, sender, _ := testCoordinator(t)
	ctx := context.Background()
	ta := seedToolApproval(t, st)

	c.HandleToolCallback(ctx, ta.ID, true, "7", "cb1", "100", "5")

	got, err := st.ToolApprovalByID(ctx, ta.ID)
	if err != nil {
		t.Fatalf("tool approval: %v", err)
	}
	if got.Status != store.ToolApprovalApproved {
		t.Fatalf("status = %s", got.Status)
	}
	if len(sender.acks) != 1 || sender.acks[0] != "Approved" {
		t.Errorf("acks = %v", sender.acks)
	}
	if len(sender.annotations) != 1 || !strings.Contains(sender.annotations[0], "shell") {
		t.Errorf("annotations = %v", sender.annotations)
	}
}

func TestToolCallbackRejects(t *testing.T) {
	c, st, sender, _ := testCoordinator(t)
	ctx := context.Background()
	ta := seedToolApproval(t, st)

	c.HandleToolCallback(ctx, ta.ID, false, "7", "cb1", "100", "5")

	got, _ := st.ToolApprovalByID(ctx, ta.ID)
	if got.Status != store.ToolApprovalRejected {
		t.Fatalf("status = %s", got.Status)
	}
	if len(sender.acks) != 1 || sender.acks[0] != "Rejected" {
		t.Errorf("acks = %v", sender.acks)
	}
}

func TestToolCallbackNonOwner(t *testing.T) {
	c, st, sender, _ := testCoordinator(t)
	ctx := context.Background()
	ta := seedToolApproval(t, st)

	c.HandleToolCallback(ctx, ta.ID, true, "999", "cb1", "100", "5")

	got, _ := st.ToolApprovalByID(ctx, ta.ID)
	if got.Status != store.ToolApprovalPending {
		t.Fatalf("non-owner resolved request: %s", got.Status)
	}
	if len(sender.acks) != 1 || sender.acks[0] != "Not authorized" {
		t.Errorf("acks = %v", sender.acks)
	}
}

func TestToolCallbackLatePressCannotFlip(t *testing.T) {
	c, st, sender, _ := testCoordinator(t)
	ctx := context.Background()
	ta := seedToolApproval(t, st)

	c.HandleToolCallback(ctx, ta.ID, false, "7", "cb1", "100", "5")
	c.HandleToolCallback(ctx, ta.ID, true, "7", "cb2", "100", "5")

	got, _ := st.ToolApprovalByID(ctx, ta.ID)
	if got.Status != store.ToolApprovalRejected {
		t.Fatalf("late press flipped outcome: %s", got.Status)
	}
	if len(sender.acks) != 2 || sender.acks[1] != "Already resolved" {
		t.Errorf("acks = %v", sender.acks)
	}
}

func TestSendFailureReleasesPendingSlot(t *testing.T) {
	c, st, sender, _ := testCoordinator(t)
	ctx := context.Background()

	res, err := st.RecordInboundMessage(ctx, &store.InboundMessage{
		Platform:          "telegram",
		ExternalChatID:    "100",
		ChatType:          "private",
		ExternalMessageID: "1",
		AuthorID:          "7",
		Text:              "do the thing",
		ReceivedAt:        time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	job, err := st.ClaimNextJob(ctx, []store.JobMode{store.ModeClassify}, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	sender.failSend = true
	if _, err := c.RequestApproval(ctx, job, "Plan: do the thing"); err == nil {
		t.Fatal("send failure not surfaced")
	}

	// The failed request must not hold the thread's single pending slot.
	if _, err := st.PendingApprovalForThread(ctx, res.Thread.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("pending slot still held: %v", err)
	}
	sender.failSend = false
	if _, err := c.RequestApproval(ctx, job, "Plan: do the thing"); err != nil {
		t.Fatalf("retry after send failure: %v", err)
	}
}
