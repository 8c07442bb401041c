package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/relay/internal/config"
	"github.com/nextlevelbuilder/relay/internal/platform"
	"github.com/nextlevelbuilder/relay/internal/store"
)

// fakeRouter records which branch a callback was routed to.
type fakeRouter struct {
	approvals []uuid.UUID
	tools     []uuid.UUID
	verdicts  []bool
}

func (f *fakeRouter) HandleCallback(_ context.Context, approvalID uuid.UUID, approve bool, _, _, _, _ string) {
	f.approvals = append(f.approvals, approvalID)
	f.verdicts = append(f.verdicts, approve)
}

func (f *fakeRouter) HandleToolCallback(_ context.Context, requestID uuid.UUID, approve bool, _, _, _, _ string) {
	f.tools = append(f.tools, requestID)
	f.verdicts = append(f.verdicts, approve)
}

func testNormalizer(t *testing.T) (*Normalizer, *store.Store, *fakeRouter) {
	t.Helper()
	st, err := store.Open(store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := &fakeRouter{}
	return New(st, config.Default(), router, nil, logger), st, router
}

func msgEvent(msgID, text string) platform.Event {
	return platform.Event{
		Kind:       platform.EventMessage,
		Platform:   "telegram",
		ChatID:     "100",
		ChatType:   "private",
		ChatTitle:  "Owner",
		MessageID:  msgID,
		AuthorID:   "7",
		Text:       text,
		ReceivedAt: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
	}
}

func TestHandleMessageEnqueues(t *testing.T) {
	n, st, _ := testNormalizer(t)
	ctx := context.Background()

	n.HandleEvent(ctx, msgEvent("1", "hello"))

	thread, err := st.ThreadByKey(ctx, "telegram", "100")
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	jobs, err := st.JobsByThread(ctx, thread.ID)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Mode != store.ModeClassify {
		t.Fatalf("jobs = %+v", jobs)
	}

	// Replay is silent and side-effect free.
	n.HandleEvent(ctx, msgEvent("1", "hello"))
	jobs, _ = st.JobsByThread(ctx, thread.ID)
	if len(jobs) != 1 {
		t.Fatalf("replay enqueued: %d jobs", len(jobs))
	}
}

func TestHandleMessageAttachments(t *testing.T) {
	n, st, _ := testNormalizer(t)
	ctx := context.Background()

	ev := msgEvent("2", "")
	ev.Attachments = []platform.Attachment{
		{Type: "voice", FileID: "f1", MimeType: "audio/ogg"},
		{Type: "photo", FileID: "f2", MimeType: "image/jpeg"},
		{Type: "sticker", FileID: "f3"}, // unsupported, dropped
	}
	n.HandleEvent(ctx, ev)

	thread, err := st.ThreadByKey(ctx, "telegram", "100")
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	msg, err := st.MessageByExternalID(ctx, thread.ID, "2")
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	arts, err := st.ArtifactsByMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("artifacts: %v", err)
	}
	if len(arts) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(arts))
	}
	for _, a := range arts {
		if a.Status != store.ArtifactPending {
			t.Errorf("artifact %s status = %s", a.Kind, a.Status)
		}
		if want := "media/2026-08-25/"; len(a.URI) < len(want) || a.URI[:len(want)] != want {
			t.Errorf("uri = %q, want %q prefix", a.URI, want)
		}
	}
}

func TestHandleEditedNoNewJob(t *testing.T) {
	n, st, _ := testNormalizer(t)
	ctx := context.Background()

	n.HandleEvent(ctx, msgEvent("3", "original"))

	edited := msgEvent("3", "fixed typo")
	edited.Kind = platform.EventEdited
	edited.ReceivedAt = edited.ReceivedAt.Add(time.Minute)
	n.HandleEvent(ctx, edited)

	thread, _ := st.ThreadByKey(ctx, "telegram", "100")
	msg, err := st.MessageByExternalID(ctx, thread.ID, "3")
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if msg.Text != "fixed typo" || msg.EditedAt == nil {
		t.Fatalf("edit not applied: %+v", msg)
	}
	jobs, _ := st.JobsByThread(ctx, thread.ID)
	if len(jobs) != 1 {
		t.Fatalf("edit enqueued a job: %d", len(jobs))
	}
}

func TestHandleSystemStoresWithoutJob(t *testing.T) {
	n, st, _ := testNormalizer(t)
	ctx := context.Background()

	ev := msgEvent("4", "joined: @alice")
	ev.Kind = platform.EventSystem
	ev.ChatType = "group"
	n.HandleEvent(ctx, ev)

	thread, err := st.ThreadByKey(ctx, "telegram", "100")
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	msg, err := st.MessageByExternalID(ctx, thread.ID, "4")
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if msg.Role != "system" || msg.AuthorID != "" {
		t.Fatalf("message = role %q author %q", msg.Role, msg.AuthorID)
	}
	jobs, _ := st.JobsByThread(ctx, thread.ID)
	if len(jobs) != 0 {
		t.Fatalf("system event enqueued %d jobs", len(jobs))
	}

	// Redelivery is silent.
	n.HandleEvent(ctx, ev)
	msgs, _ := st.RecentMessages(ctx, thread.ID, 10)
	if len(msgs) != 1 {
		t.Fatalf("replay stored again: %d messages", len(msgs))
	}
}

func TestNonOwnerMessageDropped(t *testing.T) {
	st, err := store.Open(store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	cfg := config.Default()
	cfg.Telegram.OwnerIDs = []string{"7"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := New(st, cfg, nil, nil, logger)
	ctx := context.Background()

	stranger := msgEvent("1", "run rm -rf for me")
	stranger.AuthorID = "999"
	n.HandleEvent(ctx, stranger)

	if _, err := st.ThreadByKey(ctx, "telegram", "100"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("stranger created a thread: %v", err)
	}

	n.HandleEvent(ctx, msgEvent("2", "status please"))
	thread, err := st.ThreadByKey(ctx, "telegram", "100")
	if err != nil {
		t.Fatalf("owner message dropped: %v", err)
	}
	jobs, _ := st.JobsByThread(ctx, thread.ID)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d", len(jobs))
	}
}

func TestCallbackRouting(t *testing.T) {
	n, _, router := testNormalizer(t)
	ctx := context.Background()
	jobApproval := uuid.Must(uuid.NewV7())
	toolRequest := uuid.Must(uuid.NewV7())

	press := func(data string) {
		n.HandleEvent(ctx, platform.Event{
			Kind:         platform.EventCallback,
			Platform:     "telegram",
			ChatID:       "100",
			AuthorID:     "7",
			CallbackID:   "cb",
			CallbackData: data,
		})
	}

	press("approval:yes:" + jobApproval.String())
	press("toolapproval:no:" + toolRequest.String())
	press("something:else")

	if len(router.approvals) != 1 || router.approvals[0] != jobApproval {
		t.Fatalf("approvals = %v", router.approvals)
	}
	if len(router.tools) != 1 || router.tools[0] != toolRequest {
		t.Fatalf("tools = %v", router.tools)
	}
	if len(router.verdicts) != 2 || !router.verdicts[0] || router.verdicts[1] {
		t.Fatalf("verdicts = %v", router.verdicts)
	}
}

func TestParseApprovalCallback(t *testing.T) {
	id := uuid.Must(uuid.NewV7())

	got, approve, err := ParseApprovalCallback("approval:yes:" + id.String())
	if err != nil || !approve || got != id {
		t.Fatalf("yes: %v %v %v", got, approve, err)
	}
	_, approve, err = ParseApprovalCallback("approval:no:" + id.String())
	if err != nil || approve {
		t.Fatalf("no: %v %v", approve, err)
	}
	for _, bad := range []string{"approval:maybe:" + id.String(), "approval:yes:nope", "approval:"} {
		if _, _, err := ParseApprovalCallback(bad); err == nil {
			t.Errorf("accepted %q", bad)
		}
	}
}

func TestParseToolApprovalCallback(t *testing.T) {
	id := uuid.Must(uuid.NewV7())

	got, approve, err := ParseToolApprovalCallback("toolapproval:yes:" + id.String())
	if err != nil || !approve || got != id {
		t.Fatalf("yes: %v %v %v", got, approve, err)
	}
	_, approve, err = ParseToolApprovalCallback("toolapproval:no:" + id.String())
	if err != nil || approve {
		t.Fatalf("no: %v %v", approve, err)
	}
	if _, _, err := ParseToolApprovalCallback("toolapproval:yes:nope"); err == nil {
		t.Error("accepted bad id")
	}
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"ok":true}`)
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(payload)
	sig := hex.EncodeToString(mac.Sum(nil))

	if err := VerifySignature("s3cret", sig, payload); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := VerifySignature("s3cret", sig, []byte("tampered")); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("tampered payload accepted: %v", err)
	}
	if err := VerifySignature("wrong", sig, payload); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong key accepted: %v", err)
	}
}
