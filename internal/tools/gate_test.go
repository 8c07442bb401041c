package tools

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/relay/internal/store"
)

// stubTool is a configurable tool for gate tests.
type stubTool struct {
	name    string
	tier    Tier
	auto    bool
	calls   int
	mu      sync.Mutex
}

func (s *stubTool) Name() string                { return s.name }
func (s *stubTool) Description() string         { return "stub" }
func (s *stubTool) Parameters() map[string]any  { return map[string]any{"type": "object"} }
func (s *stubTool) Tier() Tier                  { return s.tier }
func (s *stubTool) AutoApprove(map[string]any) bool { return s.auto }

func (s *stubTool) Execute(_ context.Context, _ map[string]any) *Result {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return NewResult("ran " + s.name)
}

func (s *stubTool) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testGate(t *testing.T, timeout time.Duration) (*Gate, *store.Store, *Registry) {
	t.Helper()
	st, err := store.Open(store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := NewGate(st, reg, timeout, nil, logger)
	g.poll = 10 * time.Millisecond
	return g, st, reg
}

func TestGateSafeToolRunsImmediately(t *testing.T) {
	g, _, reg := testGate(t, time.Hour)
	tool := &stubTool{name: "probe", tier: TierSafe}
	reg.Register(tool)

	res := g.Invoke(context.Background(), "probe", nil)
	if res.IsError || tool.callCount() != 1 {
		t.Fatalf("res=%+v calls=%d", res, tool.callCount())
	}
}

func TestGateForbiddenToolNeverRuns(t *testing.T) {
	g, _, reg := testGate(t, time.Hour)
	tool := &stubTool{name: "nuke", tier: TierForbidden}
	reg.Register(tool)

	res := g.Invoke(context.Background(), "nuke", nil)
	if !res.IsError || !strings.Contains(res.Content, "forbidden") {
		t.Fatalf("res = %+v", res)
	}
	if tool.callCount() != 0 {
		t.Fatal("forbidden tool executed")
	}
}

func TestGateUnknownTool(t *testing.T) {
	g, _, _ := testGate(t, time.Hour)
	res := g.Invoke(context.Background(), "nope", nil)
	if !res.IsError || !strings.Contains(res.Content, "unknown tool") {
		t.Fatalf("res = %+v", res)
	}
}

func TestGateAutoApprovedGatedToolRuns(t *testing.T) {
	g, st, reg := testGate(t, time.Hour)
	tool := &stubTool{name: "deploy", tier: TierGated, auto: true}
	reg.Register(tool)

	res := g.Invoke(context.Background(), "deploy", nil)
	if res.IsError || tool.callCount() != 1 {
		t.Fatalf("res=%+v calls=%d", res, tool.callCount())
	}
	// Auto-approval opens no request row.
	if n, err := st.ExpireDueToolApprovals(context.Background(), time.Now().UTC().Add(time.Hour)); err != nil || n != 0 {
		t.Fatalf("unexpected tool approvals: n=%d err=%v", n, err)
	}
}

// resolveSoon flips the pending request after a short delay, standing in for
// the owner pressing a button.
func resolveSoon(t *testing.T, st *store.Store, outcome store.ToolApprovalStatus, response string) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			rows, err := st.DB().QueryContext(context.Background(), `SELECT id FROM tool_approvals WHERE status = 'pending'`)
			if err != nil {
				return
			}
			var idStr string
			if rows.Next() {
				_ = rows.Scan(&idStr)
			}
			rows.Close()
			if idStr != "" {
				ta, err := st.ToolApprovalByID(context.Background(), uuid.MustParse(idStr))
				if err == nil {
					_ = st.ResolveToolApproval(context.Background(), ta.ID, outcome, response)
				}
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func TestGatePendingApprovalResolvesApproved(t *testing.T) {
	g, st, reg := testGate(t, time.Hour)
	tool := &stubTool{name: "deploy", tier: TierGated}
	reg.Register(tool)

	resolveSoon(t, st, store.ToolApprovalApproved, "")
	res := g.Invoke(context.Background(), "deploy", map[string]any{"reasoning": "ship it"})
	if res.IsError || tool.callCount() != 1 {
		t.Fatalf("res=%+v calls=%d", res, tool.callCount())
	}
}

func TestGatePendingApprovalResolvesRejected(t *testing.T) {
	g, st, reg := testGate(t, time.Hour)
	tool := &stubTool{name: "deploy", tier: TierGated}
	reg.Register(tool)

	resolveSoon(t, st, store.ToolApprovalRejected, "not now")
	res := g.Invoke(context.Background(), "deploy", nil)
	if !res.IsError || !strings.Contains(res.Content, "rejected") || !strings.Contains(res.Content, "not now") {
		t.Fatalf("res = %+v", res)
	}
	if tool.callCount() != 0 {
		t.Fatal("rejected tool executed")
	}
}

func TestGateApprovalExpiry(t *testing.T) {
	g, _, reg := testGate(t, 30*time.Millisecond)
	tool := &stubTool{name: "deploy", tier: TierGated}
	reg.Register(tool)

	res := g.Invoke(context.Background(), "deploy", nil)
	if !res.IsError || !strings.Contains(res.Content, "expired") {
		t.Fatalf("res = %+v", res)
	}
	if tool.callCount() != 0 {
		t.Fatal("expired tool executed")
	}
}

func TestGateCancellation(t *testing.T) {
	g, _, reg := testGate(t, time.Hour)
	tool := &stubTool{name: "deploy", tier: TierGated}
	reg.Register(tool)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	res := g.Invoke(ctx, "deploy", nil)
	if !res.IsError || !strings.Contains(res.Content, "canceled") {
		t.Fatalf("res = %+v", res)
	}
}
