package agent

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/relay/internal/ledger"
	"github.com/nextlevelbuilder/relay/internal/providers"
	"github.com/nextlevelbuilder/relay/internal/store"
	"github.com/nextlevelbuilder/relay/internal/tools"
	"github.com/nextlevelbuilder/relay/internal/worker"
)

// scriptedProvider replays canned responses and records every request.
type scriptedProvider struct {
	responses []*providers.ChatResponse
	requests  []providers.ChatRequest
}

func (p *scriptedProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return &providers.ChatResponse{Content: "out of script", FinishReason: "stop"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) DefaultModel() string { return "claude-sonnet-4" }
func (p *scriptedProvider) Name() string         { return "scripted" }

// echoTool is a safe tool that records its invocations.
type echoTool struct {
	calls int
	fail  bool
}

func (t *echoTool) Name() string               { return "echo" }
func (t *echoTool) Description() string        { return "echo back the input" }
func (t *echoTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (t *echoTool) Tier() tools.Tier           { return tools.TierSafe }

func (t *echoTool) Execute(_ context.Context, args map[string]any) *tools.Result {
	t.calls++
	if t.fail {
		return tools.ErrorResult("echo broke")
	}
	text, _ := args["text"].(string)
	return tools.NewResult("echo: " + text)
}

func testBrain(t *testing.T, script []*providers.ChatResponse, opts ...Option) (*Brain, *scriptedProvider, *store.Store, *tools.Registry) {
	t.Helper()
	st, err := store.Open(store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := tools.NewRegistry()
	gate := tools.NewGate(st, reg, time.Hour, nil, logger)
	lg := ledger.New(st, 1_000_000, 0, logger)

	p := &scriptedProvider{responses: script}
	return New(p, p, "claude-haiku-3", gate, lg, logger, opts...), p, st, reg
}

func testThreadContext() *worker.ThreadContext {
	msgID := uuid.Must(uuid.NewV7())
	return &worker.ThreadContext{
		Thread: &store.Thread{ID: uuid.Must(uuid.NewV7())},
		Messages: []*store.Message{
			{ID: uuid.Must(uuid.NewV7()), Role: "assistant", Text: "Anything else?"},
			{ID: msgID, Role: "user", Text: "delete my old backups"},
		},
		Artifacts: map[string][]*store.Artifact{},
	}
}

func TestClassifyParsesFencedVerdict(t *testing.T) {
	b, p, st, _ := testBrain(t, []*providers.ChatResponse{{
		Content: "```json\n{\"intent\":\"command\",\"summary\":\"delete old backups\",\"plan\":\"rm the backup dir\",\"needs_confirmation\":true,\"confidence\":0.9}\n```",
		Usage:   &providers.Usage{PromptTokens: 200, CompletionTokens: 40, TotalTokens: 240},
	}})

	cls, err := b.Classify(context.Background(), testThreadContext())
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if cls.Intent != "command" || !cls.NeedsConfirmation || cls.Confidence != 0.9 {
		t.Fatalf("verdict = %+v", cls)
	}

	if p.requests[0].Model != "claude-haiku-3" {
		t.Errorf("classify model = %q", p.requests[0].Model)
	}
	if p.requests[0].Messages[0].Role != "system" {
		t.Error("missing system prompt")
	}

	entries, err := st.RecentLedger(context.Background(), 5)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ledger entries = %d, err %v", len(entries), err)
	}
	if entries[0].Scope != store.ScopeReactive || entries[0].TokensTotal != 240 {
		t.Fatalf("entry = %+v", entries[0])
	}
}

func TestClassifyUnknownIntentBecomesOther(t *testing.T) {
	b, _, _, _ := testBrain(t, []*providers.ChatResponse{{
		Content: `{"intent":"shopping","summary":"?"}`,
	}})
	cls, err := b.Classify(context.Background(), testThreadContext())
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if cls.Intent != "other" {
		t.Fatalf("intent = %q", cls.Intent)
	}
}

func TestClassifyRejectsGarbage(t *testing.T) {
	b, _, _, _ := testBrain(t, []*providers.ChatResponse{{
		Content: "I think the user wants to chat.",
	}})
	if _, err := b.Classify(context.Background(), testThreadContext()); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRespondRendersTranscriptWithArtifacts(t *testing.T) {
	b, p, _, _ := testBrain(t, []*providers.ChatResponse{{
		Content: "Sure, sounds good.",
		Usage:   &providers.Usage{PromptTokens: 50, CompletionTokens: 10, TotalTokens: 60},
	}})

	tc := testThreadContext()
	voiceMsg := tc.Messages[1]
	tc.Artifacts[voiceMsg.ID.String()] = []*store.Artifact{
		{Kind: store.ArtifactVoiceTranscript, Content: "please delete my old backups", Status: store.ArtifactDone},
	}

	reply, err := b.Respond(context.Background(), tc)
	if err != nil || reply != "Sure, sounds good." {
		t.Fatalf("reply=%q err=%v", reply, err)
	}

	last := p.requests[0].Messages[len(p.requests[0].Messages)-1]
	if !strings.Contains(last.Content, "please delete my old backups") {
		t.Errorf("artifact not inlined: %q", last.Content)
	}
}

func TestExecuteToolLoop(t *testing.T) {
	b, p, _, reg := testBrain(t, []*providers.ChatResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{
				{ID: "call_1", Name: "echo", Arguments: map[string]any{"text": "hi"}},
			},
			Usage: &providers.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
		},
		{
			Content:      "Done, backups removed.",
			FinishReason: "stop",
			Usage:        &providers.Usage{PromptTokens: 150, CompletionTokens: 15, TotalTokens: 165},
		},
	})
	tool := &echoTool{}
	reg.Register(tool)

	out, err := b.Execute(context.Background(), testThreadContext(), &worker.Classification{
		Intent:  "command",
		Summary: "delete old backups",
		Plan:    "remove the backup directory",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "Done, backups removed." {
		t.Fatalf("out = %q", out)
	}
	if tool.calls != 1 {
		t.Fatalf("tool calls = %d", tool.calls)
	}

	// Second request carries the tool result keyed to the call id.
	second := p.requests[1].Messages
	toolMsg := second[len(second)-1]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "call_1" || !strings.Contains(toolMsg.Content, "echo: hi") {
		t.Fatalf("tool message = %+v", toolMsg)
	}
	if len(p.requests[0].Tools) != 1 || p.requests[0].Tools[0].Function.Name != "echo" {
		t.Fatalf("tool defs = %+v", p.requests[0].Tools)
	}
}

func TestExecuteFeedsToolErrorsBack(t *testing.T) {
	b, p, _, reg := testBrain(t, []*providers.ChatResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{
				{ID: "call_1", Name: "echo", Arguments: nil},
			},
		},
		{Content: "The tool failed.", FinishReason: "stop"},
	})
	reg.Register(&echoTool{fail: true})

	out, err := b.Execute(context.Background(), testThreadContext(), &worker.Classification{Summary: "x"})
	if err != nil || out != "The tool failed." {
		t.Fatalf("out=%q err=%v", out, err)
	}
	second := p.requests[1].Messages
	toolMsg := second[len(second)-1]
	if !strings.HasPrefix(toolMsg.Content, "ERROR:") {
		t.Fatalf("tool error not marked: %q", toolMsg.Content)
	}
}

func TestExecuteIterationBound(t *testing.T) {
	loop := &providers.ChatResponse{
		FinishReason: "tool_calls",
		ToolCalls:    []providers.ToolCall{{ID: "c", Name: "echo", Arguments: nil}},
	}
	b, _, _, reg := testBrain(t, []*providers.ChatResponse{loop, loop, loop}, WithMaxToolIterations(2))
	reg.Register(&echoTool{})

	_, err := b.Execute(context.Background(), testThreadContext(), &worker.Classification{Summary: "x"})
	if err == nil || !strings.Contains(err.Error(), "iterations") {
		t.Fatalf("err = %v", err)
	}
}
