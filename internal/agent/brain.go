// Package agent holds the model-facing brain of the reactive loop. The
// Brain turns thread context into classifier verdicts, chat replies and
// tool-driven executions, with every call metered through the ledger.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/relay/internal/ledger"
	"github.com/nextlevelbuilder/relay/internal/providers"
	"github.com/nextlevelbuilder/relay/internal/store"
	"github.com/nextlevelbuilder/relay/internal/tools"
	"github.com/nextlevelbuilder/relay/internal/worker"
)

const (
	defaultMaxToolIterations = 10
	defaultMaxTokens         = 4096
	classifyMaxTokens        = 1024
)

const classifySystemPrompt = `You are the intake classifier for a personal assistant agent.
Read the conversation and classify the LATEST user message.

Respond with ONLY a JSON object, no prose, in this exact shape:
{
  "intent": "question" | "command" | "chat" | "other",
  "summary": "<one sentence: what the user wants>",
  "plan": "<for commands: the concrete steps you would take, else empty>",
  "needs_confirmation": <true if acting could have side effects the user should sign off on>,
  "confidence": <0.0 to 1.0>
}

Rules:
- "chat" is small talk or social conversation needing only a reply.
- "question" is a request for information; answering may require tools.
- "command" asks the agent to do something.
- Anything destructive, irreversible, externally visible, or spending money
  needs needs_confirmation=true.`

const respondSystemPrompt = `You are a helpful personal assistant chatting with your owner.
Reply naturally and concisely. Do not mention tools or internal machinery.`

const executeSystemPromptFmt = `You are a personal assistant agent carrying out a task for your owner.
Use the available tools to do the work, then report the outcome in plain language.

Task summary: %s
%s
Be concise in your final answer. If a tool refuses or fails, say so honestly
instead of pretending the work happened.`

// Brain implements classification, conversation and execution on top of an
// LLM provider pair. chat retries transient provider failures; exec does
// not, because an execution call may already have fired tools or produced
// side effects before the failure.
type Brain struct {
	chat          providers.Provider
	exec          providers.Provider
	classifyModel string
	gate          *tools.Gate
	ledger        *ledger.Service
	logger        *slog.Logger

	maxToolIterations int
	maxTokens         int
}

// Option adjusts Brain construction.
type Option func(*Brain)

// WithMaxToolIterations bounds the execute tool loop.
func WithMaxToolIterations(n int) Option {
	return func(b *Brain) {
		if n > 0 {
			b.maxToolIterations = n
		}
	}
}

// WithMaxTokens sets the completion budget for respond and execute calls.
func WithMaxTokens(n int) Option {
	return func(b *Brain) {
		if n > 0 {
			b.maxTokens = n
		}
	}
}

// New creates a Brain. classifyModel may be empty to use the provider
// default; chat and exec are usually the same backend with different retry
// policies.
func New(chat, exec providers.Provider, classifyModel string, gate *tools.Gate, lg *ledger.Service, logger *slog.Logger, opts ...Option) *Brain {
	b := &Brain{
		chat:              chat,
		exec:              exec,
		classifyModel:     classifyModel,
		gate:              gate,
		ledger:            lg,
		logger:            logger,
		maxToolIterations: defaultMaxToolIterations,
		maxTokens:         defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Classify asks the (cheap) classify model for a verdict on the latest
// message. The model must answer with bare JSON; markdown fences are
// tolerated and stripped.
func (b *Brain) Classify(ctx context.Context, tc *worker.ThreadContext) (*worker.Classification, error) {
	messages := append([]providers.Message{{Role: "system", Content: classifySystemPrompt}}, renderTranscript(tc)...)

	resp, err := b.chat.Chat(ctx, providers.ChatRequest{
		Messages:  messages,
		Model:     b.classifyModel,
		MaxTokens: classifyMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	b.meter(ctx, store.ScopeReactive, b.chat, b.classifyModel, resp, "classify", tc)

	var cls worker.Classification
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &cls); err != nil {
		return nil, fmt.Errorf("classify: unparseable verdict: %w", err)
	}
	switch cls.Intent {
	case "question", "command", "chat", "other":
	default:
		b.logger.Warn("classifier returned unknown intent", "intent", cls.Intent)
		cls.Intent = "other"
	}
	return &cls, nil
}

// Respond produces a plain conversational reply, no tools.
func (b *Brain) Respond(ctx context.Context, tc *worker.ThreadContext) (string, error) {
	messages := append([]providers.Message{{Role: "system", Content: respondSystemPrompt}}, renderTranscript(tc)...)

	resp, err := b.chat.Chat(ctx, providers.ChatRequest{
		Messages:  messages,
		MaxTokens: b.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("respond: %w", err)
	}
	b.meter(ctx, store.ScopeReactive, b.chat, "", resp, "respond", tc)
	return resp.Content, nil
}

// Execute runs the tool loop for an approved or safe task. Tool calls go
// through the gate, so gated tools may park the loop on a human decision;
// the worker's executor deadline bounds the whole run.
func (b *Brain) Execute(ctx context.Context, tc *worker.ThreadContext, cls *worker.Classification) (string, error) {
	planLine := ""
	if cls.Plan != "" {
		planLine = "Plan: " + cls.Plan + "\n"
	}
	system := fmt.Sprintf(executeSystemPromptFmt, cls.Summary, planLine)

	messages := append([]providers.Message{{Role: "system", Content: system}}, renderTranscript(tc)...)
	out, err := b.RunToolLoop(ctx, messages, store.ScopeReactive, tc)
	if err != nil {
		return "", fmt.Errorf("execute: %w", err)
	}
	return out, nil
}

// RunToolLoop drives the think-act-observe cycle until the model stops
// requesting tools or the iteration bound is hit. The proactive scheduler
// shares this loop with scope set accordingly.
func (b *Brain) RunToolLoop(ctx context.Context, messages []providers.Message, scope store.LedgerScope, tc *worker.ThreadContext) (string, error) {
	defs := b.gate.Registry().Definitions()

	for iteration := 1; iteration <= b.maxToolIterations; iteration++ {
		resp, err := b.exec.Chat(ctx, providers.ChatRequest{
			Messages:  messages,
			Tools:     defs,
			MaxTokens: b.maxTokens,
		})
		if err != nil {
			return "", fmt.Errorf("model call (iteration %d): %w", iteration, err)
		}
		b.meter(ctx, scope, b.exec, "", resp, "execute", tc)

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result := b.gate.Invoke(ctx, call.Name, call.Arguments)
			content := result.Content
			if result.IsError {
				content = "ERROR: " + content
			}
			b.logger.Info("tool call",
				"tool", call.Name,
				"error", result.IsError,
				"iteration", iteration)
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: call.ID,
			})
		}
	}
	return "", fmt.Errorf("tool loop exceeded %d iterations without finishing", b.maxToolIterations)
}

// meter records one model call; accounting failures are logged, never fatal.
func (b *Brain) meter(ctx context.Context, scope store.LedgerScope, p providers.Provider, model string, resp *providers.ChatResponse, phase string, tc *worker.ThreadContext) {
	if resp.Usage == nil {
		return
	}
	if model == "" {
		model = p.DefaultModel()
	}
	meta := map[string]string{"phase": phase}
	if tc != nil && tc.Thread != nil {
		meta["thread"] = tc.Thread.ID.String()
	}
	if err := b.ledger.Record(ctx, scope, p.Name(), model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, meta); err != nil {
		b.logger.Error("ledger record failed", "phase", phase, "error", err)
	}
}

// renderTranscript flattens the thread window into provider messages.
// Done artifacts (transcripts, extracted text) ride along in brackets after
// the message they belong to, so voice notes and documents are visible to
// the model.
func renderTranscript(tc *worker.ThreadContext) []providers.Message {
	out := make([]providers.Message, 0, len(tc.Messages))
	for _, m := range tc.Messages {
		role := m.Role
		if role != "user" && role != "assistant" {
			role = "user"
		}
		text := m.Text
		for _, a := range tc.Artifacts[m.ID.String()] {
			if a.Content == "" {
				continue
			}
			text += fmt.Sprintf("\n[%s: %s]", a.Kind, a.Content)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, providers.Message{Role: role, Content: text})
	}
	return out
}

// extractJSON pulls the JSON object out of a model reply that may be
// wrapped in markdown fences or surrounded by stray prose.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
