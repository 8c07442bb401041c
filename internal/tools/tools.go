// Package tools is the catalog of actions the executor can invoke. Every
// tool carries a safety tier: safe tools run immediately, gated tools go
// through the approval gate, forbidden tools never run.
package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/nextlevelbuilder/relay/internal/providers"
)

// Tier classifies how dangerous a tool is.
type Tier string

const (
	TierSafe      Tier = "safe"
	TierGated     Tier = "gated"
	TierForbidden Tier = "forbidden"
)

// Tool is one invocable action.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Tier() Tier
	Execute(ctx context.Context, args map[string]any) *Result
}

// AutoApprover lets a gated tool approve specific invocations without a
// human in the loop (read-only shell verbs, GET requests, safe paths).
type AutoApprover interface {
	AutoApprove(args map[string]any) bool
}

// Registry holds the available tools.
type Registry struct {
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted for stable prompts.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions renders the provider-facing schemas. Forbidden tools are
// included so the model gets a readable refusal instead of hallucinating
// around a missing name.
func (r *Registry) Definitions() []providers.ToolDefinition {
	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Result is the unified return type from tool execution.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

func NewResult(content string) *Result {
	return &Result{Content: content}
}

func ErrorResult(format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...), IsError: true}
}
