package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/relay/internal/store"
)

// MemorySaveTool writes a long-term note.
type MemorySaveTool struct{ store *store.Store }

func NewMemorySaveTool(st *store.Store) *MemorySaveTool { return &MemorySaveTool{store: st} }

func (t *MemorySaveTool) Name() string        { return "memory_save" }
func (t *MemorySaveTool) Description() string { return "Save or update a long-term memory note under a key" }
func (t *MemorySaveTool) Tier() Tier          { return TierSafe }

func (t *MemorySaveTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key":      map[string]any{"type": "string", "description": "Unique key for the note"},
			"value":    map[string]any{"type": "string", "description": "The note content"},
			"category": map[string]any{"type": "string", "description": "Optional grouping category"},
		},
		"required": []string{"key", "value"},
	}
}

func (t *MemorySaveTool) Execute(ctx context.Context, args map[string]any) *Result {
	key, _ := args["key"].(string)
	value, _ := args["value"].(string)
	category, _ := args["category"].(string)
	if key == "" || value == "" {
		return ErrorResult("key and value are required")
	}
	err := t.store.UpsertMemory(ctx, &store.MemoryEntry{Key: key, Value: value, Category: category})
	if err != nil {
		return ErrorResult("save memory: %v", err)
	}
	return NewResult("saved " + key)
}

// MemoryGetTool reads notes by key or category.
type MemoryGetTool struct{ store *store.Store }

func NewMemoryGetTool(st *store.Store) *MemoryGetTool { return &MemoryGetTool{store: st} }

func (t *MemoryGetTool) Name() string        { return "memory_get" }
func (t *MemoryGetTool) Description() string { return "Read memory notes by key, or list a whole category" }
func (t *MemoryGetTool) Tier() Tier          { return TierSafe }

func (t *MemoryGetTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key":      map[string]any{"type": "string", "description": "Exact key to read"},
			"category": map[string]any{"type": "string", "description": "List all notes in this category instead"},
		},
	}
}

func (t *MemoryGetTool) Execute(ctx context.Context, args map[string]any) *Result {
	key, _ := args["key"].(string)
	category, _ := args["category"].(string)

	switch {
	case key != "":
		e, err := t.store.Memory(ctx, key)
		if err != nil {
			return ErrorResult("memory %q not found", key)
		}
		return NewResult(e.Value)
	case category != "":
		entries, err := t.store.MemoryByCategory(ctx, category)
		if err != nil {
			return ErrorResult("list memory: %v", err)
		}
		if len(entries) == 0 {
			return NewResult("(no notes in category " + category + ")")
		}
		var b strings.Builder
		for _, e := range entries {
			fmt.Fprintf(&b, "%s: %s\n", e.Key, e.Value)
		}
		return NewResult(b.String())
	default:
		return ErrorResult("key or category is required")
	}
}

// MemoryDeleteTool removes a note.
type MemoryDeleteTool struct{ store *store.Store }

func NewMemoryDeleteTool(st *store.Store) *MemoryDeleteTool { return &MemoryDeleteTool{store: st} }

func (t *MemoryDeleteTool) Name() string        { return "memory_delete" }
func (t *MemoryDeleteTool) Description() string { return "Delete a memory note by key" }
func (t *MemoryDeleteTool) Tier() Tier          { return TierSafe }

func (t *MemoryDeleteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key": map[string]any{"type": "string", "description": "Key of the note to delete"},
		},
		"required": []string{"key"},
	}
}

func (t *MemoryDeleteTool) Execute(ctx context.Context, args map[string]any) *Result {
	key, _ := args["key"].(string)
	if key == "" {
		return ErrorResult("key is required")
	}
	if err := t.store.DeleteMemory(ctx, key); err != nil {
		return ErrorResult("delete memory: %v", err)
	}
	return NewResult("deleted " + key)
}
