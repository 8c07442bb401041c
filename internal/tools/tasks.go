package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/relay/internal/store"
)

// TaskCreateTool adds a backlog item. The autonomous loop creates
// self-sourced tasks; master-sourced tasks come from classified commands.
type TaskCreateTool struct {
	store  *store.Store
	source store.TaskSource
}

func NewTaskCreateTool(st *store.Store, source store.TaskSource) *TaskCreateTool {
	return &TaskCreateTool{store: st, source: source}
}

func (t *TaskCreateTool) Name() string        { return "task_create" }
func (t *TaskCreateTool) Description() string { return "Add a task to the backlog, optionally recurring on a cron schedule" }
func (t *TaskCreateTool) Tier() Tier          { return TierSafe }

func (t *TaskCreateTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":    map[string]any{"type": "string", "description": "Short task title"},
			"detail":   map[string]any{"type": "string", "description": "What done looks like"},
			"priority": map[string]any{"type": "number", "description": "Higher runs earlier (default 0)"},
			"schedule": map[string]any{"type": "string", "description": "Optional cron expression for recurring tasks"},
		},
		"required": []string{"title"},
	}
}

func (t *TaskCreateTool) Execute(ctx context.Context, args map[string]any) *Result {
	title, _ := args["title"].(string)
	if title == "" {
		return ErrorResult("title is required")
	}
	detail, _ := args["detail"].(string)
	priority := 0
	if p, ok := args["priority"].(float64); ok {
		priority = int(p)
	}
	schedule, _ := args["schedule"].(string)
	if schedule != "" && !gronx.New().IsValid(schedule) {
		return ErrorResult("invalid cron expression %q", schedule)
	}

	task := &store.Task{
		Source:   t.source,
		Priority: priority,
		Title:    title,
		Detail:   detail,
		Schedule: schedule,
	}
	if err := t.store.CreateTask(ctx, task); err != nil {
		return ErrorResult("create task: %v", err)
	}
	return NewResult("created task " + task.ID.String())
}

// TaskListTool shows the open backlog.
type TaskListTool struct{ store *store.Store }

func NewTaskListTool(st *store.Store) *TaskListTool { return &TaskListTool{store: st} }

func (t *TaskListTool) Name() string        { return "task_list" }
func (t *TaskListTool) Description() string { return "List pending and in-progress tasks" }
func (t *TaskListTool) Tier() Tier          { return TierSafe }

func (t *TaskListTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *TaskListTool) Execute(ctx context.Context, _ map[string]any) *Result {
	var b strings.Builder
	for _, status := range []store.TaskStatus{store.TaskInProgress, store.TaskPending} {
		tasks, err := t.store.TasksByStatus(ctx, status)
		if err != nil {
			return ErrorResult("list tasks: %v", err)
		}
		for _, task := range tasks {
			fmt.Fprintf(&b, "[%s] %s (%s, priority %d) %s\n", status, task.ID, task.Source, task.Priority, task.Title)
		}
	}
	if b.Len() == 0 {
		return NewResult("(no open tasks)")
	}
	return NewResult(b.String())
}

// TaskCompleteTool finishes a task; completing the last child completes the
// parent too.
type TaskCompleteTool struct{ store *store.Store }

func NewTaskCompleteTool(st *store.Store) *TaskCompleteTool { return &TaskCompleteTool{store: st} }

func (t *TaskCompleteTool) Name() string        { return "task_complete" }
func (t *TaskCompleteTool) Description() string { return "Mark a task as done" }
func (t *TaskCompleteTool) Tier() Tier          { return TierSafe }

func (t *TaskCompleteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{"type": "string", "description": "Task id"},
		},
		"required": []string{"id"},
	}
}

func (t *TaskCompleteTool) Execute(ctx context.Context, args map[string]any) *Result {
	idStr, _ := args["id"].(string)
	id, err := uuid.Parse(idStr)
	if err != nil {
		return ErrorResult("bad task id %q", idStr)
	}
	if err := t.store.CompleteTask(ctx, id); err != nil {
		return ErrorResult("complete task: %v", err)
	}
	return NewResult("completed " + idStr)
}
