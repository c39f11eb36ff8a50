package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/haasonsaas/loom/internal/tools"
)

// TaskStatus is the lifecycle state of a board entry.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
)

// Task is one entry on the session's shared board.
type Task struct {
	ID     int        `json:"id"`
	Title  string     `json:"title"`
	Status TaskStatus `json:"status"`

	// Owner is the thread id of the agent that created or claimed the task.
	Owner string `json:"owner,omitempty"`
}

// TaskBoard is the in-memory work list shared by a session's agents.
// Ephemeral by design: durable work products belong in the event log.
type TaskBoard struct {
	mu    sync.Mutex
	next  int
	tasks []Task
}

// NewTaskBoard returns an empty board.
func NewTaskBoard() *TaskBoard {
	return &TaskBoard{next: 1}
}

// Add appends a pending task and returns it.
func (b *TaskBoard) Add(title, owner string) Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := Task{ID: b.next, Title: title, Status: TaskPending, Owner: owner}
	b.next++
	b.tasks = append(b.tasks, t)
	return t
}

// Update changes a task's status.
func (b *TaskBoard) Update(id int, status TaskStatus) error {
	switch status {
	case TaskPending, TaskInProgress, TaskDone:
	default:
		return fmt.Errorf("unknown status %q", status)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.tasks {
		if b.tasks[i].ID == id {
			b.tasks[i].Status = status
			return nil
		}
	}
	return fmt.Errorf("no task with id %d", id)
}

// List returns a snapshot of all tasks in creation order.
func (b *TaskBoard) List() []Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Task, len(b.tasks))
	copy(out, b.tasks)
	return out
}

func registerTaskTools(e *tools.Executor, board *TaskBoard) {
	e.Register(&taskAddTool{board: board})
	e.Register(&taskListTool{board: board})
	e.Register(&taskUpdateTool{board: board})
}

type taskAddArgs struct {
	Title string `json:"title" jsonschema:"description=Short description of the task"`
}

type taskAddTool struct{ board *TaskBoard }

func (t *taskAddTool) Name() string            { return "task_add" }
func (t *taskAddTool) Description() string     { return "Add a task to the session's shared task board." }
func (t *taskAddTool) Schema() json.RawMessage { return tools.SchemaFor[taskAddArgs]() }

func (t *taskAddTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var in taskAddArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return tools.ErrorResult("invalid arguments: " + err.Error()), nil
	}
	if strings.TrimSpace(in.Title) == "" {
		return tools.ErrorResult("title is required"), nil
	}
	task := t.board.Add(in.Title, tools.CallerThread(ctx))
	return tools.TextResult(fmt.Sprintf("added task %d: %s", task.ID, task.Title)), nil
}

type taskListTool struct{ board *TaskBoard }

func (t *taskListTool) Name() string            { return "task_list" }
func (t *taskListTool) Description() string     { return "List the session's task board." }
func (t *taskListTool) Schema() json.RawMessage { return tools.SchemaFor[struct{}]() }

func (t *taskListTool) Execute(context.Context, json.RawMessage) (*tools.Result, error) {
	tasks := t.board.List()
	if len(tasks) == 0 {
		return tools.TextResult("no tasks"), nil
	}
	var sb strings.Builder
	for _, task := range tasks {
		fmt.Fprintf(&sb, "%d. [%s] %s\n", task.ID, task.Status, task.Title)
	}
	return tools.TextResult(strings.TrimRight(sb.String(), "\n")), nil
}

type taskUpdateArgs struct {
	ID     int    `json:"id" jsonschema:"description=Task id"`
	Status string `json:"status" jsonschema:"description=New status: pending, in_progress, or done"`
}

type taskUpdateTool struct{ board *TaskBoard }

func (t *taskUpdateTool) Name() string            { return "task_update" }
func (t *taskUpdateTool) Description() string     { return "Update a task's status on the shared board." }
func (t *taskUpdateTool) Schema() json.RawMessage { return tools.SchemaFor[taskUpdateArgs]() }

func (t *taskUpdateTool) Execute(_ context.Context, args json.RawMessage) (*tools.Result, error) {
	var in taskUpdateArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return tools.ErrorResult("invalid arguments: " + err.Error()), nil
	}
	if err := t.board.Update(in.ID, TaskStatus(in.Status)); err != nil {
		return tools.ErrorResult(err.Error()), nil
	}
	return tools.TextResult(fmt.Sprintf("task %d is now %s", in.ID, in.Status)), nil
}
