package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/loom/pkg/models"
)

// Argument limits guard against a runaway model flooding the executor.
const (
	maxToolNameLength = 256
	maxToolArgsSize   = 10 << 20
)

// Approver resolves require-approval decisions. It blocks until the user
// answers or ctx ends; a nil Approver denies everything that asks.
type Approver func(ctx context.Context, call models.ToolCall) (approved bool, err error)

// Observer receives a report per tool execution, for metrics.
type Observer interface {
	ObserveTool(name string, isError bool, elapsed time.Duration)
}

// Executor is the name-unique tool registry plus the approval gate. The
// registry is effectively read-only after startup; per-invocation state
// lives on the calling turn's stack.
type Executor struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	policy   *ApprovalPolicy
	logger   *slog.Logger
	observer Observer
}

// SetObserver attaches a metrics sink.
func (e *Executor) SetObserver(o Observer) {
	e.mu.Lock()
	e.observer = o
	e.mu.Unlock()
}

// NewExecutor creates an executor with the given policy. A nil policy
// allows everything.
func NewExecutor(policy *ApprovalPolicy, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		tools:  make(map[string]Tool),
		policy: policy,
		logger: logger,
	}
}

// Register adds a tool. Registering a duplicate name is a programming
// error and panics at startup rather than shadowing silently.
func (e *Executor) Register(tool Tool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.tools[tool.Name()]; dup {
		panic(fmt.Sprintf("tools: duplicate registration of %q", tool.Name()))
	}
	e.tools[tool.Name()] = tool
}

// Get returns a registered tool.
func (e *Executor) Get(name string) (Tool, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tools[name]
	return t, ok
}

// Schemas returns every registered tool's schema, sorted by name, in the
// shape providers pass to the model.
func (e *Executor) Schemas() []models.ToolSchema {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.ToolSchema, 0, len(e.tools))
	for _, t := range e.tools {
		out = append(out, models.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute dispatches a tool call. It never returns an error to the caller:
// missing tools, policy denials, approval rejections, tool failures, and
// panics all come back as error-flagged results so they stay in the event
// log and the model can react.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall, approve Approver) models.ToolExecution {
	started := time.Now()
	result := e.execute(ctx, call, approve)

	e.mu.RLock()
	observer := e.observer
	e.mu.RUnlock()
	if observer != nil {
		observer.ObserveTool(call.Name, result.IsError, time.Since(started))
	}

	return models.ToolExecution{
		CallID:  call.ID,
		Content: result.Content,
		IsError: result.IsError,
	}
}

func (e *Executor) execute(ctx context.Context, call models.ToolCall, approve Approver) *Result {
	if len(call.Name) > maxToolNameLength {
		return ErrorResult(fmt.Sprintf("tool name exceeds %d characters", maxToolNameLength))
	}
	if len(call.Arguments) > maxToolArgsSize {
		return ErrorResult(fmt.Sprintf("tool arguments exceed %d bytes", maxToolArgsSize))
	}

	tool, ok := e.Get(call.Name)
	if !ok {
		return ErrorResult("tool not found: " + call.Name)
	}

	switch e.policy.Evaluate(call.Name) {
	case DecisionDeny:
		e.logger.Info("tool call denied by policy", "tool", call.Name, "call_id", call.ID)
		return ErrorResult(fmt.Sprintf("tool %s denied by policy", call.Name))
	case DecisionRequireApproval:
		if approve == nil {
			return ErrorResult(fmt.Sprintf("tool %s requires approval but no approver is available", call.Name))
		}
		approved, err := approve(ctx, call)
		if err != nil {
			return ErrorResult(fmt.Sprintf("tool %s approval failed: %v", call.Name, err))
		}
		if !approved {
			e.logger.Info("tool call rejected by user", "tool", call.Name, "call_id", call.ID)
			return ErrorResult(fmt.Sprintf("tool %s rejected by user", call.Name))
		}
	}

	if err := ctx.Err(); err != nil {
		return ErrorResult(fmt.Sprintf("tool %s not executed: %v", call.Name, err))
	}

	result, err := e.run(ctx, tool, call)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if result == nil {
		return TextResult("")
	}
	return result
}

// run isolates tool panics so a buggy tool cannot take down the turn.
func (e *Executor) run(ctx context.Context, tool Tool, call models.ToolCall) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked", "tool", call.Name, "panic", r)
			result = nil
			err = fmt.Errorf("tool %s panicked: %v", call.Name, r)
		}
	}()
	return tool.Execute(ctx, call.Arguments)
}
