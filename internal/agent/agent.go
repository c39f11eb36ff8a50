// Package agent runs turns: it replays a thread into a provider prompt,
// streams the completion, persists the resulting events, executes requested
// tools, and loops until the model stops for a terminal reason.
//
// The event log is the only durable state. The Agent itself holds nothing a
// restart could lose: a new Agent pointed at the same thread resumes exactly
// where the log left off.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/loom/internal/agent/providers"
	"github.com/haasonsaas/loom/internal/threads"
	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/pkg/models"
)

// State is the observable phase of the agent's turn machine.
type State string

const (
	StateIdle          State = "idle"
	StateThinking      State = "thinking"
	StateStreaming     State = "streaming"
	StateToolExecuting State = "tool_executing"
	StateCancelled     State = "cancelled"
	StateError         State = "error"
)

var (
	// ErrBusy is returned when SendMessage is called while a turn is
	// already running on this agent.
	ErrBusy = errors.New("agent: a turn is already in progress")

	// ErrCancelled is returned when the turn was cancelled before the model
	// produced a terminal message.
	ErrCancelled = errors.New("agent: turn cancelled")

	// ErrMaxIterations is returned when a turn keeps requesting tools past
	// the iteration limit.
	ErrMaxIterations = errors.New("agent: turn exceeded the iteration limit")
)

// defaults for Config zero values.
const (
	defaultMaxIterations   = 24
	defaultCompactionRatio = 0.8
)

// Config is the per-agent turn configuration.
type Config struct {
	// ThreadID is the thread this agent appends to.
	ThreadID string

	// Model passed to the provider on every call.
	Model string

	// SystemPrompt recorded as a SYSTEM_PROMPT event on the first turn and
	// sent with every provider call.
	SystemPrompt string

	// MaxTokens caps each completion. Zero defers to the provider config.
	MaxTokens int

	// MaxIterations bounds tool-call rounds within one turn. Zero means 24.
	MaxIterations int

	// ParallelTools executes a round's tool calls concurrently. Results are
	// still appended in call order.
	ParallelTools bool

	// CompactionRatio is the fraction of the prompt budget at which the
	// turn compacts the thread before calling the model. Zero means 0.8.
	CompactionRatio float64
}

func (c Config) maxIterations() int {
	if c.MaxIterations > 0 {
		return c.MaxIterations
	}
	return defaultMaxIterations
}

func (c Config) compactionRatio() float64 {
	if c.CompactionRatio > 0 {
		return c.CompactionRatio
	}
	return defaultCompactionRatio
}

// Compactor summarizes a thread into a shadow thread and appends the
// COMPACTION marker. Implemented by the compaction package.
type Compactor interface {
	Compact(ctx context.Context, threadID string) (shadowThreadID string, err error)
}

// Listener receives ephemeral turn signals for UI rendering. None of these
// carry durable state; everything durable lands in the event log. All fields
// are optional. Callbacks run on the turn goroutine and should return
// quickly; a slow callback stalls the stream.
type Listener struct {
	OnState    func(State)
	OnText     func(delta string)
	OnThinking func(delta string)
	OnUsage    func(models.TokenUsage)
}

// Deps are the collaborators an Agent runs against.
type Deps struct {
	Provider  providers.Provider
	Threads   *threads.Manager
	Executor  *tools.Executor
	Approver  tools.Approver
	Compactor Compactor
	Listener  Listener
	Logger    *slog.Logger
}

// Agent drives turns on a single thread. One turn at a time; concurrent
// SendMessage calls fail with ErrBusy.
type Agent struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	steering []string
}

// New creates an agent for the configured thread.
func New(cfg Config, deps Deps) *Agent {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Agent{cfg: cfg, deps: deps, state: StateIdle}
}

// State returns the current turn phase.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ThreadID returns the thread this agent appends to.
func (a *Agent) ThreadID() string { return a.cfg.ThreadID }

// Cancel aborts the running turn, if any. An in-flight tool still runs to
// completion and its result is recorded; the turn stops at the next
// checkpoint.
func (a *Agent) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
}

// Steer queues a user message that joins the conversation at the start of
// the next model call, letting the user redirect a turn mid-flight.
func (a *Agent) Steer(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.steering = append(a.steering, text)
}

// TurnMetrics is per-turn accounting. Process-local; final usage also rides
// on the AGENT_MESSAGE events themselves.
type TurnMetrics struct {
	Iterations int
	ToolCalls  int
	Usage      models.TokenUsage
	Duration   time.Duration
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	// Text is the visible text of the final agent message.
	Text string

	// StopReason is the terminal stop reason.
	StopReason models.StopReason

	Metrics TurnMetrics
}

// SendMessage appends the user message and runs a complete turn: model call,
// tool execution, and repeat until a terminal stop reason. It returns
// ErrBusy if a turn is already running.
func (a *Agent) SendMessage(ctx context.Context, text string) (*TurnResult, error) {
	a.mu.Lock()
	if a.state != StateIdle {
		a.mu.Unlock()
		return nil, ErrBusy
	}
	turnCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.state = StateThinking
	a.mu.Unlock()
	a.notifyState(StateThinking)

	defer func() {
		cancel()
		a.mu.Lock()
		a.cancel = nil
		a.state = StateIdle
		a.mu.Unlock()
		a.notifyState(StateIdle)
	}()

	started := time.Now()
	result, err := a.runTurn(turnCtx, text)
	if result != nil {
		result.Metrics.Duration = time.Since(started)
	}
	return result, err
}

func (a *Agent) runTurn(ctx context.Context, text string) (*TurnResult, error) {
	if err := a.ensureSystemPrompt(ctx); err != nil {
		return nil, err
	}
	if err := a.append(ctx, models.NewUserMessage(a.cfg.ThreadID, text)); err != nil {
		return nil, err
	}

	result := &TurnResult{}
	for iteration := 1; iteration <= a.cfg.maxIterations(); iteration++ {
		result.Metrics.Iterations = iteration

		if err := a.drainSteering(ctx); err != nil {
			return result, err
		}

		req, err := a.buildRequest(ctx)
		if err != nil {
			return result, err
		}

		resp, err := a.streamOnce(ctx, req)
		if err != nil {
			return result, a.failTurn(ctx, err)
		}

		visible, err := a.persistResponse(ctx, resp)
		if err != nil {
			return result, err
		}
		result.Metrics.Usage.Add(resp.Usage)
		result.Metrics.ToolCalls += len(resp.ToolCalls)

		if resp.StopReason.Terminal() {
			result.Text = visible
			result.StopReason = resp.StopReason
			a.deps.Logger.Info("turn complete",
				"thread_id", a.cfg.ThreadID,
				"stop_reason", resp.StopReason,
				"iterations", iteration,
				"prompt_tokens", result.Metrics.Usage.PromptTokens,
				"completion_tokens", result.Metrics.Usage.CompletionTokens)
			return result, nil
		}

		a.setState(StateToolExecuting)
		if err := a.executeTools(ctx, resp.ToolCalls); err != nil {
			return result, err
		}
		a.setState(StateThinking)
	}

	msg := fmt.Sprintf("Turn stopped after %d tool-call rounds without a terminal response.", a.cfg.maxIterations())
	if err := a.append(ctx, models.NewLocalSystemMessage(a.cfg.ThreadID, msg)); err != nil {
		return result, err
	}
	return result, ErrMaxIterations
}

// ensureSystemPrompt records the configured system prompt once per thread.
func (a *Agent) ensureSystemPrompt(ctx context.Context) error {
	if a.cfg.SystemPrompt == "" {
		return nil
	}
	events, err := a.deps.Threads.EffectiveEvents(ctx, a.cfg.ThreadID)
	if err != nil {
		return err
	}
	for i := range events {
		if events[i].Type == models.EventSystemPrompt {
			return nil
		}
	}
	return a.append(ctx, models.NewSystemPrompt(a.cfg.ThreadID, a.cfg.SystemPrompt))
}

func (a *Agent) drainSteering(ctx context.Context) error {
	a.mu.Lock()
	queued := a.steering
	a.steering = nil
	a.mu.Unlock()
	for _, text := range queued {
		if err := a.append(ctx, models.NewUserMessage(a.cfg.ThreadID, text)); err != nil {
			return err
		}
	}
	return nil
}

// buildRequest replays the thread into a provider request, compacting first
// when the prompt would crowd out the completion budget.
func (a *Agent) buildRequest(ctx context.Context) (*providers.Request, error) {
	req, err := a.assembleRequest(ctx)
	if err != nil {
		return nil, err
	}
	if a.deps.Compactor == nil {
		return req, nil
	}

	window := a.deps.Provider.ContextWindow(a.cfg.Model)
	budget := window - a.deps.Provider.MaxCompletionTokens(a.cfg.Model)
	if budget <= 0 {
		budget = window
	}
	prompt := providers.EstimateRequestTokens(req)
	if float64(prompt) <= a.cfg.compactionRatio()*float64(budget) {
		return req, nil
	}

	a.deps.Logger.Info("compacting thread",
		"thread_id", a.cfg.ThreadID, "estimated_prompt_tokens", prompt, "budget", budget)
	shadowID, err := a.deps.Compactor.Compact(ctx, a.cfg.ThreadID)
	if err != nil {
		return nil, a.failTurn(ctx, err)
	}
	a.deps.Logger.Info("compaction complete", "thread_id", a.cfg.ThreadID, "shadow_thread_id", shadowID)
	return a.assembleRequest(ctx)
}

func (a *Agent) assembleRequest(ctx context.Context) (*providers.Request, error) {
	events, err := a.deps.Threads.EffectiveEvents(ctx, a.cfg.ThreadID)
	if err != nil {
		return nil, err
	}
	messages, err := threads.Transcript(events)
	if err != nil {
		return nil, err
	}

	// The system prompt rides on the request, not the message list; adapters
	// place it where their wire format wants it.
	system := a.cfg.SystemPrompt
	if len(messages) > 0 && messages[0].Role == models.RoleSystem {
		system = messages[0].Content
		messages = messages[1:]
	}

	req := &providers.Request{
		Model:     a.cfg.Model,
		System:    system,
		Messages:  messages,
		MaxTokens: a.cfg.MaxTokens,
	}
	if a.deps.Executor != nil {
		req.Tools = a.deps.Executor.Schemas()
	}
	return req, nil
}

// streamOnce runs one provider call, relaying deltas to the listener, and
// returns the assembled response. Nothing is persisted until the stream
// finishes, so a cancelled or failed stream leaves no partial agent message
// in the log.
func (a *Agent) streamOnce(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, err := a.deps.Provider.CreateStreamingResponse(ctx, req)
	if err != nil {
		return nil, err
	}

	var resp *providers.Response
	for chunk := range ch {
		switch {
		case chunk.Err != nil:
			return nil, chunk.Err
		case chunk.Response != nil:
			resp = chunk.Response
		case chunk.Text != "":
			a.setState(StateStreaming)
			if a.deps.Listener.OnText != nil {
				a.deps.Listener.OnText(chunk.Text)
			}
		case chunk.Thinking != "":
			a.setState(StateStreaming)
			if a.deps.Listener.OnThinking != nil {
				a.deps.Listener.OnThinking(chunk.Thinking)
			}
		case chunk.Usage != nil:
			if a.deps.Listener.OnUsage != nil {
				a.deps.Listener.OnUsage(*chunk.Usage)
			}
		}
	}
	if resp == nil {
		return nil, &providers.Error{Kind: providers.KindProtocol, Message: "stream closed without a terminal chunk"}
	}
	if err := ctx.Err(); err != nil {
		// Cancelled between the last chunk and here; treat the stream as
		// abandoned rather than persisting its output.
		return nil, err
	}
	return resp, nil
}

// persistResponse turns one provider response into events: THINKING segments
// first, then exactly one AGENT_MESSAGE carrying the visible text and final
// usage, then one TOOL_CALL per requested tool. Returns the visible text.
func (a *Agent) persistResponse(ctx context.Context, resp *providers.Response) (string, error) {
	visible, thoughts := splitThink(resp.Content)
	if resp.Thinking != "" {
		thoughts = append([]string{resp.Thinking}, thoughts...)
	}
	for _, t := range thoughts {
		if err := a.append(ctx, models.NewThinking(a.cfg.ThreadID, t)); err != nil {
			return "", err
		}
	}

	usage := resp.Usage
	if err := a.append(ctx, models.NewAgentMessage(a.cfg.ThreadID, visible, &usage)); err != nil {
		return "", err
	}
	if a.deps.Listener.OnUsage != nil {
		a.deps.Listener.OnUsage(usage)
	}

	for _, call := range resp.ToolCalls {
		ev := models.NewToolCall(a.cfg.ThreadID, call.ID, call.Name, call.Arguments)
		if err := a.append(ctx, ev); err != nil {
			return "", err
		}
	}
	return visible, nil
}

// executeTools runs a round of tool calls and appends one TOOL_RESULT per
// call, in call order. Cancellation is honored between tools, never inside
// one: an in-flight tool finishes and its result is still recorded, so the
// log stays well-formed.
func (a *Agent) executeTools(ctx context.Context, calls []models.ToolCall) error {
	// Tools keep running on a detached context so cancellation cannot leave
	// an external effect half-applied with no recorded result.
	execCtx := tools.WithCaller(context.WithoutCancel(ctx), a.cfg.ThreadID)

	if a.cfg.ParallelTools {
		return a.executeToolsParallel(ctx, execCtx, calls)
	}

	for i, call := range calls {
		if err := ctx.Err(); err != nil {
			return a.cancelWithPending(ctx, len(calls)-i)
		}
		exec := a.deps.Executor.Execute(execCtx, call, a.deps.Approver)
		if err := a.appendToolResult(ctx, exec); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) executeToolsParallel(ctx, execCtx context.Context, calls []models.ToolCall) error {
	if err := ctx.Err(); err != nil {
		return a.cancelWithPending(ctx, len(calls))
	}
	results := make([]models.ToolExecution, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = a.deps.Executor.Execute(execCtx, call, a.deps.Approver)
		}()
	}
	wg.Wait()
	for _, exec := range results {
		if err := a.appendToolResult(ctx, exec); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) appendToolResult(ctx context.Context, exec models.ToolExecution) error {
	ev := models.NewToolResult(a.cfg.ThreadID, exec.CallID, exec.Content, exec.IsError)
	return a.append(ctx, ev)
}

// cancelWithPending records that a cancellation skipped tool calls, keeping
// the call/result pairing explainable from the log alone.
func (a *Agent) cancelWithPending(ctx context.Context, skipped int) error {
	msg := fmt.Sprintf("Turn cancelled; %d tool call(s) were not executed.", skipped)
	if err := a.append(ctx, models.NewLocalSystemMessage(a.cfg.ThreadID, msg)); err != nil {
		return err
	}
	a.setState(StateCancelled)
	return ErrCancelled
}

// failTurn records the failure as a LOCAL_SYSTEM_MESSAGE and maps it to the
// error returned to the caller. Cancellation is not a failure of the model
// call; it gets its own note and ErrCancelled.
func (a *Agent) failTurn(ctx context.Context, cause error) error {
	if errors.Is(cause, context.Canceled) || ctx.Err() != nil {
		if err := a.append(ctx, models.NewLocalSystemMessage(a.cfg.ThreadID, "Turn cancelled by user.")); err != nil {
			return err
		}
		a.setState(StateCancelled)
		return ErrCancelled
	}

	msg := "Model call failed: " + cause.Error()
	if perr, ok := providers.AsError(cause); ok {
		if rem := perr.Remediation(); rem != "" {
			msg += "\n" + rem
		}
	}
	if err := a.append(ctx, models.NewLocalSystemMessage(a.cfg.ThreadID, msg)); err != nil {
		return errors.Join(cause, err)
	}
	a.setState(StateError)
	a.deps.Logger.Error("turn failed", "thread_id", a.cfg.ThreadID, "error", cause)
	return cause
}

// append persists an event. Writes survive turn cancellation: the record of
// what happened must land even when the turn is being torn down.
func (a *Agent) append(ctx context.Context, ev models.ThreadEvent) error {
	_, err := a.deps.Threads.Store().AppendEvent(context.WithoutCancel(ctx), ev)
	return err
}

// setState notifies outside the lock so listeners may call back into the
// Agent (Steer, Cancel) without deadlocking.
func (a *Agent) setState(s State) {
	a.mu.Lock()
	changed := a.state != s
	a.state = s
	a.mu.Unlock()
	if changed {
		a.notifyState(s)
	}
}

func (a *Agent) notifyState(s State) {
	if a.deps.Listener.OnState != nil {
		a.deps.Listener.OnState(s)
	}
}
