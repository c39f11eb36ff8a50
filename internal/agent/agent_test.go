package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/loom/internal/agent/providers"
	"github.com/haasonsaas/loom/internal/store"
	"github.com/haasonsaas/loom/internal/threads"
	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/pkg/models"
)

// step is one scripted provider call: deltas stream first, then the
// terminal response or error. blockUntilCancel parks the stream after its
// deltas until the caller's context ends.
type step struct {
	deltas           []string
	resp             *providers.Response
	err              error
	blockUntilCancel bool
	hold             chan struct{}
}

type scriptedProvider struct {
	mu     sync.Mutex
	steps  []step
	calls  int
	window int
	maxOut int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) ContextWindow(string) int {
	if p.window > 0 {
		return p.window
	}
	return 100000
}

func (p *scriptedProvider) MaxCompletionTokens(string) int {
	if p.maxOut > 0 {
		return p.maxOut
	}
	return 4096
}

func (p *scriptedProvider) next() (step, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.steps) {
		return step{}, fmt.Errorf("unexpected provider call %d", p.calls+1)
	}
	s := p.steps[p.calls]
	p.calls++
	return s, nil
}

func (p *scriptedProvider) CreateResponse(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	s, err := p.next()
	if err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func (p *scriptedProvider) CreateStreamingResponse(ctx context.Context, req *providers.Request) (<-chan *providers.Chunk, error) {
	s, err := p.next()
	if err != nil {
		return nil, err
	}
	if s.err != nil && len(s.deltas) == 0 && !s.blockUntilCancel {
		return nil, s.err
	}

	ch := make(chan *providers.Chunk, 16)
	go func() {
		defer close(ch)
		for _, d := range s.deltas {
			ch <- &providers.Chunk{Text: d}
		}
		if s.hold != nil {
			<-s.hold
		}
		if s.blockUntilCancel {
			<-ctx.Done()
			ch <- &providers.Chunk{Err: ctx.Err()}
			return
		}
		if s.err != nil {
			ch <- &providers.Chunk{Err: s.err}
			return
		}
		ch <- &providers.Chunk{Response: s.resp}
	}()
	return ch, nil
}

func textResponse(text string) *providers.Response {
	return &providers.Response{
		Content:    text,
		StopReason: models.StopEndTurn,
		Usage:      models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func toolResponse(callID, name, args string) *providers.Response {
	return &providers.Response{
		ToolCalls: []models.ToolCall{
			{ID: callID, Name: name, Arguments: json.RawMessage(args)},
		},
		StopReason: models.StopToolUse,
		Usage:      models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

type testHarness struct {
	agent   *Agent
	store   store.Store
	threads *threads.Manager
}

func newHarness(t *testing.T, cfg Config, deps Deps) *testHarness {
	t.Helper()
	st := store.NewMemory(nil)
	t.Cleanup(func() { st.Close() })
	tm := threads.NewManager(st, nil)
	if cfg.ThreadID == "" {
		cfg.ThreadID = "t1"
	}
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	if err := tm.EnsureThread(context.Background(), models.Thread{ThreadID: cfg.ThreadID}); err != nil {
		t.Fatal(err)
	}
	deps.Threads = tm
	return &testHarness{agent: New(cfg, deps), store: st, threads: tm}
}

func (h *testHarness) eventTypes(t *testing.T) []models.EventType {
	t.Helper()
	events, err := h.store.ListEvents(context.Background(), h.agent.ThreadID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]models.EventType, len(events))
	for i := range events {
		out[i] = events[i].Type
	}
	return out
}

func (h *testHarness) events(t *testing.T) []models.ThreadEvent {
	t.Helper()
	events, err := h.store.ListEvents(context.Background(), h.agent.ThreadID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	return events
}

func typesEqual(got []models.EventType, want ...models.EventType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestSimpleChatTurn(t *testing.T) {
	p := &scriptedProvider{steps: []step{
		{deltas: []string{"Hi", "!"}, resp: textResponse("Hi!")},
	}}
	var streamed strings.Builder
	h := newHarness(t, Config{}, Deps{
		Provider: p,
		Listener: Listener{OnText: func(d string) { streamed.WriteString(d) }},
	})

	result, err := h.agent.SendMessage(context.Background(), "Hello")
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "Hi!" || result.StopReason != models.StopEndTurn {
		t.Errorf("result = %+v", result)
	}
	if streamed.String() != "Hi!" {
		t.Errorf("streamed %q", streamed.String())
	}
	if got := h.eventTypes(t); !typesEqual(got, models.EventUserMessage, models.EventAgentMessage) {
		t.Errorf("events = %v", got)
	}
	if h.agent.State() != StateIdle {
		t.Errorf("state = %s", h.agent.State())
	}
}

func TestSystemPromptRecordedOnce(t *testing.T) {
	p := &scriptedProvider{steps: []step{
		{resp: textResponse("one")},
		{resp: textResponse("two")},
	}}
	h := newHarness(t, Config{SystemPrompt: "be terse"}, Deps{Provider: p})

	for _, msg := range []string{"a", "b"} {
		if _, err := h.agent.SendMessage(context.Background(), msg); err != nil {
			t.Fatal(err)
		}
	}
	var prompts int
	for _, typ := range h.eventTypes(t) {
		if typ == models.EventSystemPrompt {
			prompts++
		}
	}
	if prompts != 1 {
		t.Errorf("system prompt recorded %d times", prompts)
	}
}

type echoTool struct{ output string }

func (e *echoTool) Name() string            { return "bash" }
func (e *echoTool) Description() string     { return "run a command" }
func (e *echoTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (e *echoTool) Execute(context.Context, json.RawMessage) (*tools.Result, error) {
	return tools.TextResult(e.output), nil
}

func TestToolCallRound(t *testing.T) {
	p := &scriptedProvider{steps: []step{
		{resp: toolResponse("c1", "bash", `{"command":"ls"}`)},
		{resp: textResponse("There is one file: main.go")},
	}}
	exec := tools.NewExecutor(nil, nil)
	exec.Register(&echoTool{output: "main.go"})
	h := newHarness(t, Config{}, Deps{Provider: p, Executor: exec})

	result, err := h.agent.SendMessage(context.Background(), "what files are here?")
	if err != nil {
		t.Fatal(err)
	}
	if result.Metrics.Iterations != 2 || result.Metrics.ToolCalls != 1 {
		t.Errorf("metrics = %+v", result.Metrics)
	}

	got := h.eventTypes(t)
	want := []models.EventType{
		models.EventUserMessage,
		models.EventAgentMessage, // empty text, carries the tool round's usage
		models.EventToolCall,
		models.EventToolResult,
		models.EventAgentMessage,
	}
	if !typesEqual(got, want...) {
		t.Fatalf("events = %v", got)
	}

	events := h.events(t)
	tr, err := events[3].ToolResult()
	if err != nil {
		t.Fatal(err)
	}
	if tr.CallID != "c1" || models.BlocksText(tr.Content) != "main.go" {
		t.Errorf("tool result = %+v", tr)
	}
}

func TestConcurrentSendMessageIsBusy(t *testing.T) {
	hold := make(chan struct{})
	p := &scriptedProvider{steps: []step{
		{hold: hold, resp: textResponse("done")},
	}}
	h := newHarness(t, Config{}, Deps{Provider: p})

	done := make(chan error, 1)
	go func() {
		_, err := h.agent.SendMessage(context.Background(), "first")
		done <- err
	}()

	// Wait for the first turn to occupy the agent.
	deadline := time.After(2 * time.Second)
	for h.agent.State() == StateIdle {
		select {
		case <-deadline:
			t.Fatal("first turn never started")
		case <-time.After(time.Millisecond):
		}
	}

	if _, err := h.agent.SendMessage(context.Background(), "second"); !errors.Is(err, ErrBusy) {
		t.Errorf("second turn error = %v, want ErrBusy", err)
	}

	close(hold)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestMidStreamCancel(t *testing.T) {
	p := &scriptedProvider{steps: []step{
		{deltas: []string{"Hel"}, blockUntilCancel: true},
	}}
	var h *testHarness
	h = newHarness(t, Config{}, Deps{
		Provider: p,
		Listener: Listener{OnText: func(string) { h.agent.Cancel() }},
	})

	_, err := h.agent.SendMessage(context.Background(), "hi")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}

	got := h.eventTypes(t)
	if !typesEqual(got, models.EventUserMessage, models.EventLocalSystemMessage) {
		t.Errorf("events = %v; a cancelled stream must not persist agent output", got)
	}
	if h.agent.State() != StateIdle {
		t.Errorf("state after cancel = %s", h.agent.State())
	}
}

func TestAuthFailureSurfacesAndIsLogged(t *testing.T) {
	authErr := &providers.Error{Kind: providers.KindAuth, Provider: "scripted", Message: "invalid api key"}
	p := &scriptedProvider{steps: []step{{err: authErr}}}
	h := newHarness(t, Config{}, Deps{Provider: p})

	_, err := h.agent.SendMessage(context.Background(), "hi")
	perr, ok := providers.AsError(err)
	if !ok || perr.Kind != providers.KindAuth {
		t.Fatalf("err = %v, want auth kind", err)
	}
	if p.calls != 1 {
		t.Errorf("provider called %d times, auth errors must not retry", p.calls)
	}

	got := h.eventTypes(t)
	if !typesEqual(got, models.EventUserMessage, models.EventLocalSystemMessage) {
		t.Fatalf("events = %v", got)
	}
	data, err := h.events(t)[1].SystemMessage()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(data.Text, "invalid api key") {
		t.Errorf("diagnostic %q misses the cause", data.Text)
	}
}

func TestThinkTagsBecomeThinkingEvents(t *testing.T) {
	p := &scriptedProvider{steps: []step{
		{resp: textResponse("<think>user wants brevity</think>Sure.")},
	}}
	h := newHarness(t, Config{}, Deps{Provider: p})

	result, err := h.agent.SendMessage(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "Sure." {
		t.Errorf("visible text = %q", result.Text)
	}

	got := h.eventTypes(t)
	if !typesEqual(got, models.EventUserMessage, models.EventThinking, models.EventAgentMessage) {
		t.Fatalf("events = %v", got)
	}
	think, err := h.events(t)[1].Thinking()
	if err != nil {
		t.Fatal(err)
	}
	if think.Text != "user wants brevity" {
		t.Errorf("thinking = %q", think.Text)
	}
}

func TestThinkingNotReplayedToModel(t *testing.T) {
	p := &scriptedProvider{steps: []step{
		{resp: textResponse("<think>private</think>First.")},
		{resp: textResponse("Second.")},
	}}
	h := newHarness(t, Config{}, Deps{Provider: p})

	if _, err := h.agent.SendMessage(context.Background(), "one"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.agent.SendMessage(context.Background(), "two"); err != nil {
		t.Fatal(err)
	}

	events, err := h.threads.EffectiveEvents(context.Background(), h.agent.ThreadID())
	if err != nil {
		t.Fatal(err)
	}
	messages, err := threads.Transcript(events)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range messages {
		if strings.Contains(m.Content, "private") {
			t.Fatalf("thinking leaked into transcript: %+v", m)
		}
	}
}

type fakeCompactor struct {
	calls int
	tm    *threads.Manager
	err   error
}

func (f *fakeCompactor) Compact(ctx context.Context, threadID string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	shadowID, err := f.tm.AllocateShadow(ctx, threadID)
	if err != nil {
		return "", err
	}
	st := f.tm.Store()
	if _, err := st.AppendEvent(ctx, models.NewUserMessage(shadowID, "summary request")); err != nil {
		return "", err
	}
	if _, err := st.AppendEvent(ctx, models.NewAgentMessage(shadowID, "summary", nil)); err != nil {
		return "", err
	}
	if _, err := st.AppendEvent(ctx, models.NewCompaction(threadID, shadowID)); err != nil {
		return "", err
	}
	return shadowID, nil
}

func TestCompactionTriggeredByBudget(t *testing.T) {
	// Window so small any prompt exceeds the threshold.
	p := &scriptedProvider{
		window: 20,
		maxOut: 5,
		steps:  []step{{resp: textResponse("ok")}},
	}
	comp := &fakeCompactor{}
	h := newHarness(t, Config{}, Deps{Provider: p, Compactor: comp})
	comp.tm = h.threads

	long := strings.Repeat("history ", 50)
	if _, err := h.agent.SendMessage(context.Background(), long); err != nil {
		t.Fatal(err)
	}
	if comp.calls != 1 {
		t.Fatalf("compactor called %d times", comp.calls)
	}

	events, err := h.threads.EffectiveEvents(context.Background(), h.agent.ThreadID())
	if err != nil {
		t.Fatal(err)
	}
	// Spliced view starts with the shadow's summary exchange.
	if len(events) == 0 || events[0].ThreadID != "t1.s1" {
		t.Errorf("effective events do not start at the shadow: %+v", events)
	}
}

func TestCompactionFailureFailsTurn(t *testing.T) {
	p := &scriptedProvider{window: 20, maxOut: 5, steps: nil}
	compErr := errors.New("summarizer unavailable")
	h := newHarness(t, Config{}, Deps{Provider: p, Compactor: &fakeCompactor{err: compErr}})

	_, err := h.agent.SendMessage(context.Background(), strings.Repeat("history ", 50))
	if !errors.Is(err, compErr) {
		t.Fatalf("err = %v, want the compaction cause", err)
	}
	if p.calls != 0 {
		t.Errorf("model called %d times despite failed compaction", p.calls)
	}
}

func TestSteeringJoinsNextRound(t *testing.T) {
	var h *testHarness
	steered := false
	exec := tools.NewExecutor(nil, nil)
	exec.Register(&echoTool{output: "out"})
	p := &scriptedProvider{steps: []step{
		{resp: toolResponse("c1", "bash", `{}`)},
		{resp: textResponse("done")},
	}}
	h = newHarness(t, Config{}, Deps{
		Provider: p,
		Executor: exec,
		Listener: Listener{OnState: func(s State) {
			if s == StateToolExecuting && !steered {
				steered = true
				h.agent.Steer("actually, stop")
			}
		}},
	})

	if _, err := h.agent.SendMessage(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}

	var userTexts []string
	for _, ev := range h.events(t) {
		if ev.Type != models.EventUserMessage {
			continue
		}
		data, err := ev.UserMessage()
		if err != nil {
			t.Fatal(err)
		}
		userTexts = append(userTexts, data.Text)
	}
	if len(userTexts) != 2 || userTexts[1] != "actually, stop" {
		t.Errorf("user messages = %v", userTexts)
	}
}

func TestIterationLimit(t *testing.T) {
	exec := tools.NewExecutor(nil, nil)
	exec.Register(&echoTool{output: "out"})
	p := &scriptedProvider{steps: []step{
		{resp: toolResponse("c1", "bash", `{}`)},
		{resp: toolResponse("c2", "bash", `{}`)},
		{resp: toolResponse("c3", "bash", `{}`)},
	}}
	h := newHarness(t, Config{MaxIterations: 2}, Deps{Provider: p, Executor: exec})

	_, err := h.agent.SendMessage(context.Background(), "loop forever")
	if !errors.Is(err, ErrMaxIterations) {
		t.Fatalf("err = %v, want ErrMaxIterations", err)
	}
	if p.calls != 2 {
		t.Errorf("provider called %d times, want 2", p.calls)
	}
}
