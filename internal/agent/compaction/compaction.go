// Package compaction folds a long thread into a model-written summary held
// on a shadow thread, so the original keeps growing without re-sending its
// whole history on every call.
package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/loom/internal/agent/providers"
	"github.com/haasonsaas/loom/internal/threads"
	"github.com/haasonsaas/loom/pkg/models"
)

// summarySystemPrompt steers the summarization call.
const summarySystemPrompt = `You compress conversation history for a coding agent. Produce a dense summary that preserves: user goals and constraints, decisions made, files and commands touched, tool outcomes that matter for future steps, and unresolved tasks. Omit pleasantries and dead ends. Write plain prose.`

// summaryUserPrompt is recorded on the shadow thread so the spliced
// transcript explains where the summary came from.
const summaryUserPrompt = "Summarize our conversation so far, preserving decisions, open tasks, and tool outcomes."

// Error reports a failed compaction attempt. The turn that triggered it
// fails with the same error.
type Error struct {
	ThreadID string
	Cause    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("compaction of thread %s failed: %v", e.ThreadID, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Compactor runs summarization calls. The model may differ from the one
// driving the conversation; a cheaper model is typical.
type Compactor struct {
	threads  *threads.Manager
	provider providers.Provider
	model    string
	logger   *slog.Logger
}

// New creates a compactor that summarizes with the given provider and model.
func New(tm *threads.Manager, provider providers.Provider, model string, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{threads: tm, provider: provider, model: model, logger: logger}
}

// Compact summarizes the thread's effective events into a fresh shadow
// thread and appends a COMPACTION marker to the original. Subsequent
// effective reads splice the shadow in place of everything before the
// marker. Returns the shadow thread id.
//
// The summarization call is non-streaming. If it fails, nothing is marked:
// the shadow thread is left behind unreferenced and the original thread is
// untouched, so the caller can retry.
func (c *Compactor) Compact(ctx context.Context, threadID string) (string, error) {
	events, err := c.threads.EffectiveEvents(ctx, threadID)
	if err != nil {
		return "", &Error{ThreadID: threadID, Cause: err}
	}
	transcript, err := threads.Transcript(events)
	if err != nil {
		return "", &Error{ThreadID: threadID, Cause: err}
	}

	messages := append(transcript, models.Message{Role: models.RoleUser, Content: summaryUserPrompt})
	resp, err := c.provider.CreateResponse(ctx, &providers.Request{
		Model:    c.model,
		System:   summarySystemPrompt,
		Messages: messages,
	})
	if err != nil {
		return "", &Error{ThreadID: threadID, Cause: err}
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", &Error{ThreadID: threadID, Cause: fmt.Errorf("model returned an empty summary")}
	}

	shadowID, err := c.threads.AllocateShadow(ctx, threadID)
	if err != nil {
		return "", &Error{ThreadID: threadID, Cause: err}
	}

	// The shadow holds the prompt/summary exchange; the events it replaces
	// were the input to the call, not part of the shadow itself.
	note := fmt.Sprintf("Compacted %d events into this summary.", len(events))
	shadow := []models.ThreadEvent{
		models.NewLocalSystemMessage(shadowID, note),
		models.NewUserMessage(shadowID, summaryUserPrompt),
		models.NewAgentMessage(shadowID, summary, &resp.Usage),
	}
	st := c.threads.Store()
	for _, ev := range shadow {
		if _, err := st.AppendEvent(ctx, ev); err != nil {
			return "", &Error{ThreadID: threadID, Cause: err}
		}
	}

	if _, err := st.AppendEvent(ctx, models.NewCompaction(threadID, shadowID)); err != nil {
		return "", &Error{ThreadID: threadID, Cause: err}
	}
	c.logger.Info("thread compacted",
		"thread_id", threadID, "shadow_thread_id", shadowID, "events_summarized", len(events))
	return shadowID, nil
}
