// Package models defines the shared data model for the Loom runtime: thread
// events, threads, sessions, provider instances, and token accounting.
//
// Events are the source of truth for every conversation. They are immutable
// once appended; all other state (transcripts, provider prompts, UI views) is
// derived by replaying them.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the payload carried by a ThreadEvent.
type EventType string

const (
	// EventUserMessage is text from a human.
	EventUserMessage EventType = "user_message"

	// EventAgentMessage is text from the model. The text may contain embedded
	// reasoning segments delimited by <think>...</think>.
	EventAgentMessage EventType = "agent_message"

	// EventThinking is a standalone reasoning segment captured from streaming.
	// Thinking events are never replayed back to the model.
	EventThinking EventType = "thinking"

	// EventToolCall is a tool invocation requested by the model.
	EventToolCall EventType = "tool_call"

	// EventToolResult is the outcome of an executed tool call.
	EventToolResult EventType = "tool_result"

	// EventLocalSystemMessage is operator-level text recorded for the user
	// (cancellations, failures, notices). Not re-sent as conversation.
	EventLocalSystemMessage EventType = "local_system_message"

	// EventSystemPrompt records the system prompt in effect for the thread.
	EventSystemPrompt EventType = "system_prompt"

	// EventCompaction marks a compaction boundary. Events before the marker
	// are replaced by the summarized shadow thread on subsequent reads.
	EventCompaction EventType = "compaction"
)

// ThreadEvent is an immutable record in a thread's append-only log.
type ThreadEvent struct {
	// ID is unique within the thread. Never reused or changed.
	ID string `json:"id"`

	// ThreadID names the thread this event belongs to.
	ThreadID string `json:"thread_id"`

	// Type selects the Data payload shape.
	Type EventType `json:"type"`

	// Timestamp is non-decreasing within a thread.
	Timestamp time.Time `json:"timestamp"`

	// Seq is the store-assigned sequence number, monotonically increasing per
	// store. Zero until the event has been appended.
	Seq int64 `json:"seq,omitempty"`

	// Data is the type-dependent payload, serialized as JSON.
	Data json.RawMessage `json:"data"`
}

// ContentBlock is a typed unit of tool-result content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// BlocksText concatenates the text of all text-typed blocks.
func BlocksText(blocks []ContentBlock) string {
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// UserMessageData is the payload of EventUserMessage.
type UserMessageData struct {
	Text string `json:"text"`
}

// AgentMessageData is the payload of EventAgentMessage. Usage carries the
// final token counts for the turn step that produced the message.
type AgentMessageData struct {
	Text  string      `json:"text"`
	Usage *TokenUsage `json:"usage,omitempty"`
}

// ThinkingData is the payload of EventThinking.
type ThinkingData struct {
	Text string `json:"text"`
}

// ToolCallData is the payload of EventToolCall.
type ToolCallData struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResultData is the payload of EventToolResult. CallID pairs the result
// with exactly one prior ToolCallData in the same thread.
type ToolResultData struct {
	CallID  string         `json:"call_id"`
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"is_error,omitempty"`
}

// SystemMessageData is the payload of EventLocalSystemMessage and
// EventSystemPrompt.
type SystemMessageData struct {
	Text string `json:"text"`
}

// CompactionData is the payload of EventCompaction.
type CompactionData struct {
	ShadowThreadID string `json:"shadow_thread_id"`
}

// NewEvent builds a ThreadEvent of the given type with a fresh id and the
// payload serialized. It panics only if the payload cannot be marshaled,
// which cannot happen for the payload types in this package.
func NewEvent(threadID string, typ EventType, payload any) ThreadEvent {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("models: marshal %s payload: %v", typ, err))
	}
	return ThreadEvent{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// NewUserMessage builds a USER_MESSAGE event.
func NewUserMessage(threadID, text string) ThreadEvent {
	return NewEvent(threadID, EventUserMessage, UserMessageData{Text: text})
}

// NewAgentMessage builds an AGENT_MESSAGE event.
func NewAgentMessage(threadID, text string, usage *TokenUsage) ThreadEvent {
	return NewEvent(threadID, EventAgentMessage, AgentMessageData{Text: text, Usage: usage})
}

// NewThinking builds a THINKING event.
func NewThinking(threadID, text string) ThreadEvent {
	return NewEvent(threadID, EventThinking, ThinkingData{Text: text})
}

// NewToolCall builds a TOOL_CALL event.
func NewToolCall(threadID, callID, name string, arguments json.RawMessage) ThreadEvent {
	if len(arguments) == 0 {
		arguments = json.RawMessage(`{}`)
	}
	return NewEvent(threadID, EventToolCall, ToolCallData{CallID: callID, Name: name, Arguments: arguments})
}

// NewToolResult builds a TOOL_RESULT event.
func NewToolResult(threadID, callID string, content []ContentBlock, isError bool) ThreadEvent {
	return NewEvent(threadID, EventToolResult, ToolResultData{CallID: callID, Content: content, IsError: isError})
}

// NewLocalSystemMessage builds a LOCAL_SYSTEM_MESSAGE event.
func NewLocalSystemMessage(threadID, text string) ThreadEvent {
	return NewEvent(threadID, EventLocalSystemMessage, SystemMessageData{Text: text})
}

// NewSystemPrompt builds a SYSTEM_PROMPT event.
func NewSystemPrompt(threadID, text string) ThreadEvent {
	return NewEvent(threadID, EventSystemPrompt, SystemMessageData{Text: text})
}

// NewCompaction builds a COMPACTION event pointing at a shadow thread.
func NewCompaction(threadID, shadowThreadID string) ThreadEvent {
	return NewEvent(threadID, EventCompaction, CompactionData{ShadowThreadID: shadowThreadID})
}

// UserMessage decodes the payload of a USER_MESSAGE event.
func (e *ThreadEvent) UserMessage() (*UserMessageData, error) {
	return decodeData[UserMessageData](e, EventUserMessage)
}

// AgentMessage decodes the payload of an AGENT_MESSAGE event.
func (e *ThreadEvent) AgentMessage() (*AgentMessageData, error) {
	return decodeData[AgentMessageData](e, EventAgentMessage)
}

// Thinking decodes the payload of a THINKING event.
func (e *ThreadEvent) Thinking() (*ThinkingData, error) {
	return decodeData[ThinkingData](e, EventThinking)
}

// ToolCall decodes the payload of a TOOL_CALL event.
func (e *ThreadEvent) ToolCall() (*ToolCallData, error) {
	return decodeData[ToolCallData](e, EventToolCall)
}

// ToolResult decodes the payload of a TOOL_RESULT event.
func (e *ThreadEvent) ToolResult() (*ToolResultData, error) {
	return decodeData[ToolResultData](e, EventToolResult)
}

// SystemMessage decodes the payload of a LOCAL_SYSTEM_MESSAGE or
// SYSTEM_PROMPT event.
func (e *ThreadEvent) SystemMessage() (*SystemMessageData, error) {
	if e.Type != EventLocalSystemMessage && e.Type != EventSystemPrompt {
		return nil, fmt.Errorf("models: event %s is %s, not a system message", e.ID, e.Type)
	}
	var data SystemMessageData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("models: decode %s payload: %w", e.Type, err)
	}
	return &data, nil
}

// Compaction decodes the payload of a COMPACTION event.
func (e *ThreadEvent) Compaction() (*CompactionData, error) {
	return decodeData[CompactionData](e, EventCompaction)
}

func decodeData[T any](e *ThreadEvent, want EventType) (*T, error) {
	if e.Type != want {
		return nil, fmt.Errorf("models: event %s is %s, not %s", e.ID, e.Type, want)
	}
	var data T
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("models: decode %s payload: %w", want, err)
	}
	return &data, nil
}
