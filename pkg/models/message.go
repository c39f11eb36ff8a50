package models

import "encoding/json"

// Role indicates the author of a transcript message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is the provider-neutral transcript shape. Adapters translate it
// into each backend's wire format.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID is set on tool messages, pairing the result to its call.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// IsError marks a tool message whose execution failed.
	IsError bool `json:"is_error,omitempty"`
}

// ToolCall is a model-issued request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolSchema is what a tool publishes to the model. InputSchema is a
// JSON-Schema object; adapters reshape it per backend.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolExecution is the outcome of running a tool. Failures are carried in
// IsError rather than an error return so they stay part of the transcript.
type ToolExecution struct {
	CallID  string         `json:"call_id"`
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"is_error"`
}
