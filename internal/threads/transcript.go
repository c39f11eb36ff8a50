package threads

import (
	"fmt"

	"github.com/haasonsaas/loom/pkg/models"
)

// Transcript reconstructs provider-shaped messages from a thread's effective
// event list.
//
// Mapping rules:
//   - SYSTEM_PROMPT becomes a system message.
//   - USER_MESSAGE becomes a user message.
//   - AGENT_MESSAGE becomes an assistant message; TOOL_CALL events that
//     follow it attach to that assistant message.
//   - TOOL_RESULT becomes a tool message paired by call id. A result whose
//     call id has no prior TOOL_CALL in the thread is surfaced as a system
//     message, never dropped.
//   - THINKING events are local-only reasoning captures and are not replayed.
//   - LOCAL_SYSTEM_MESSAGE is operator-facing and not replayed.
//   - COMPACTION markers are resolved by EffectiveEvents before this runs.
func Transcript(events []models.ThreadEvent) ([]models.Message, error) {
	out := make([]models.Message, 0, len(events))
	seenCalls := make(map[string]struct{})

	for i := range events {
		ev := &events[i]
		switch ev.Type {
		case models.EventSystemPrompt:
			data, err := ev.SystemMessage()
			if err != nil {
				return nil, err
			}
			out = append(out, models.Message{Role: models.RoleSystem, Content: data.Text})

		case models.EventUserMessage:
			data, err := ev.UserMessage()
			if err != nil {
				return nil, err
			}
			out = append(out, models.Message{Role: models.RoleUser, Content: data.Text})

		case models.EventAgentMessage:
			data, err := ev.AgentMessage()
			if err != nil {
				return nil, err
			}
			out = append(out, models.Message{Role: models.RoleAssistant, Content: data.Text})

		case models.EventToolCall:
			data, err := ev.ToolCall()
			if err != nil {
				return nil, err
			}
			seenCalls[data.CallID] = struct{}{}
			call := models.ToolCall{ID: data.CallID, Name: data.Name, Arguments: data.Arguments}
			// Calls are emitted directly after the assistant message that
			// produced them; attach there, or synthesize an empty assistant
			// message for logs that lack one.
			if n := len(out); n > 0 && out[n-1].Role == models.RoleAssistant {
				out[n-1].ToolCalls = append(out[n-1].ToolCalls, call)
			} else {
				out = append(out, models.Message{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call}})
			}

		case models.EventToolResult:
			data, err := ev.ToolResult()
			if err != nil {
				return nil, err
			}
			text := models.BlocksText(data.Content)
			if _, ok := seenCalls[data.CallID]; !ok {
				out = append(out, models.Message{
					Role:    models.RoleSystem,
					Content: fmt.Sprintf("Tool result (orphaned): %s", text),
				})
				continue
			}
			out = append(out, models.Message{
				Role:       models.RoleTool,
				Content:    text,
				ToolCallID: data.CallID,
				IsError:    data.IsError,
			})

		case models.EventThinking, models.EventLocalSystemMessage, models.EventCompaction:
			// Local-only.

		default:
			// Unknown event types from newer versions are skipped so old
			// binaries keep reading new logs.
		}
	}
	return out, nil
}

// PendingToolCalls returns the tool calls in events that have no matching
// result yet, in emission order. Used when resuming a turn after a crash or
// cancellation.
func PendingToolCalls(events []models.ThreadEvent) ([]models.ToolCall, error) {
	resolved := make(map[string]struct{})
	for i := range events {
		if events[i].Type != models.EventToolResult {
			continue
		}
		data, err := events[i].ToolResult()
		if err != nil {
			return nil, err
		}
		resolved[data.CallID] = struct{}{}
	}

	var pending []models.ToolCall
	for i := range events {
		if events[i].Type != models.EventToolCall {
			continue
		}
		data, err := events[i].ToolCall()
		if err != nil {
			return nil, err
		}
		if _, ok := resolved[data.CallID]; !ok {
			pending = append(pending, models.ToolCall{ID: data.CallID, Name: data.Name, Arguments: data.Arguments})
		}
	}
	return pending, nil
}
