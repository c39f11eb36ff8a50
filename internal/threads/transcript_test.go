package threads

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/haasonsaas/loom/pkg/models"
)

func TestTranscriptBasicConversation(t *testing.T) {
	events := []models.ThreadEvent{
		models.NewSystemPrompt("t1", "You are helpful."),
		models.NewUserMessage("t1", "Hello"),
		models.NewAgentMessage("t1", "Hi!", nil),
	}
	msgs, err := Transcript(events)
	if err != nil {
		t.Fatal(err)
	}
	want := []models.Role{models.RoleSystem, models.RoleUser, models.RoleAssistant}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(want))
	}
	for i, role := range want {
		if msgs[i].Role != role {
			t.Errorf("message %d role = %s, want %s", i, msgs[i].Role, role)
		}
	}
	if msgs[2].Content != "Hi!" {
		t.Errorf("assistant content = %q, want Hi!", msgs[2].Content)
	}
}

func TestTranscriptAttachesToolCallsToAssistant(t *testing.T) {
	args := json.RawMessage(`{"command":"ls"}`)
	events := []models.ThreadEvent{
		models.NewUserMessage("t1", "list files"),
		models.NewAgentMessage("t1", "", nil),
		models.NewToolCall("t1", "call-1", "bash", args),
		models.NewToolResult("t1", "call-1", []models.ContentBlock{models.TextBlock("a.txt\nb.txt")}, false),
		models.NewAgentMessage("t1", "Found 2 files.", nil),
	}
	msgs, err := Transcript(events)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	assistant := msgs[1]
	if assistant.Role != models.RoleAssistant || len(assistant.ToolCalls) != 1 {
		t.Fatalf("message 1 = %+v, want assistant with one tool call", assistant)
	}
	if assistant.ToolCalls[0].Name != "bash" {
		t.Errorf("tool call name = %q, want bash", assistant.ToolCalls[0].Name)
	}
	result := msgs[2]
	if result.Role != models.RoleTool || result.ToolCallID != "call-1" {
		t.Fatalf("message 2 = %+v, want tool result for call-1", result)
	}
	if result.Content != "a.txt\nb.txt" {
		t.Errorf("tool content = %q", result.Content)
	}
}

func TestTranscriptOrphanToolResult(t *testing.T) {
	events := []models.ThreadEvent{
		models.NewToolResult("t1", "x", []models.ContentBlock{models.TextBlock("orphan")}, false),
	}
	msgs, err := Transcript(events)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Role != models.RoleSystem {
		t.Errorf("role = %s, want system", msgs[0].Role)
	}
	if msgs[0].Content != "Tool result (orphaned): orphan" {
		t.Errorf("content = %q, want %q", msgs[0].Content, "Tool result (orphaned): orphan")
	}
}

func TestTranscriptSkipsLocalOnlyEvents(t *testing.T) {
	events := []models.ThreadEvent{
		models.NewUserMessage("t1", "think hard"),
		models.NewThinking("t1", "internal reasoning"),
		models.NewLocalSystemMessage("t1", "Turn cancelled by user"),
		models.NewAgentMessage("t1", "done", nil),
	}
	msgs, err := Transcript(events)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (thinking and local notices excluded)", len(msgs))
	}
}

func TestTranscriptToolCallWithoutAssistantMessage(t *testing.T) {
	events := []models.ThreadEvent{
		models.NewToolCall("t1", "call-9", "bash", json.RawMessage(`{}`)),
	}
	msgs, err := Transcript(events)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Role != models.RoleAssistant || len(msgs[0].ToolCalls) != 1 {
		t.Fatalf("got %+v, want synthesized assistant message carrying the call", msgs)
	}
}

func TestPendingToolCalls(t *testing.T) {
	events := []models.ThreadEvent{
		models.NewToolCall("t1", "a", "bash", nil),
		models.NewToolCall("t1", "b", "bash", nil),
		models.NewToolResult("t1", "a", []models.ContentBlock{models.TextBlock("ok")}, false),
	}
	pending, err := PendingToolCalls(events)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "b" {
		t.Fatalf("pending = %+v, want only call b", pending)
	}
}

// TestToolPairingProperty: every TOOL_RESULT in a random call/result
// interleaving either pairs with a prior TOOL_CALL or surfaces as an orphan
// system message; results are never dropped.
func TestToolPairingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	type step struct {
		isResult bool
		callID   string
	}
	genStep := gopter.CombineGens(gen.Bool(), gen.OneConstOf("a", "b", "c", "d")).
		Map(func(vals []interface{}) step {
			return step{isResult: vals[0].(bool), callID: vals[1].(string)}
		})

	properties.Property("results pair or surface as orphans", prop.ForAll(
		func(steps []step) bool {
			var events []models.ThreadEvent
			results := 0
			calls := make(map[string]bool)
			orphans := 0
			for _, s := range steps {
				if s.isResult {
					events = append(events, models.NewToolResult(
						"t1", s.callID, []models.ContentBlock{models.TextBlock("out")}, false))
					results++
					if !calls[s.callID] {
						orphans++
					}
				} else {
					events = append(events, models.NewToolCall("t1", s.callID, "bash", nil))
					calls[s.callID] = true
				}
			}

			msgs, err := Transcript(events)
			if err != nil {
				return false
			}
			paired, surfaced := 0, 0
			for _, m := range msgs {
				switch {
				case m.Role == models.RoleTool:
					if !calls[m.ToolCallID] {
						return false
					}
					paired++
				case m.Role == models.RoleSystem && strings.HasPrefix(m.Content, "Tool result (orphaned):"):
					surfaced++
				}
			}
			return paired+surfaced == results && surfaced == orphans
		},
		gen.SliceOf(genStep),
	))

	properties.TestingRun(t)
}
