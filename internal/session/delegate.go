package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/pkg/models"
)

// defaultMaxDelegateDepth bounds delegation nesting when the session
// configuration does not.
const defaultMaxDelegateDepth = 3

// delegateTool spawns a subordinate agent on a child thread and runs the
// given prompt as a complete turn there. The calling agent blocks on the
// child only through this tool call; the child may itself delegate, bounded
// by the session's max depth.
type delegateTool struct {
	session *Session
}

type delegateArgs struct {
	Prompt string `json:"prompt" jsonschema:"description=Task for the subordinate agent"`
	Name   string `json:"name,omitempty" jsonschema:"description=Display name for the subordinate agent"`
}

func (d *delegateTool) Name() string { return "delegate" }

func (d *delegateTool) Description() string {
	return "Delegate a task to a subordinate agent running on its own thread. Returns the agent's final answer."
}

func (d *delegateTool) Schema() json.RawMessage {
	return tools.SchemaFor[delegateArgs]()
}

func (d *delegateTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var in delegateArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return tools.ErrorResult("invalid arguments: " + err.Error()), nil
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return tools.ErrorResult("prompt is required"), nil
	}

	parentID := tools.CallerThread(ctx)
	if parentID == "" || !d.session.ownsThread(parentID) {
		parentID = d.session.ID()
	}
	if depth := d.delegateDepth(parentID); depth >= d.maxDepth() {
		return tools.ErrorResult(fmt.Sprintf("delegation depth limit (%d) reached", d.maxDepth())), nil
	}

	childID, err := d.session.spawnUnder(ctx, parentID, in.Name)
	if err != nil {
		return tools.ErrorResult("spawn delegate: " + err.Error()), nil
	}
	child, ok := d.session.agentFor(childID)
	if !ok {
		return tools.ErrorResult("spawn delegate: thread not owned by session"), nil
	}

	result, err := child.SendMessage(ctx, in.Prompt)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("delegate failed: %v\n\nThread: %s", err, childID)), nil
	}
	return tools.TextResult(fmt.Sprintf("%s\n\nThread: %s", result.Text, childID)), nil
}

// delegateDepth counts delegation levels between the session root and
// threadID.
func (d *delegateTool) delegateDepth(threadID string) int {
	depth := 0
	id := threadID
	for id != d.session.ID() {
		parent := models.ParentThreadID(id)
		if parent == "" {
			return 0
		}
		id = parent
		depth++
	}
	return depth
}

func (d *delegateTool) maxDepth() int {
	if n := d.session.record.Configuration.MaxDelegateDepth; n > 0 {
		return n
	}
	return defaultMaxDelegateDepth
}
