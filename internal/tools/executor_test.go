package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/haasonsaas/loom/pkg/models"
)

type fakeTool struct {
	name   string
	result *Result
	err    error
	panics bool
	calls  int
}

func (f *fakeTool) Name() string            { return f.name }
func (f *fakeTool) Description() string     { return "test tool" }
func (f *fakeTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (f *fakeTool) Execute(context.Context, json.RawMessage) (*Result, error) {
	f.calls++
	if f.panics {
		panic("boom")
	}
	return f.result, f.err
}

func call(name string) models.ToolCall {
	return models.ToolCall{ID: "c1", Name: name, Arguments: json.RawMessage(`{}`)}
}

func TestExecuteSuccess(t *testing.T) {
	e := NewExecutor(nil, nil)
	e.Register(&fakeTool{name: "echo", result: TextResult("hi")})

	got := e.Execute(context.Background(), call("echo"), nil)
	if got.IsError {
		t.Fatalf("unexpected error result: %+v", got)
	}
	if got.CallID != "c1" || models.BlocksText(got.Content) != "hi" {
		t.Errorf("result = %+v", got)
	}
}

func TestExecuteMissingToolIsErrorResult(t *testing.T) {
	e := NewExecutor(nil, nil)
	got := e.Execute(context.Background(), call("nope"), nil)
	if !got.IsError {
		t.Fatal("want error result for missing tool")
	}
}

func TestExecuteToolErrorBecomesResult(t *testing.T) {
	e := NewExecutor(nil, nil)
	e.Register(&fakeTool{name: "broken", err: errors.New("disk full")})

	got := e.Execute(context.Background(), call("broken"), nil)
	if !got.IsError || models.BlocksText(got.Content) != "disk full" {
		t.Errorf("result = %+v", got)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	e := NewExecutor(nil, nil)
	e.Register(&fakeTool{name: "panicky", panics: true})

	got := e.Execute(context.Background(), call("panicky"), nil)
	if !got.IsError {
		t.Fatal("want error result after panic")
	}
}

func TestExecuteDenylist(t *testing.T) {
	policy := &ApprovalPolicy{Denylist: []string{"rm_*"}}
	e := NewExecutor(policy, nil)
	tool := &fakeTool{name: "rm_rf", result: TextResult("gone")}
	e.Register(tool)

	got := e.Execute(context.Background(), call("rm_rf"), nil)
	if !got.IsError {
		t.Fatal("want denial")
	}
	if tool.calls != 0 {
		t.Error("denied tool must not run")
	}
}

func TestExecuteRequireApprovalGranted(t *testing.T) {
	policy := &ApprovalPolicy{RequireApproval: []string{"bash"}}
	e := NewExecutor(policy, nil)
	tool := &fakeTool{name: "bash", result: TextResult("ok")}
	e.Register(tool)

	var asked bool
	approve := func(ctx context.Context, c models.ToolCall) (bool, error) {
		asked = true
		return true, nil
	}
	got := e.Execute(context.Background(), call("bash"), approve)
	if !asked {
		t.Error("approver was not consulted")
	}
	if got.IsError || tool.calls != 1 {
		t.Errorf("result = %+v, calls = %d", got, tool.calls)
	}
}

func TestExecuteRequireApprovalRejected(t *testing.T) {
	policy := &ApprovalPolicy{RequireApproval: []string{"bash"}}
	e := NewExecutor(policy, nil)
	tool := &fakeTool{name: "bash", result: TextResult("ok")}
	e.Register(tool)

	approve := func(ctx context.Context, c models.ToolCall) (bool, error) {
		return false, nil
	}
	got := e.Execute(context.Background(), call("bash"), approve)
	if !got.IsError || tool.calls != 0 {
		t.Errorf("rejected call must not run: result=%+v calls=%d", got, tool.calls)
	}
}

func TestExecuteRequireApprovalWithoutApprover(t *testing.T) {
	policy := &ApprovalPolicy{RequireApproval: []string{"bash"}}
	e := NewExecutor(policy, nil)
	e.Register(&fakeTool{name: "bash", result: TextResult("ok")})

	got := e.Execute(context.Background(), call("bash"), nil)
	if !got.IsError {
		t.Fatal("want denial when no approver is available")
	}
}

func TestPolicyEvaluation(t *testing.T) {
	p := &ApprovalPolicy{
		Allowlist:       []string{"read_*"},
		Denylist:        []string{"read_secrets"},
		RequireApproval: []string{"bash"},
		DefaultDecision: DecisionRequireApproval,
	}
	tests := []struct {
		name string
		want Decision
	}{
		{"read_secrets", DecisionDeny}, // denylist wins over allowlist
		{"read_file", DecisionAllow},
		{"bash", DecisionRequireApproval},
		{"unknown", DecisionRequireApproval},
	}
	for _, tt := range tests {
		if got := p.Evaluate(tt.name); got != tt.want {
			t.Errorf("Evaluate(%s) = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestSchemasSorted(t *testing.T) {
	e := NewExecutor(nil, nil)
	e.Register(&fakeTool{name: "zeta"})
	e.Register(&fakeTool{name: "alpha"})

	schemas := e.Schemas()
	if len(schemas) != 2 || schemas[0].Name != "alpha" || schemas[1].Name != "zeta" {
		t.Errorf("schemas = %+v", schemas)
	}
}

func TestSchemaForReflectsFields(t *testing.T) {
	raw := SchemaFor[bashArgs]()
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		t.Fatal(err)
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema has no properties: %s", raw)
	}
	if _, ok := props["command"]; !ok {
		t.Errorf("schema missing command property: %s", raw)
	}
}
