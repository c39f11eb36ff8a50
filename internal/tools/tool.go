// Package tools dispatches model-issued tool calls: a name-unique registry,
// an approval policy gate, and execution that always yields a result event,
// never a thrown error.
package tools

import (
	"context"
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/loom/pkg/models"
)

// Tool is one callable capability published to the model.
type Tool interface {
	// Name is unique within a registry.
	Name() string

	// Description tells the model when to invoke the tool.
	Description() string

	// Schema is the JSON-Schema object describing the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool. Failures belong in Result.IsError; a returned
	// error is treated the same way by the executor.
	Execute(ctx context.Context, args json.RawMessage) (*Result, error)
}

// Result is a tool's output.
type Result struct {
	Content []models.ContentBlock
	IsError bool
}

// TextResult builds a single-text-block success result.
func TextResult(text string) *Result {
	return &Result{Content: []models.ContentBlock{models.TextBlock(text)}}
}

// ErrorResult builds a single-text-block failure result.
func ErrorResult(text string) *Result {
	return &Result{Content: []models.ContentBlock{models.TextBlock(text)}, IsError: true}
}

// SchemaFor reflects a JSON schema from an argument struct type.
func SchemaFor[T any]() json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		Anonymous:                 true,
		AllowAdditionalProperties: false,
	}
	var v T
	schema := r.Reflect(&v)
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		// Reflection of a static struct type cannot produce unmarshalable
		// output.
		panic("tools: reflect schema: " + err.Error())
	}
	return data
}
