// Package providers implements the model-backend adapters: Anthropic,
// OpenAI (and OpenAI-compatible endpoints), and Ollama.
//
// Every adapter exposes the same contract: a non-streaming call and a
// streaming call that emits text deltas, accumulated tool calls, provisional
// usage updates, and exactly one final Response. Backend chunk formats,
// retry classification, and token estimation stay inside this package.
package providers

import (
	"context"
	"strings"
	"time"

	"github.com/haasonsaas/loom/pkg/models"
)

// Provider is the common adapter contract.
//
// Providers are safe for concurrent use across turns; each streaming call
// creates an independent goroutine and channel.
type Provider interface {
	// Name returns the stable backend identifier ("anthropic", "openai",
	// "ollama").
	Name() string

	// ContextWindow returns the model's context window in tokens.
	ContextWindow(model string) int

	// MaxCompletionTokens returns the model's completion-token ceiling.
	MaxCompletionTokens(model string) int

	// CreateResponse performs a non-streaming completion.
	CreateResponse(ctx context.Context, req *Request) (*Response, error)

	// CreateStreamingResponse starts a streaming completion. The channel is
	// closed after a terminal chunk: either Err is set, or Response is set
	// exactly once.
	CreateStreamingResponse(ctx context.Context, req *Request) (<-chan *Chunk, error)
}

// Request is the provider-neutral completion request.
type Request struct {
	Model     string
	System    string
	Messages  []models.Message
	Tools     []models.ToolSchema
	MaxTokens int
}

// Chunk is one streaming lifecycle signal.
type Chunk struct {
	// Text is an incremental content delta.
	Text string

	// Thinking is an incremental reasoning delta, where the backend
	// separates reasoning from content.
	Thinking string

	// ToolCall is a fully accumulated tool invocation. Emitted once per
	// call, after its streamed arguments are complete.
	ToolCall *models.ToolCall

	// Usage is a provisional token-usage update for UI progress. Superseded
	// by the final Response usage.
	Usage *models.TokenUsage

	// Response is set on the terminal chunk of a successful stream.
	Response *Response

	// Err is set on the terminal chunk of a failed stream.
	Err error
}

// HasContent reports whether the chunk carries model output. Once a stream
// has produced content, the call is no longer retryable.
func (c *Chunk) HasContent() bool {
	return c.Text != "" || c.Thinking != "" || c.ToolCall != nil
}

// Response is the assembled result of a completion.
type Response struct {
	Content    string
	Thinking   string
	ToolCalls  []models.ToolCall
	StopReason models.StopReason
	Usage      models.TokenUsage
	Duration   time.Duration
}

// Config carries everything an adapter needs: credentials, endpoint, the
// resolved model, and the catalog entry for capability queries.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
	Catalog   *models.CatalogEntry
}

// defaultMaxTokens bounds generation when neither the request nor the
// catalog specifies a limit.
const defaultMaxTokens = 4096

func (c *Config) maxTokensFor(model string, requested int) int {
	if requested > 0 {
		return requested
	}
	if c.MaxTokens > 0 {
		return c.MaxTokens
	}
	if c.Catalog != nil {
		if m, ok := c.Catalog.Model(model); ok && m.DefaultMaxTokens > 0 {
			return m.DefaultMaxTokens
		}
	}
	return defaultMaxTokens
}

func (c *Config) contextWindowFor(model string) int {
	if c.Catalog != nil {
		if m, ok := c.Catalog.Model(model); ok && m.ContextWindow > 0 {
			return m.ContextWindow
		}
	}
	// Conservative floor for unknown models.
	return 8192
}

func (c *Config) modelOr(model string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return c.Model
}
