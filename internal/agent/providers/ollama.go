package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/loom/pkg/models"
)

// Ollama adapts a local Ollama server's NDJSON chat API.
type Ollama struct {
	client  *http.Client
	baseURL string
	cfg     Config
}

var _ Provider = (*Ollama)(nil)

// NewOllama builds the adapter. BaseURL defaults to the local daemon.
func NewOllama(cfg Config) *Ollama {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Ollama{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		cfg:     cfg,
	}
}

func (p *Ollama) Name() string { return "ollama" }

func (p *Ollama) ContextWindow(model string) int {
	return p.cfg.contextWindowFor(p.cfg.modelOr(model))
}

func (p *Ollama) MaxCompletionTokens(model string) int {
	return p.cfg.maxTokensFor(p.cfg.modelOr(model), 0)
}

func (p *Ollama) CreateResponse(ctx context.Context, req *Request) (*Response, error) {
	chunks, err := p.CreateStreamingResponse(ctx, req)
	if err != nil {
		return nil, err
	}
	return Collect(chunks)
}

func (p *Ollama) CreateStreamingResponse(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	model := p.cfg.modelOr(req.Model)
	if model == "" {
		return nil, NewError("ollama", "", errors.New("model is required"))
	}

	payload := ollamaChatRequest{
		Model:    model,
		Stream:   true,
		Messages: ollamaMessages(req),
	}
	if len(req.Tools) > 0 {
		payload.Tools = openaiTools(req.Tools)
	}
	if n := p.cfg.maxTokensFor(model, req.MaxTokens); n > 0 {
		payload.Options = map[string]any{"num_predict": n}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewError("ollama", model, fmt.Errorf("marshal request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, NewError("ollama", model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewError("ollama", model, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, NewError("ollama", model,
			fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))).
			WithStatus(resp.StatusCode)
	}

	out := make(chan *Chunk)
	go p.streamResponse(ctx, resp.Body, out, req, model)
	return out, nil
}

func (p *Ollama) streamResponse(ctx context.Context, body io.ReadCloser, out chan<- *Chunk, req *Request, model string) {
	defer close(out)
	defer body.Close()

	start := time.Now()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var (
		content   strings.Builder
		toolCalls []models.ToolCall
		emitted   = map[string]struct{}{}
	)
	throttle := newUsageThrottle(0)
	estPrompt := EstimateRequestTokens(req)

	// Sends must not outlive the consumer: a cancelled turn abandons the
	// channel, so every send races ctx.Done.
	emit := func(c *Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			emit(&Chunk{Err: ctx.Err()})
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var resp ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			emit(&Chunk{Err: &Error{Kind: KindProtocol, Provider: "ollama", Model: model,
				Message: "decode response: " + err.Error(), Cause: err}})
			return
		}
		if resp.Error != "" {
			emit(&Chunk{Err: NewError("ollama", model, errors.New(resp.Error))})
			return
		}

		if resp.Message != nil {
			if resp.Message.Content != "" {
				content.WriteString(resp.Message.Content)
				if !emit(&Chunk{Text: resp.Message.Content}) {
					return
				}
				if u := throttle.maybe(estPrompt, EstimateTextTokens(model, content.String())); u != nil {
					if !emit(u) {
						return
					}
				}
			}
			for _, tc := range resp.Message.ToolCalls {
				call, ok := finalizeOllamaCall(tc, emitted)
				if !ok {
					continue
				}
				toolCalls = append(toolCalls, call)
				if !emit(&Chunk{ToolCall: &toolCalls[len(toolCalls)-1]}) {
					return
				}
			}
		}

		if resp.Done {
			usage := models.TokenUsage{
				PromptTokens:     resp.PromptEvalCount,
				CompletionTokens: resp.EvalCount,
			}
			if usage.PromptTokens == 0 {
				usage.PromptTokens = estPrompt
				usage.Estimated = true
			}
			if usage.CompletionTokens == 0 && content.Len() > 0 {
				usage.CompletionTokens = EstimateTextTokens(model, content.String())
				usage.Estimated = true
			}
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

			emit(&Chunk{Response: &Response{
				Content:    content.String(),
				ToolCalls:  toolCalls,
				StopReason: ollamaStopReason(resp.DoneReason, len(toolCalls) > 0),
				Usage:      usage,
				Duration:   time.Since(start),
			}})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		emit(&Chunk{Err: NewError("ollama", model, err)})
		return
	}
	emit(&Chunk{Err: &Error{Kind: KindProtocol, Provider: "ollama", Model: model,
		Message: "stream ended without done marker"}})
}

// ListModels queries the daemon for locally available models. Used by
// diagnostics to suggest `ollama pull` for missing ones.
func (p *Ollama) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, NewError("ollama", "", err)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewError("ollama", "", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, NewError("ollama", "", fmt.Errorf("ollama status %d", resp.StatusCode)).WithStatus(resp.StatusCode)
	}
	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &Error{Kind: KindProtocol, Provider: "ollama", Message: "decode tags: " + err.Error(), Cause: err}
	}
	names := make([]string, 0, len(payload.Models))
	for _, m := range payload.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func finalizeOllamaCall(tc ollamaToolCall, emitted map[string]struct{}) (models.ToolCall, bool) {
	id := strings.TrimSpace(tc.ID)
	if id == "" {
		name := strings.TrimSpace(tc.Function.Name)
		args := strings.TrimSpace(string(tc.Function.Arguments))
		if name == "" && args == "" {
			return models.ToolCall{}, false
		}
		id = name + ":" + args
		if id == ":" {
			id = uuid.NewString()
		}
	}
	if _, dup := emitted[id]; dup {
		return models.ToolCall{}, false
	}
	emitted[id] = struct{}{}

	call := models.ToolCall{ID: id, Name: strings.TrimSpace(tc.Function.Name)}
	if len(tc.Function.Arguments) > 0 {
		call.Arguments = tc.Function.Arguments
	} else {
		call.Arguments = json.RawMessage(`{}`)
	}
	return call, true
}

func ollamaStopReason(reason string, hasToolCalls bool) models.StopReason {
	switch reason {
	case "length":
		return models.StopMaxTokens
	case "stop", "":
		if hasToolCalls {
			return models.StopToolUse
		}
		return models.StopEndTurn
	default:
		if hasToolCalls {
			return models.StopToolUse
		}
		return models.StopEndTurn
	}
}

func ollamaMessages(req *Request) []ollamaChatMessage {
	messages := make([]ollamaChatMessage, 0, len(req.Messages)+1)
	toolNames := map[string]string{}
	for _, msg := range req.Messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" && tc.Name != "" {
				toolNames[tc.ID] = tc.Name
			}
		}
	}
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: system})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleAssistant:
			m := ollamaChatMessage{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				m.ToolCalls = append(m.ToolCalls, ollamaToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: ollamaToolFunction{Name: tc.Name, Arguments: args},
				})
			}
			messages = append(messages, m)
		case models.RoleTool:
			messages = append(messages, ollamaChatMessage{
				Role:     "tool",
				Content:  msg.Content,
				ToolName: toolNames[msg.ToolCallID],
			})
		default:
			messages = append(messages, ollamaChatMessage{Role: string(msg.Role), Content: msg.Content})
		}
	}
	return messages
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []openai.Tool       `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaChatMessage `json:"message"`
	Done            bool               `json:"done"`
	DoneReason      string             `json:"done_reason"`
	Error           string             `json:"error"`
	EvalCount       int                `json:"eval_count"`
	PromptEvalCount int                `json:"prompt_eval_count"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
