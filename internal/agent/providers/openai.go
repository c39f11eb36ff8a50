package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/loom/pkg/models"
)

// OpenAI adapts the Chat Completions API. With BaseURL set it also serves
// OpenAI-compatible endpoints (LM Studio, vLLM, llama.cpp server).
type OpenAI struct {
	client *openai.Client
	cfg    Config
}

var _ Provider = (*OpenAI)(nil)

// NewOpenAI builds the adapter. APIKey may be a placeholder for local
// compatible endpoints that ignore authentication.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("openai: API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenAI{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}, nil
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) ContextWindow(model string) int {
	return p.cfg.contextWindowFor(p.cfg.modelOr(model))
}

func (p *OpenAI) MaxCompletionTokens(model string) int {
	return p.cfg.maxTokensFor(p.cfg.modelOr(model), 0)
}

func (p *OpenAI) CreateResponse(ctx context.Context, req *Request) (*Response, error) {
	chunks, err := p.CreateStreamingResponse(ctx, req)
	if err != nil {
		return nil, err
	}
	return Collect(chunks)
}

func (p *OpenAI) CreateStreamingResponse(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	model := p.cfg.modelOr(req.Model)
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: openaiMessages(req),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if n := p.cfg.maxTokensFor(model, req.MaxTokens); n > 0 {
		chatReq.MaxTokens = n
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = openaiTools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	out := make(chan *Chunk)
	go p.processStream(ctx, stream, out, req, model)
	return out, nil
}

func (p *OpenAI) processStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- *Chunk, req *Request, model string) {
	defer close(out)
	defer stream.Close()

	start := time.Now()
	var (
		content      strings.Builder
		pending      = map[int]*models.ToolCall{}
		finishReason string
		usage        *openai.Usage
	)
	throttle := newUsageThrottle(0)
	estPrompt := EstimateRequestTokens(req)

	emit := func(c *Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			emit(&Chunk{Err: p.wrapError(err, model)})
			return
		}
		if resp.Usage != nil {
			usage = resp.Usage
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if !emit(&Chunk{Text: choice.Delta.Content}) {
				return
			}
			if u := throttle.maybe(estPrompt, EstimateTextTokens(model, content.String())); u != nil {
				if !emit(u) {
					return
				}
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := pending[index]
			if call == nil {
				call = &models.ToolCall{}
				pending[index] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.Arguments = append(call.Arguments, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
	}

	// Tool call arguments are parsed only once the stream is complete.
	calls, err := finalizeToolCalls(pending, model)
	if err != nil {
		emit(&Chunk{Err: err})
		return
	}
	for i := range calls {
		if !emit(&Chunk{ToolCall: &calls[i]}) {
			return
		}
	}

	final := models.TokenUsage{}
	if usage != nil {
		final.PromptTokens = usage.PromptTokens
		final.CompletionTokens = usage.CompletionTokens
		final.TotalTokens = usage.TotalTokens
	}
	if final.PromptTokens == 0 {
		final.PromptTokens = estPrompt
		final.Estimated = true
	}
	if final.CompletionTokens == 0 && content.Len() > 0 {
		final.CompletionTokens = EstimateTextTokens(model, content.String())
		final.Estimated = true
	}
	if final.TotalTokens == 0 {
		final.TotalTokens = final.PromptTokens + final.CompletionTokens
	}

	emit(&Chunk{Response: &Response{
		Content:    content.String(),
		ToolCalls:  calls,
		StopReason: openaiStopReason(finishReason, len(calls) > 0),
		Usage:      final,
		Duration:   time.Since(start),
	}})
}

// finalizeToolCalls validates accumulated argument JSON in index order.
func finalizeToolCalls(pending map[int]*models.ToolCall, model string) ([]models.ToolCall, error) {
	if len(pending) == 0 {
		return nil, nil
	}
	indexes := make([]int, 0, len(pending))
	for i := range pending {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]models.ToolCall, 0, len(pending))
	for _, i := range indexes {
		call := pending[i]
		if call.ID == "" || call.Name == "" {
			continue
		}
		if len(call.Arguments) == 0 {
			call.Arguments = json.RawMessage(`{}`)
		}
		if !json.Valid(call.Arguments) {
			return nil, &Error{
				Kind:     KindProtocol,
				Provider: "openai",
				Model:    model,
				Message:  fmt.Sprintf("tool call %s: unparseable arguments", call.Name),
			}
		}
		calls = append(calls, *call)
	}
	return calls, nil
}

func openaiMessages(req *Request) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			result = append(result, m)
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}
	return result
}

func openaiTools(tools []models.ToolSchema) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		}
	}
	return result
}

func openaiStopReason(reason string, hasToolCalls bool) models.StopReason {
	switch reason {
	case "stop":
		return models.StopEndTurn
	case "length":
		return models.StopMaxTokens
	case "tool_calls", "function_call":
		return models.StopToolUse
	case "content_filter":
		return models.StopFiltered
	default:
		if hasToolCalls {
			return models.StopToolUse
		}
		return models.StopEndTurn
	}
}

func (p *OpenAI) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe := (&Error{Provider: "openai", Model: model, Cause: err, Kind: KindUnknown}).
			WithStatus(apiErr.HTTPStatusCode).
			WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			pe = pe.WithCode(code)
		}
		return pe
	}
	return NewError("openai", model, err)
}
