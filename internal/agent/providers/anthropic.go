package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/loom/pkg/models"
)

// Anthropic adapts the Claude Messages API.
type Anthropic struct {
	client anthropic.Client
	cfg    Config
}

var _ Provider = (*Anthropic)(nil)

// NewAnthropic builds the adapter. APIKey is required.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &Anthropic{client: anthropic.NewClient(opts...), cfg: cfg}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) ContextWindow(model string) int {
	return p.cfg.contextWindowFor(p.cfg.modelOr(model))
}

func (p *Anthropic) MaxCompletionTokens(model string) int {
	return p.cfg.maxTokensFor(p.cfg.modelOr(model), 0)
}

// CreateResponse drains the streaming path so both paths assemble content
// identically.
func (p *Anthropic) CreateResponse(ctx context.Context, req *Request) (*Response, error) {
	chunks, err := p.CreateStreamingResponse(ctx, req)
	if err != nil {
		return nil, err
	}
	return Collect(chunks)
}

// CreateStreamingResponse starts a Messages stream and translates its SSE
// events into lifecycle chunks.
func (p *Anthropic) CreateStreamingResponse(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	model := p.cfg.modelOr(req.Model)
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, err
	}

	out := make(chan *Chunk)
	go func() {
		defer close(out)
		start := time.Now()
		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		var (
			content      strings.Builder
			thinking     strings.Builder
			toolCalls    []models.ToolCall
			currentCall  *models.ToolCall
			currentInput strings.Builder
			stopReason   string
			inputTokens  int
			outputTokens int
		)
		throttle := newUsageThrottle(0)
		estPrompt := EstimateRequestTokens(req)

		// Sends must not outlive the consumer: a cancelled turn abandons
		// the channel, so every send races ctx.Done.
		emit := func(c *Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				ms := event.AsMessageStart()
				if ms.Message.Usage.InputTokens > 0 {
					inputTokens = int(ms.Message.Usage.InputTokens)
				}

			case "content_block_start":
				cbs := event.AsContentBlockStart()
				if cbs.ContentBlock.Type == "tool_use" {
					tu := cbs.ContentBlock.AsToolUse()
					currentCall = &models.ToolCall{ID: tu.ID, Name: tu.Name}
					currentInput.Reset()
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						content.WriteString(delta.Text)
						if !emit(&Chunk{Text: delta.Text}) {
							return
						}
						prompt := inputTokens
						if prompt == 0 {
							prompt = estPrompt
						}
						if u := throttle.maybe(prompt, EstimateTextTokens(model, content.String())); u != nil {
							if !emit(u) {
								return
							}
						}
					}
				case "thinking_delta":
					if delta.Thinking != "" {
						thinking.WriteString(delta.Thinking)
						if !emit(&Chunk{Thinking: delta.Thinking}) {
							return
						}
					}
				case "input_json_delta":
					currentInput.WriteString(delta.PartialJSON)
				}

			case "content_block_stop":
				if currentCall != nil {
					raw := currentInput.String()
					if raw == "" {
						raw = "{}"
					}
					if !json.Valid([]byte(raw)) {
						emit(&Chunk{Err: &Error{
							Kind:     KindProtocol,
							Provider: "anthropic",
							Model:    model,
							Message:  fmt.Sprintf("tool call %s: unparseable arguments", currentCall.Name),
						}})
						return
					}
					currentCall.Arguments = json.RawMessage(raw)
					toolCalls = append(toolCalls, *currentCall)
					if !emit(&Chunk{ToolCall: currentCall}) {
						return
					}
					currentCall = nil
				}

			case "message_delta":
				md := event.AsMessageDelta()
				if md.Usage.OutputTokens > 0 {
					outputTokens = int(md.Usage.OutputTokens)
				}
				if md.Delta.StopReason != "" {
					stopReason = string(md.Delta.StopReason)
				}

			case "message_stop":
				usage := models.TokenUsage{
					PromptTokens:     inputTokens,
					CompletionTokens: outputTokens,
				}
				if usage.PromptTokens == 0 {
					usage.PromptTokens = estPrompt
					usage.Estimated = true
				}
				if usage.CompletionTokens == 0 {
					usage.CompletionTokens = EstimateTextTokens(model, content.String())
					usage.Estimated = true
				}
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
				emit(&Chunk{Response: &Response{
					Content:    content.String(),
					Thinking:   thinking.String(),
					ToolCalls:  toolCalls,
					StopReason: anthropicStopReason(stopReason, len(toolCalls) > 0),
					Usage:      usage,
					Duration:   time.Since(start),
				}})
				return

			case "error":
				emit(&Chunk{Err: p.wrapError(errors.New("anthropic stream error"), model)})
				return
			}
		}

		if err := stream.Err(); err != nil {
			emit(&Chunk{Err: p.wrapError(err, model)})
		}
	}()
	return out, nil
}

func (p *Anthropic) buildParams(req *Request, model string) (anthropic.MessageNewParams, error) {
	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(p.cfg.maxTokensFor(model, req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// anthropicMessages reshapes the transcript: system messages ride in
// params.System, tool results become user-role tool_result blocks.
func anthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		}

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid tool call input for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func anthropicTools(tools []models.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func anthropicStopReason(reason string, hasToolCalls bool) models.StopReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return models.StopEndTurn
	case "max_tokens":
		return models.StopMaxTokens
	case "tool_use":
		return models.StopToolUse
	case "refusal":
		return models.StopFiltered
	default:
		if hasToolCalls {
			return models.StopToolUse
		}
		return models.StopEndTurn
	}
}

func (p *Anthropic) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe := (&Error{Provider: "anthropic", Model: model, Cause: err, Kind: KindUnknown}).
			WithStatus(apiErr.StatusCode).
			WithRequestID(apiErr.RequestID)
		if raw := apiErr.RawJSON(); raw != "" {
			var payload struct {
				Error struct {
					Type    string `json:"type"`
					Message string `json:"message"`
				} `json:"error"`
			}
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					pe = pe.WithMessage(payload.Error.Message)
				}
				if payload.Error.Type != "" {
					pe = pe.WithCode(payload.Error.Type)
				}
			}
		}
		if pe.Message == "" {
			pe.Message = "anthropic request failed"
		}
		if apiErr.Response != nil {
			if ra := apiErr.Response.Header.Get("Retry-After"); ra != "" {
				if d, perr := time.ParseDuration(ra + "s"); perr == nil {
					pe = pe.WithRetryAfter(d)
				}
			}
		}
		return pe
	}
	return NewError("anthropic", model, err)
}
