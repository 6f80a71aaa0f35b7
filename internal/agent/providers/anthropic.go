package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/fabworks/rtlagent/internal/agent"
	"github.com/fabworks/rtlagent/internal/backoff"
	"github.com/fabworks/rtlagent/pkg/models"
)

// Anthropic streams completions from Claude models. Stream creation is
// retried with exponential backoff; mid-stream failures surface as an Err
// chunk and are the loop's problem.
type Anthropic struct {
	client       anthropic.Client
	maxRetries   int
	defaultModel string
}

// AnthropicConfig configures the Claude adapter.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	DefaultModel string
}

func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		maxRetries:   cfg.MaxRetries,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) Models() []agent.ModelInfo {
	return []agent.ModelInfo{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextWindow: 200000},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextWindow: 200000},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextWindow: 200000},
		{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku", ContextWindow: 200000},
	}
}

func (p *Anthropic) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.Chunk, error) {
	chunks := make(chan *agent.Chunk)

	go func() {
		defer close(chunks)

		model := effectiveModel(req.Model, p.defaultModel)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		err := backoff.Retry(ctx, backoff.Default(), retryAttempts(p.maxRetries), retryableError, func() error {
			var createErr error
			stream, createErr = p.createStream(ctx, req, model)
			return createErr
		})
		if err != nil {
			deliver(ctx, chunks, &agent.Chunk{Err: fmt.Errorf("anthropic: %w", err)})
			return
		}

		p.processStream(ctx, stream, chunks)
	}()

	return chunks, nil
}

func (p *Anthropic) createStream(ctx context.Context, req *agent.CompletionRequest, model string) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(effectiveMaxTokens(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// processStream translates the SSE event sequence into chunks. Tool input
// JSON arrives fragmented across input_json_delta events and is assembled
// before the call chunk is emitted.
func (p *Anthropic) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.Chunk) {
	defer stream.Close()

	var currentCall *models.ToolCall
	var currentInput strings.Builder
	var inputTokens, outputTokens int64
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = start.Message.Usage.InputTokens
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				currentCall = &models.ToolCall{ID: use.ID, Name: use.Name}
				currentInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !deliver(ctx, chunks, &agent.Chunk{Text: delta.Text}) {
						return
					}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentCall != nil {
				currentCall.Args = json.RawMessage(currentInput.String())
				if !deliver(ctx, chunks, &agent.Chunk{ToolCall: currentCall}) {
					return
				}
				currentCall = nil
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = delta.Usage.OutputTokens
			}
			processed = true

		case "message_stop":
			deliver(ctx, chunks, &agent.Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
			return

		case "error":
			deliver(ctx, chunks, &agent.Chunk{Err: errors.New("anthropic: stream error")})
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				deliver(ctx, chunks, &agent.Chunk{Err: fmt.Errorf(
					"anthropic: malformed stream: %d consecutive empty events", emptyEvents)})
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		deliver(ctx, chunks, &agent.Chunk{Err: fmt.Errorf("anthropic: %w", err)})
	}
}

// convertAnthropicMessages maps transcript messages to Anthropic content
// blocks. Tool turns become user messages carrying tool_result blocks.
func convertAnthropicMessages(messages []agent.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, result := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				result.CallID, result.Content, result.IsError()))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(call.Args, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call args for %s: %w", call.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func convertAnthropicTools(tools []agent.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		out = append(out, param)
	}
	return out, nil
}
