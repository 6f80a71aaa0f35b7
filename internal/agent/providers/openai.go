package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/fabworks/rtlagent/internal/agent"
	"github.com/fabworks/rtlagent/internal/backoff"
	"github.com/fabworks/rtlagent/pkg/models"
)

// OpenAI streams completions from OpenAI-compatible chat endpoints. Unlike
// Anthropic, the system prompt rides in the messages array and tool calls
// stream fragmented by index until finish_reason "tool_calls".
type OpenAI struct {
	client       *openai.Client
	maxRetries   int
	defaultModel string
}

// OpenAIConfig configures the adapter. BaseURL points it at any
// compatible endpoint.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	DefaultModel string
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		maxRetries:   cfg.MaxRetries,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Models() []agent.ModelInfo {
	return []agent.ModelInfo{
		{ID: "gpt-4o", Name: "GPT-4o", ContextWindow: 128000},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextWindow: 128000},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextWindow: 128000},
	}
}

func (p *OpenAI) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.Chunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    effectiveModel(req.Model, p.defaultModel),
		Messages: convertOpenAIMessages(req),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
		MaxTokens: effectiveMaxTokens(req.MaxTokens),
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	err := backoff.Retry(ctx, backoff.Default(), retryAttempts(p.maxRetries), retryableError, func() error {
		var createErr error
		stream, createErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		return createErr
	})
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	chunks := make(chan *agent.Chunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (p *OpenAI) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.Chunk) {
	defer close(chunks)
	defer stream.Close()

	// Tool calls stream fragmented; the index keys the assembly buffer.
	pending := make(map[int]*models.ToolCall)
	var inputTokens, outputTokens int64

	flush := func() bool {
		indexes := make([]int, 0, len(pending))
		for i := range pending {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			call := pending[i]
			if call.ID != "" && call.Name != "" {
				if !deliver(ctx, chunks, &agent.Chunk{ToolCall: call}) {
					return false
				}
			}
		}
		pending = make(map[int]*models.ToolCall)
		return true
	}

	for {
		if err := ctx.Err(); err != nil {
			deliver(ctx, chunks, &agent.Chunk{Err: err})
			return
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !flush() {
					return
				}
				deliver(ctx, chunks, &agent.Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
				return
			}
			deliver(ctx, chunks, &agent.Chunk{Err: fmt.Errorf("openai: %w", err)})
			return
		}

		if response.Usage != nil {
			inputTokens = int64(response.Usage.PromptTokens)
			outputTokens = int64(response.Usage.CompletionTokens)
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			if !deliver(ctx, chunks, &agent.Chunk{Text: choice.Delta.Content}) {
				return
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
				call.Args = append(call.Args, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flush() {
				return
			}
		}
	}
}

func convertOpenAIMessages(req *agent.CompletionRequest) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage

	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleTool:
			// One message per result, keyed by the originating call.
			for _, result := range msg.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    result.Content,
					ToolCallID: result.CallID,
				})
			}
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Args),
					},
				})
			}
			out = append(out, m)
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return out
}

func convertOpenAITools(tools []agent.ToolSchema) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  json.RawMessage(tool.InputSchema),
			},
		})
	}
	return out
}
