package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"google.golang.org/genai"

	"github.com/fabworks/rtlagent/internal/agent"
	"github.com/fabworks/rtlagent/internal/backoff"
	"github.com/fabworks/rtlagent/pkg/models"
)

// Google streams completions from Gemini models. Function calls arrive
// whole (not fragmented) but without ids, so the adapter mints them.
type Google struct {
	client       *genai.Client
	maxRetries   int
	defaultModel string
}

// GoogleConfig configures the Gemini adapter.
type GoogleConfig struct {
	APIKey       string
	MaxRetries   int
	DefaultModel string
}

func NewGoogle(cfg GoogleConfig) (*Google, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}

	return &Google{
		client:       client,
		maxRetries:   cfg.MaxRetries,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *Google) Name() string { return "google" }

func (p *Google) Models() []agent.ModelInfo {
	return []agent.ModelInfo{
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", ContextWindow: 1048576},
		{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", ContextWindow: 1048576},
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextWindow: 1048576},
	}
}

func (p *Google) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.Chunk, error) {
	chunks := make(chan *agent.Chunk)

	go func() {
		defer close(chunks)

		model := effectiveModel(req.Model, p.defaultModel)
		contents := convertGoogleMessages(req.Messages)
		config := buildGoogleConfig(req)

		var inputTokens, outputTokens int64
		err := backoff.Retry(ctx, backoff.Default(), retryAttempts(p.maxRetries), retryableError, func() error {
			inputTokens, outputTokens = 0, 0
			return p.processStream(ctx, model, contents, config, chunks, &inputTokens, &outputTokens)
		})
		if err != nil {
			if ctx.Err() != nil {
				deliver(ctx, chunks, &agent.Chunk{Err: ctx.Err()})
				return
			}
			deliver(ctx, chunks, &agent.Chunk{Err: fmt.Errorf("google: %w", err)})
			return
		}

		deliver(ctx, chunks, &agent.Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
	}()

	return chunks, nil
}

func (p *Google) processStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig, chunks chan<- *agent.Chunk, inputTokens, outputTokens *int64) error {
	for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err != nil {
			return err
		}
		if resp == nil {
			continue
		}

		if resp.UsageMetadata != nil {
			if resp.UsageMetadata.PromptTokenCount > 0 {
				*inputTokens = int64(resp.UsageMetadata.PromptTokenCount)
			}
			if resp.UsageMetadata.CandidatesTokenCount > 0 {
				*outputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
			}
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					if !deliver(ctx, chunks, &agent.Chunk{Text: part.Text}) {
						return ctx.Err()
					}
				}
				if part.FunctionCall != nil {
					args, err := json.Marshal(part.FunctionCall.Args)
					if err != nil {
						args = []byte("{}")
					}
					call := &models.ToolCall{
						ID:   generateToolCallID(part.FunctionCall.Name),
						Name: part.FunctionCall.Name,
						Args: args,
					}
					if !deliver(ctx, chunks, &agent.Chunk{ToolCall: call}) {
						return ctx.Err()
					}
				}
			}
		}
	}
	return nil
}

// convertGoogleMessages maps transcript messages to Gemini contents. Tool
// results ride as function responses on the user side; Gemini matches
// them by function name, not call id.
func convertGoogleMessages(messages []agent.Message) []*genai.Content {
	var out []*genai.Content
	for _, msg := range messages {
		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, call := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(call.Args, &args); err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: call.Name, Args: args},
			})
		}
		for _, result := range msg.ToolResults {
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name: result.Name,
					Response: map[string]any{
						"result":   result.Content,
						"is_error": result.IsError(),
					},
				},
			})
		}

		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	return out
}

func buildGoogleConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	maxTokens := effectiveMaxTokens(req.MaxTokens)
	if maxTokens > math.MaxInt32 {
		maxTokens = math.MaxInt32
	}
	config.MaxOutputTokens = int32(maxTokens)

	if len(req.Tools) > 0 {
		config.Tools = convertGoogleTools(req.Tools)
	}
	return config
}

func convertGoogleTools(tools []agent.ToolSchema) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  toGoogleSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGoogleSchema converts a JSON schema object into Gemini's schema type,
// keeping the subset Gemini understands.
func toGoogleSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGoogleSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGoogleSchema(items)
	}
	return schema
}
