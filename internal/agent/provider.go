// Package agent implements the ReAct control core: the tool registry and
// executor, the bounded agent loop, and the provider abstraction the loop
// streams completions through.
package agent

import (
	"context"
	"encoding/json"

	"github.com/fabworks/rtlagent/pkg/models"
)

// Provider streams completions from one model family. Implementations are
// safe for concurrent use; every Complete call owns an independent stream.
type Provider interface {
	// Name is the stable lowercase identifier used in logs and metrics.
	Name() string

	// Models lists the models this provider can serve.
	Models() []ModelInfo

	// Complete starts a streaming completion. The returned channel is
	// closed when the stream ends; the final chunk carries Done and the
	// token usage when the backend reports it. Stream failures arrive as
	// a chunk with Err set, not as the returned error, which only covers
	// request construction.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *Chunk, error)
}

// ModelInfo describes one servable model.
type ModelInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContextWindow int    `json:"context_window"`
}

// CompletionRequest is one model call: the composed history, the visible
// tool schemas, and the generation bounds.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSchema
	MaxTokens int
}

// Message is one transcript entry in provider-neutral form. Assistant
// messages may carry tool calls; tool messages carry the paired results.
type Message struct {
	Role        models.Role
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// Chunk is one streamed unit from a provider. Exactly one of Text,
// ToolCall, Done, or Err is meaningful per chunk; token counts are
// populated on the Done chunk only, and zero when the backend does not
// report usage.
type Chunk struct {
	Text         string
	ToolCall     *models.ToolCall
	Done         bool
	Err          error
	InputTokens  int64
	OutputTokens int64
}

// ToolSchema is the canonical export shape for one tool: the same payload
// binds tools to the model and answers MCP list_tools.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    Category        `json:"category"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// MessagesFromTurns maps persisted transcript turns into provider-neutral
// messages, preserving order.
func MessagesFromTurns(turns []*models.Turn) []Message {
	msgs := make([]Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, Message{
			Role:        t.Role,
			Content:     t.Content,
			ToolCalls:   t.ToolCalls,
			ToolResults: t.ToolResults,
		})
	}
	return msgs
}
