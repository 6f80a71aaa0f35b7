package models

import (
	"time"
)

// Role identifies the author of a transcript turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one entry in a session transcript. Assistant turns may carry
// tool calls alongside text; tool turns carry the matching results and
// nothing else. Seq is assigned by the store and is strictly increasing
// within a session.
type Turn struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	Seq         int64        `json:"seq"`
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// HasToolCalls reports whether the turn requests any tool invocations.
func (t *Turn) HasToolCalls() bool {
	return len(t.ToolCalls) > 0
}
