// Package models provides domain types for the rtlagent core: sessions,
// transcript turns, tool calls and results, and the streaming event
// envelope shared by every transport.
package models

import (
	"time"
)

// TransportTag identifies a client surface that can hold an active session.
// Each transport tracks its own current session independently.
type TransportTag string

const (
	TransportWebSocket TransportTag = "websocket"
	TransportREST      TransportTag = "rest"
	TransportMCP       TransportTag = "mcp"
	TransportCLI       TransportTag = "cli"
)

// Usage accumulates token and cost totals for a session.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CachedTokens int64   `json:"cached_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	CostUSD      float64 `json:"total_cost"`
}

// Add accumulates delta into u and refreshes the derived total.
func (u *Usage) Add(delta Usage) {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	u.CachedTokens += delta.CachedTokens
	u.TotalTokens = u.InputTokens + u.OutputTokens + u.CachedTokens
	u.CostUSD += delta.CostUSD
}

// Session is one design conversation: a transcript, a workspace directory,
// and running usage totals. The model name is fixed at creation.
type Session struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Title     string    `json:"title,omitempty"`
	Usage     Usage     `json:"usage"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
