package models

import (
	"time"
)

// StreamEventType identifies the kind of stream event.
type StreamEventType string

const (
	// Turn lifecycle. Exactly one turn.done or turn.error closes a turn.
	EventTurnStart StreamEventType = "turn.start"
	EventTurnDone  StreamEventType = "turn.done"
	EventTurnError StreamEventType = "turn.error"

	// Model and tool progress within a turn.
	EventTextDelta  StreamEventType = "text.delta"
	EventToolCall   StreamEventType = "tool.call"
	EventToolResult StreamEventType = "tool.result"
)

// StreamEvent is the envelope published on a session's event stream.
// Exactly one payload pointer is non-nil for a given Type. Seq is
// monotonic per session so subscribers can detect gaps after drops.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	SessionID string          `json:"session_id"`
	Seq       uint64          `json:"seq"`
	Time      time.Time       `json:"time"`

	Delta  *TextDelta   `json:"delta,omitempty"`
	Call   *ToolCall    `json:"call,omitempty"`
	Result *ToolResult  `json:"result,omitempty"`
	Done   *TurnDone    `json:"done,omitempty"`
	Error  *StreamError `json:"error,omitempty"`
}

// TextDelta is an incremental chunk of assistant text.
type TextDelta struct {
	Content string `json:"content"`
}

// TurnUsage is the per-turn token tally reported on turn.done.
type TurnUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// TurnDone closes a turn with its aggregate usage.
type TurnDone struct {
	Usage TurnUsage `json:"usage"`
}

// StreamError reports a turn-fatal failure, or a dropped-events notice
// delivered to a lagging subscriber.
type StreamError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Dropped uint64 `json:"dropped,omitempty"`
}

// NewTurnStart marks the beginning of an agent turn.
func NewTurnStart(sessionID string) StreamEvent {
	return StreamEvent{Type: EventTurnStart, SessionID: sessionID, Time: time.Now()}
}

// NewTextDelta wraps an incremental text chunk.
func NewTextDelta(sessionID, content string) StreamEvent {
	return StreamEvent{Type: EventTextDelta, SessionID: sessionID, Time: time.Now(), Delta: &TextDelta{Content: content}}
}

// NewToolCall announces a tool invocation before it runs.
func NewToolCall(sessionID string, call ToolCall) StreamEvent {
	return StreamEvent{Type: EventToolCall, SessionID: sessionID, Time: time.Now(), Call: &call}
}

// NewToolResult reports the outcome of a tool invocation.
func NewToolResult(sessionID string, result ToolResult) StreamEvent {
	return StreamEvent{Type: EventToolResult, SessionID: sessionID, Time: time.Now(), Result: &result}
}

// NewTurnDone closes the turn with usage totals.
func NewTurnDone(sessionID string, usage TurnUsage) StreamEvent {
	return StreamEvent{Type: EventTurnDone, SessionID: sessionID, Time: time.Now(), Done: &TurnDone{Usage: usage}}
}

// NewTurnError closes the turn with a failure.
func NewTurnError(sessionID, message, code string) StreamEvent {
	return StreamEvent{Type: EventTurnError, SessionID: sessionID, Time: time.Now(), Error: &StreamError{Message: message, Code: code}}
}
