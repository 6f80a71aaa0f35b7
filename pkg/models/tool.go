package models

import (
	"encoding/json"
	"time"
)

// ToolStatus distinguishes successful tool output from a failure that is
// reported back to the model as a result rather than raised as an error.
type ToolStatus string

const (
	ToolStatusOK    ToolStatus = "ok"
	ToolStatusError ToolStatus = "error"
)

// ToolCall is a model-requested tool invocation. ID pairs the call with
// its result; Args is the raw JSON argument object as emitted.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResult is the outcome of a single tool call, keyed by the call ID.
// Content is the text payload handed back to the model.
type ToolResult struct {
	CallID  string        `json:"call_id"`
	Name    string        `json:"name,omitempty"`
	Status  ToolStatus    `json:"status"`
	Content string        `json:"content"`
	Elapsed time.Duration `json:"elapsed,omitempty"`
	Bytes   int           `json:"bytes,omitempty"`
}

// IsError reports whether the result carries a failure payload.
func (r ToolResult) IsError() bool {
	return r.Status == ToolStatusError
}

// OKResult builds a successful result for callID.
func OKResult(callID, name, content string) ToolResult {
	return ToolResult{
		CallID:  callID,
		Name:    name,
		Status:  ToolStatusOK,
		Content: content,
		Bytes:   len(content),
	}
}

// ErrorResult builds a failure result for callID. The message becomes the
// content handed back to the model.
func ErrorResult(callID, name, message string) ToolResult {
	return ToolResult{
		CallID:  callID,
		Name:    name,
		Status:  ToolStatusError,
		Content: message,
		Bytes:   len(message),
	}
}
