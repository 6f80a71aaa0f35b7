package gateway

import (
	"encoding/json"

	"github.com/fabworks/rtlagent/pkg/models"
)

// maxResultFrameChars caps tool result content in outbound frames. The
// full payload stays in the transcript; the frame is for display.
const maxResultFrameChars = 5000

type inboundFrame struct {
	Message string `json:"message"`
}

// outboundFrame is the wire shape of one chat stream frame. Type selects
// which of the optional fields are populated.
type outboundFrame struct {
	Type       string         `json:"type"`
	Content    string         `json:"content,omitempty"`
	Tool       *toolCallFrame `json:"tool,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Status     string         `json:"status,omitempty"`
	Tokens     *tokenTally    `json:"tokens,omitempty"`
	Error      string         `json:"error,omitempty"`
}

type toolCallFrame struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type tokenTally struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

func errorFrame(message string) outboundFrame {
	return outboundFrame{Type: "error", Error: message}
}

// frameFor translates a session stream event into its chat frame. The
// second return is false for events with no wire representation.
func frameFor(e models.StreamEvent) (outboundFrame, bool) {
	switch e.Type {
	case models.EventTurnStart:
		return outboundFrame{Type: "start"}, true
	case models.EventTextDelta:
		if e.Delta == nil {
			return outboundFrame{}, false
		}
		return outboundFrame{Type: "text", Content: e.Delta.Content}, true
	case models.EventToolCall:
		if e.Call == nil {
			return outboundFrame{}, false
		}
		args := e.Call.Args
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		return outboundFrame{Type: "tool_call", Tool: &toolCallFrame{
			ID:   e.Call.ID,
			Name: e.Call.Name,
			Args: args,
		}}, true
	case models.EventToolResult:
		if e.Result == nil {
			return outboundFrame{}, false
		}
		return outboundFrame{
			Type:       "tool_result",
			ToolCallID: e.Result.CallID,
			Status:     resultStatus(e.Result.Status),
			Content:    truncateResult(e.Result.Content),
		}, true
	case models.EventTurnDone:
		frame := outboundFrame{Type: "done", Tokens: &tokenTally{}}
		if e.Done != nil {
			frame.Tokens.Input = e.Done.Usage.InputTokens
			frame.Tokens.Output = e.Done.Usage.OutputTokens
		}
		return frame, true
	case models.EventTurnError:
		message := "turn failed"
		if e.Error != nil && e.Error.Message != "" {
			message = e.Error.Message
		}
		return errorFrame(message), true
	}
	return outboundFrame{}, false
}

func resultStatus(s models.ToolStatus) string {
	if s == models.ToolStatusError {
		return "error"
	}
	return "success"
}

func truncateResult(content string) string {
	if len(content) > maxResultFrameChars {
		return content[:maxResultFrameChars]
	}
	return content
}
