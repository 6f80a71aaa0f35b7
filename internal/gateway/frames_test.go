package gateway

import (
	"strings"
	"testing"

	"github.com/fabworks/rtlagent/pkg/models"
)

func TestFrameForTruncatesToolResult(t *testing.T) {
	long := strings.Repeat("x", maxResultFrameChars+100)
	frame, ok := frameFor(models.NewToolResult("s1", models.OKResult("call_1", "read_file", long)))
	if !ok {
		t.Fatal("tool.result should produce a frame")
	}
	if len(frame.Content) != maxResultFrameChars {
		t.Fatalf("content length = %d", len(frame.Content))
	}
}

func TestFrameForStatusMapping(t *testing.T) {
	frame, _ := frameFor(models.NewToolResult("s1", models.ErrorResult("call_1", "linter_tool", "syntax error")))
	if frame.Status != "error" {
		t.Fatalf("status = %q", frame.Status)
	}
	frame, _ = frameFor(models.NewToolResult("s1", models.OKResult("call_1", "linter_tool", "Syntax OK.")))
	if frame.Status != "success" {
		t.Fatalf("status = %q", frame.Status)
	}
}

func TestFrameForTurnError(t *testing.T) {
	frame, ok := frameFor(models.NewTurnError("s1", "provider unavailable", "internal"))
	if !ok || frame.Type != "error" || frame.Error != "provider unavailable" {
		t.Fatalf("frame = %+v", frame)
	}
}

func TestFrameForEmptyArgs(t *testing.T) {
	frame, _ := frameFor(models.NewToolCall("s1", models.ToolCall{ID: "call_1", Name: "list_sessions"}))
	if string(frame.Tool.Args) != "{}" {
		t.Fatalf("args = %q", frame.Tool.Args)
	}
}

func TestFrameForDropsUnknownEvents(t *testing.T) {
	if _, ok := frameFor(models.StreamEvent{Type: "heartbeat"}); ok {
		t.Fatal("unknown event type should not produce a frame")
	}
}
