package workspace

import (
	"fmt"
	"strings"

	"github.com/fabworks/rtlagent/internal/core"
)

// Edit is one substitution step. Exactly one form applies: a substring
// anchor (Find) that must occur exactly once, or a 1-based inclusive line
// range (StartLine/EndLine). Replace supplies the new text in both forms.
type Edit struct {
	Find      string `json:"find,omitempty"`
	Replace   string `json:"replace"`
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
}

const diffLineLimit = 120

// applyEdits applies edits in order and builds a unified-diff style
// summary. Substring anchors that are absent fail the whole edit; nothing
// is written in that case.
func applyEdits(content string, edits []Edit) (string, string, error) {
	var diff strings.Builder
	for i, edit := range edits {
		var (
			removed, added string
			err            error
		)
		switch {
		case edit.Find != "":
			content, removed, added, err = applyFindEdit(content, edit, i)
		case edit.StartLine > 0:
			content, removed, added, err = applyLineEdit(content, edit, i)
		default:
			err = core.Errorf(core.KindBadArgs, "edit %d: either find or start_line is required", i+1)
		}
		if err != nil {
			return "", "", err
		}
		writeHunk(&diff, i+1, removed, added)
	}
	return content, diff.String(), nil
}

func applyFindEdit(content string, edit Edit, idx int) (string, string, string, error) {
	count := strings.Count(content, edit.Find)
	switch count {
	case 0:
		return "", "", "", core.Errorf(core.KindConflictNotFound,
			"edit %d: target text not found; copy it exactly, including whitespace", idx+1)
	case 1:
		return strings.Replace(content, edit.Find, edit.Replace, 1), edit.Find, edit.Replace, nil
	default:
		return "", "", "", core.Errorf(core.KindBadArgs,
			"edit %d: target text occurs %d times; include more surrounding context to make it unique", idx+1, count)
	}
}

func applyLineEdit(content string, edit Edit, idx int) (string, string, string, error) {
	lines := strings.Split(content, "\n")
	start, end := edit.StartLine, edit.EndLine
	if end == 0 {
		end = start
	}
	if start < 1 || end < start || end > len(lines) {
		return "", "", "", core.Errorf(core.KindBadArgs,
			"edit %d: line range %d-%d is outside the file (%d lines)", idx+1, start, end, len(lines))
	}
	removed := strings.Join(lines[start-1:end], "\n")
	var rebuilt []string
	rebuilt = append(rebuilt, lines[:start-1]...)
	if edit.Replace != "" {
		rebuilt = append(rebuilt, strings.Split(edit.Replace, "\n")...)
	}
	rebuilt = append(rebuilt, lines[end:]...)
	return strings.Join(rebuilt, "\n"), removed, edit.Replace, nil
}

func writeHunk(diff *strings.Builder, n int, removed, added string) {
	fmt.Fprintf(diff, "@@ edit %d @@\n", n)
	for _, line := range strings.Split(removed, "\n") {
		fmt.Fprintf(diff, "-%s\n", clipLine(line))
	}
	if added == "" {
		return
	}
	for _, line := range strings.Split(added, "\n") {
		fmt.Fprintf(diff, "+%s\n", clipLine(line))
	}
}

func clipLine(line string) string {
	if len(line) <= diffLineLimit {
		return line
	}
	return line[:diffLineLimit] + "..."
}
