package agent

import (
	_ "embed"
	"fmt"
	"strings"
)

//go:embed system_prompt.md
var systemPrompt string

// SystemPrompt returns the built-in hardware-design workflow prompt.
func SystemPrompt() string {
	return strings.TrimSpace(systemPrompt)
}

// WorkflowPrompt renders the system prompt with the session bootstrap
// block the tool-protocol transport serves as its workflow resource.
func WorkflowPrompt(sessionID, workspace string) string {
	var b strings.Builder
	b.WriteString(SystemPrompt())
	b.WriteString("\n\n---\n\n")
	fmt.Fprintf(&b, "**CURRENT SESSION**: %s\n", sessionID)
	fmt.Fprintf(&b, "**WORKSPACE**: %s\n\n", workspace)
	b.WriteString(`All tools operate in this workspace. Files you create are stored here.

**SESSION MANAGEMENT**:
- Use ` + "`set_active_session`" + ` to switch between sessions
- Use ` + "`list_sessions`" + ` to see all available sessions
- Use ` + "`create_session`" + ` to start a new isolated workspace
- The current session persists across tool calls

**IMPORTANT REMINDERS**:
1. ALWAYS start with ` + "`write_spec`" + ` before writing any RTL
2. ALWAYS use ` + "`linter_tool`" + ` after writing Verilog files
3. ALWAYS use ` + "`waveform_tool`" + ` to debug simulation failures (never guess!)
4. Follow the standard workflow: Spec > RTL > Testbench > Lint > Simulate > Debug > Synthesize

Ready to design! What would you like to create?`)
	return b.String()
}
