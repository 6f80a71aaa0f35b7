package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fabworks/rtlagent/internal/agent"
	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/internal/workspace"
)

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"description=Workspace-relative path (e.g. counter.v)"`
	Content string `json:"content" jsonschema:"description=Full file content"`
}

type readFileArgs struct {
	Path string `json:"path" jsonschema:"description=Workspace-relative path to read"`
}

type editFileArgs struct {
	Path  string           `json:"path" jsonschema:"description=Workspace-relative path to edit"`
	Edits []workspace.Edit `json:"edits" jsonschema:"description=Ordered substitutions; each uses a unique find anchor or a 1-based line range"`
}

type listFilesArgs struct {
	Subdir string `json:"subdir,omitempty" jsonschema:"description=Optional subdirectory to list instead of the whole workspace"`
}

func (c *catalog) fileDefinitions() []agent.Definition {
	return []agent.Definition{
		{
			Name:        "write_file",
			Category:    agent.CategoryEssential,
			Description: "Create or overwrite a file in the session workspace.",
			Args:        &writeFileArgs{},
			Handler:     c.writeFile,
		},
		{
			Name:        "read_file",
			Category:    agent.CategoryEssential,
			Description: "Return the content of a workspace file.",
			Args:        &readFileArgs{},
			Handler:     c.readFile,
		},
		{
			Name:        "edit_file_tool",
			Category:    agent.CategoryEditing,
			Description: "Apply ordered text substitutions to a workspace file. Use for small fixes instead of rewriting the whole file.",
			Args:        &editFileArgs{},
			Handler:     c.editFile,
		},
		{
			Name:        "list_files_tool",
			Category:    agent.CategoryEssential,
			Description: "Enumerate workspace files with their design-flow classification, size, and modification time.",
			Args:        &listFilesArgs{},
			Handler:     c.listFiles,
		},
	}
}

func (c *catalog) writeFile(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
	var args writeFileArgs
	if err := decode(raw, &args); err != nil {
		return "", core.Wrap(core.KindBadArgs, "decode arguments", err)
	}
	p, err := c.ws.Path(sessionID, args.Path)
	if err != nil {
		return "", err
	}
	if err := c.ws.WriteFile(sessionID, p, []byte(args.Content), workspace.WriteReplace); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), p.Rel()), nil
}

func (c *catalog) readFile(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
	var args readFileArgs
	if err := decode(raw, &args); err != nil {
		return "", core.Wrap(core.KindBadArgs, "decode arguments", err)
	}
	p, err := c.ws.Path(sessionID, args.Path)
	if err != nil {
		return "", err
	}
	data, err := c.ws.ReadFile(sessionID, p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *catalog) editFile(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
	var args editFileArgs
	if err := decode(raw, &args); err != nil {
		return "", core.Wrap(core.KindBadArgs, "decode arguments", err)
	}
	p, err := c.ws.Path(sessionID, args.Path)
	if err != nil {
		return "", err
	}
	diff, err := c.ws.EditFile(sessionID, p, args.Edits)
	if err != nil {
		return "", err
	}
	if diff == "" {
		return "no edits applied", nil
	}
	return fmt.Sprintf("applied %d edit(s) to %s\n%s", len(args.Edits), p.Rel(), diff), nil
}

func (c *catalog) listFiles(ctx context.Context, sessionID string, raw json.RawMessage) (string, error) {
	var args listFilesArgs
	if err := decode(raw, &args); err != nil {
		return "", core.Wrap(core.KindBadArgs, "decode arguments", err)
	}
	entries, err := c.ws.List(sessionID, args.Subdir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "the workspace is empty", nil
	}
	return renderJSON(entries)
}
