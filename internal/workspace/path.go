// Package workspace manages per-session working directories: confined
// paths, size-capped writes, ordered edits with diff summaries, and a
// classifier that maps files to their design-flow roles.
package workspace

import (
	"path/filepath"
	"strings"

	"github.com/fabworks/rtlagent/internal/core"
)

// SessionPath is a validated location inside one session's workspace.
// Construction via Store.Path is the only way to obtain one, so any
// SessionPath a handler holds has already passed the escape check.
type SessionPath struct {
	root string
	rel  string
}

// Abs returns the absolute filesystem path.
func (p SessionPath) Abs() string {
	return filepath.Join(p.root, p.rel)
}

// Rel returns the workspace-relative path with forward slashes.
func (p SessionPath) Rel() string {
	return filepath.ToSlash(p.rel)
}

func (p SessionPath) String() string {
	return p.Rel()
}

// IsZero reports whether the path was never resolved through a Store.
func (p SessionPath) IsZero() bool {
	return p.root == ""
}

// resolvePath cleans rel against root and rejects anything that resolves
// outside it.
func resolvePath(root, rel string) (SessionPath, error) {
	clean := strings.TrimSpace(rel)
	if clean == "" {
		return SessionPath{}, core.E(core.KindBadArgs, "path is required")
	}
	if filepath.IsAbs(clean) {
		return SessionPath{}, core.Errorf(core.KindPathEscape, "absolute paths are not allowed: %s", clean)
	}
	target := filepath.Join(root, filepath.FromSlash(clean))
	relBack, err := filepath.Rel(root, target)
	if err != nil {
		return SessionPath{}, core.Wrap(core.KindPathEscape, "resolve path", err)
	}
	if relBack == ".." || strings.HasPrefix(relBack, ".."+string(filepath.Separator)) {
		return SessionPath{}, core.Errorf(core.KindPathEscape, "path escapes the session workspace: %s", rel)
	}
	if relBack == "." {
		return SessionPath{}, core.E(core.KindBadArgs, "path must name a file, not the workspace root")
	}
	return SessionPath{root: root, rel: relBack}, nil
}
