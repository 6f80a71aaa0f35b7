package workspace

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fabworks/rtlagent/internal/core"
)

// DefaultMaxFileBytes caps a single written file.
const DefaultMaxFileBytes = 16 << 20

// WriteMode selects the create semantics of WriteFile.
type WriteMode string

const (
	// WriteReplace creates the file or replaces its content.
	WriteReplace WriteMode = "replace"
	// WriteExclusive creates the file and fails if it already exists.
	WriteExclusive WriteMode = "exclusive"
)

// ErrFileExists is returned by exclusive writes against an existing file.
var ErrFileExists = errors.New("file already exists")

// Entry describes one workspace file.
type Entry struct {
	Path    string    `json:"path"`
	Kind    FileKind  `json:"kind"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Store manages the per-session workspace directories under a single root.
type Store struct {
	root         string
	maxFileBytes int64
	logger       *slog.Logger

	// OnMutate, when set, is invoked after every successful mutation so
	// the session's last-updated timestamp can follow workspace activity.
	OnMutate func(sessionID string)
}

// NewStore creates the workspace root if needed.
func NewStore(root string, maxFileBytes int64, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "resolve workspace root", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, core.Wrap(core.KindInternal, "create workspace root", err)
	}
	if maxFileBytes <= 0 {
		maxFileBytes = DefaultMaxFileBytes
	}
	return &Store{
		root:         abs,
		maxFileBytes: maxFileBytes,
		logger:       logger.With("component", "workspace"),
	}, nil
}

// SessionDir returns the absolute workspace directory for a session.
func (s *Store) SessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// EnsureSession creates the session's workspace directory.
func (s *Store) EnsureSession(sessionID string) error {
	if err := os.MkdirAll(s.SessionDir(sessionID), 0o755); err != nil {
		return core.Wrap(core.KindInternal, "create session workspace", err)
	}
	return nil
}

// RemoveSession deletes the session's entire workspace subtree.
func (s *Store) RemoveSession(sessionID string) error {
	if err := os.RemoveAll(s.SessionDir(sessionID)); err != nil {
		return core.Wrap(core.KindInternal, "remove session workspace", err)
	}
	return nil
}

// Path resolves rel inside the session workspace, rejecting escapes.
func (s *Store) Path(sessionID, rel string) (SessionPath, error) {
	return resolvePath(s.SessionDir(sessionID), rel)
}

// WriteFile writes content at p, creating parent directories as needed.
func (s *Store) WriteFile(sessionID string, p SessionPath, content []byte, mode WriteMode) error {
	if int64(len(content)) > s.maxFileBytes {
		return core.Errorf(core.KindFileTooLarge, "%s is %d bytes; the cap is %d", p.Rel(), len(content), s.maxFileBytes)
	}
	if mode == WriteExclusive {
		if _, err := os.Stat(p.Abs()); err == nil {
			return core.Wrap(core.KindBadArgs, p.Rel(), ErrFileExists)
		}
	}
	if err := os.MkdirAll(filepath.Dir(p.Abs()), 0o755); err != nil {
		return core.Wrap(core.KindInternal, "create parent directory", err)
	}
	if err := os.WriteFile(p.Abs(), content, 0o644); err != nil {
		return core.Wrap(core.KindInternal, "write "+p.Rel(), err)
	}
	s.logger.Debug("wrote file", "session_id", sessionID, "path", p.Rel(), "bytes", len(content))
	s.mutated(sessionID)
	return nil
}

// ReadFile returns the content at p.
func (s *Store) ReadFile(sessionID string, p SessionPath) ([]byte, error) {
	data, err := os.ReadFile(p.Abs())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, core.Errorf(core.KindNotFound, "file not found: %s", p.Rel())
		}
		return nil, core.Wrap(core.KindInternal, "read "+p.Rel(), err)
	}
	return data, nil
}

// EditFile applies ordered substitutions to the file at p and returns a
// unified-diff style summary of what changed. An empty edit list is a
// no-op and produces an empty summary.
func (s *Store) EditFile(sessionID string, p SessionPath, edits []Edit) (string, error) {
	if len(edits) == 0 {
		return "", nil
	}
	data, err := s.ReadFile(sessionID, p)
	if err != nil {
		return "", err
	}
	updated, diff, err := applyEdits(string(data), edits)
	if err != nil {
		return "", err
	}
	if int64(len(updated)) > s.maxFileBytes {
		return "", core.Errorf(core.KindFileTooLarge, "%s would grow to %d bytes; the cap is %d", p.Rel(), len(updated), s.maxFileBytes)
	}
	if err := os.WriteFile(p.Abs(), []byte(updated), 0o644); err != nil {
		return "", core.Wrap(core.KindInternal, "write "+p.Rel(), err)
	}
	s.logger.Debug("edited file", "session_id", sessionID, "path", p.Rel(), "edits", len(edits))
	s.mutated(sessionID)
	return diff, nil
}

// DeleteFile removes the file at p. Missing files are reported as NotFound.
func (s *Store) DeleteFile(sessionID string, p SessionPath) error {
	if err := os.Remove(p.Abs()); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return core.Errorf(core.KindNotFound, "file not found: %s", p.Rel())
		}
		return core.Wrap(core.KindInternal, "delete "+p.Rel(), err)
	}
	s.mutated(sessionID)
	return nil
}

// List enumerates files under the session workspace (or a subtree of it),
// classified and sorted by path. Directories themselves are not listed.
func (s *Store) List(sessionID, subdir string) ([]Entry, error) {
	base := s.SessionDir(sessionID)
	start := base
	if strings.TrimSpace(subdir) != "" {
		p, err := resolvePath(base, subdir)
		if err != nil {
			return nil, err
		}
		start = p.Abs()
	}

	var entries []Entry
	err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			Path:    filepath.ToSlash(rel),
			Kind:    s.classifyFile(base, rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "list workspace", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// ListByKind filters List output to a single kind.
func (s *Store) ListByKind(sessionID string, kind FileKind) ([]Entry, error) {
	all, err := s.List(sessionID, "")
	if err != nil {
		return nil, err
	}
	filtered := all[:0]
	for _, e := range all {
		if e.Kind == kind {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

func (s *Store) classifyFile(base, rel string) FileKind {
	lower := strings.ToLower(rel)
	if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
		// Sniff only ambiguous YAML; everything else classifies by path.
		head, err := os.ReadFile(filepath.Join(base, rel))
		if err == nil {
			return Classify(rel, head)
		}
	}
	return Classify(rel, nil)
}

func (s *Store) mutated(sessionID string) {
	if s.OnMutate != nil {
		s.OnMutate(sessionID)
	}
}
