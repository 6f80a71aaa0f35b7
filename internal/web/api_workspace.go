package web

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/fabworks/rtlagent/internal/workspace"
	"github.com/fabworks/rtlagent/pkg/models"
)

// FileInfo describes one workspace file for the file browser.
type FileInfo struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Type     string `json:"type"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
}

// CodeFile is one HDL source file with its highlighting language.
type CodeFile struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Language string `json:"language"`
}

func (h *Handler) handleWorkspace(w http.ResponseWriter, r *http.Request) {
	sessionID, rest := splitSessionPath(r.URL.Path, "/api/workspace/")
	if sessionID == "" {
		h.jsonError(w, "session id required", http.StatusBadRequest)
		return
	}
	if _, err := h.cfg.Sessions.Get(r.Context(), sessionID); err != nil {
		h.error(w, err)
		return
	}

	switch {
	case rest == "files":
		h.workspaceFiles(w, sessionID)
	case rest == "spec":
		h.workspaceSpec(w, sessionID)
	case rest == "code":
		h.workspaceCode(w, sessionID)
	case strings.HasPrefix(rest, "code/"):
		h.workspaceCodeFile(w, sessionID, strings.TrimPrefix(rest, "code/"))
	case rest == "waveforms":
		h.workspaceListKind(w, sessionID, workspace.KindWaveform)
	case strings.HasPrefix(rest, "waveform/"):
		h.workspaceWaveform(w, sessionID, strings.TrimPrefix(rest, "waveform/"))
	case rest == "report":
		h.workspaceReport(w, sessionID)
	case rest == "report/generate":
		if r.Method != http.MethodPost {
			h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.workspaceGenerateReport(w, r, sessionID)
	case rest == "layouts":
		h.workspaceListKind(w, sessionID, workspace.KindLayout)
	case rest == "schematics":
		h.workspaceListKind(w, sessionID, workspace.KindSchematic)
	case strings.HasPrefix(rest, "file/"):
		h.workspaceRawFile(w, sessionID, strings.TrimPrefix(rest, "file/"))
	default:
		h.jsonError(w, "not found", http.StatusNotFound)
	}
}

func (h *Handler) workspaceFiles(w http.ResponseWriter, sessionID string) {
	entries, err := h.cfg.Workspace.List(sessionID, "")
	if err != nil {
		h.error(w, err)
		return
	}
	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		files = append(files, FileInfo{
			Name:     e.Path,
			Path:     e.Path,
			Type:     string(e.Kind),
			Size:     e.Size,
			Modified: e.ModTime.Format("2006-01-02T15:04:05"),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Modified > files[j].Modified })
	h.json(w, http.StatusOK, files)
}

func (h *Handler) workspaceSpec(w http.ResponseWriter, sessionID string) {
	entries, err := h.cfg.Workspace.ListByKind(sessionID, workspace.KindSpec)
	if err != nil {
		h.error(w, err)
		return
	}
	latest := latestEntry(entries)
	if latest == nil {
		h.jsonError(w, "No spec files found", http.StatusNotFound)
		return
	}
	content, err := h.readRel(sessionID, latest.Path)
	if err != nil {
		h.error(w, err)
		return
	}
	var parsed any
	if err := yaml.Unmarshal([]byte(content), &parsed); err != nil {
		parsed = nil
	}
	h.json(w, http.StatusOK, map[string]any{
		"filename": latest.Path,
		"content":  content,
		"parsed":   parsed,
	})
}

func (h *Handler) workspaceCode(w http.ResponseWriter, sessionID string) {
	entries, err := h.cfg.Workspace.List(sessionID, "")
	if err != nil {
		h.error(w, err)
		return
	}
	files := make([]CodeFile, 0)
	for _, e := range entries {
		if !isHDLFile(e.Path) || strings.Contains(e.Path, "/") {
			continue
		}
		content, err := h.readRel(sessionID, e.Path)
		if err != nil {
			continue
		}
		files = append(files, CodeFile{
			Filename: e.Path,
			Content:  content,
			Language: hdlLanguage(e.Path),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Filename < files[j].Filename })
	h.json(w, http.StatusOK, files)
}

func (h *Handler) workspaceCodeFile(w http.ResponseWriter, sessionID, filename string) {
	content, err := h.readRel(sessionID, filename)
	if err != nil {
		h.error(w, err)
		return
	}
	h.json(w, http.StatusOK, CodeFile{
		Filename: filename,
		Content:  content,
		Language: hdlLanguage(filename),
	})
}

func (h *Handler) workspaceListKind(w http.ResponseWriter, sessionID string, kind workspace.FileKind) {
	entries, err := h.cfg.Workspace.ListByKind(sessionID, kind)
	if err != nil {
		h.error(w, err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Path)
	}
	h.json(w, http.StatusOK, names)
}

func (h *Handler) workspaceReport(w http.ResponseWriter, sessionID string) {
	entries, err := h.cfg.Workspace.ListByKind(sessionID, workspace.KindReport)
	if err != nil {
		h.error(w, err)
		return
	}
	latest := latestEntry(entries)
	if latest == nil {
		h.jsonError(w, "No report found", http.StatusNotFound)
		return
	}
	content, err := h.readRel(sessionID, latest.Path)
	if err != nil {
		h.error(w, err)
		return
	}
	h.json(w, http.StatusOK, map[string]string{
		"filename": latest.Path,
		"content":  content,
	})
}

// workspaceGenerateReport runs the report tool through the executor so
// the REST surface and the agent produce identical reports.
func (h *Handler) workspaceGenerateReport(w http.ResponseWriter, r *http.Request, sessionID string) {
	if h.cfg.Executor == nil {
		h.jsonError(w, "report generation not enabled", http.StatusNotFound)
		return
	}
	result := h.cfg.Executor.Execute(r.Context(), models.TransportREST, sessionID, models.ToolCall{
		ID:   uuid.NewString(),
		Name: "generate_report_tool",
		Args: json.RawMessage(`{}`),
	})
	if result.IsError() {
		h.jsonError(w, result.Content, http.StatusInternalServerError)
		return
	}
	h.workspaceReport(w, sessionID)
}

func (h *Handler) workspaceRawFile(w http.ResponseWriter, sessionID, filename string) {
	content, err := h.readRel(sessionID, filename)
	if err != nil {
		h.error(w, err)
		return
	}
	h.json(w, http.StatusOK, map[string]string{
		"filename": filename,
		"content":  content,
	})
}

func (h *Handler) readRel(sessionID, rel string) (string, error) {
	p, err := h.cfg.Workspace.Path(sessionID, rel)
	if err != nil {
		return "", err
	}
	data, err := h.cfg.Workspace.ReadFile(sessionID, p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func latestEntry(entries []workspace.Entry) *workspace.Entry {
	var latest *workspace.Entry
	for i := range entries {
		if latest == nil || entries[i].ModTime.After(latest.ModTime) {
			latest = &entries[i]
		}
	}
	return latest
}

func isHDLFile(name string) bool {
	return strings.HasSuffix(name, ".v") || strings.HasSuffix(name, ".sv")
}

func hdlLanguage(name string) string {
	if strings.HasSuffix(name, ".sv") {
		return "systemverilog"
	}
	return "verilog"
}
