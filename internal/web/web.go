// Package web serves the REST API consumed by the frontend: session
// CRUD, chat history, workspace reads, synthesis job control, health,
// and Prometheus metrics.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fabworks/rtlagent/internal/agent"
	"github.com/fabworks/rtlagent/internal/core"
	"github.com/fabworks/rtlagent/internal/jobs"
	"github.com/fabworks/rtlagent/internal/observability"
	"github.com/fabworks/rtlagent/internal/sessions"
	"github.com/fabworks/rtlagent/internal/workspace"
)

// Config wires the API handler's collaborators.
type Config struct {
	Sessions  *sessions.Manager
	Workspace *workspace.Store
	Jobs      *jobs.Supervisor
	// Executor runs workspace-mutating operations (report generation)
	// through the same tool pipeline the agent uses.
	Executor *agent.Executor
	// Chat handles WebSocket upgrades on /api/chat/{session_id}.
	Chat http.Handler
	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string
	Metrics        *observability.Metrics
	Version        string
	Logger         *slog.Logger
}

// Handler is the REST API http.Handler.
type Handler struct {
	cfg     Config
	mux     *http.ServeMux
	started time.Time
}

// NewHandler builds the API handler and its routes.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	h := &Handler{
		cfg:     cfg,
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	h.setupRoutes()
	return h
}

func (h *Handler) setupRoutes() {
	h.mux.HandleFunc("/api/health", h.handleHealth)
	h.mux.HandleFunc("/api/sessions", h.handleSessions)
	h.mux.HandleFunc("/api/sessions/", h.handleSession)
	h.mux.HandleFunc("/api/chat/", h.handleChat)
	h.mux.HandleFunc("/api/workspace/", h.handleWorkspace)
	h.mux.HandleFunc("/api/synthesis/", h.handleSynthesis)
	if h.cfg.Metrics != nil {
		h.mux.Handle("/metrics", promhttp.HandlerFor(
			h.cfg.Metrics.Registry(), promhttp.HandlerOpts{}))
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	h.applyCORS(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	h.mux.ServeHTTP(rec, r)

	if h.cfg.Metrics != nil {
		h.cfg.Metrics.RecordHTTPRequest(r.Method, routeLabel(r.URL.Path),
			strconv.Itoa(rec.status), time.Since(start).Seconds())
	}
}

func (h *Handler) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := len(h.cfg.AllowedOrigins) == 0
	for _, o := range h.cfg.AllowedOrigins {
		if o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.written {
		r.status = status
		r.written = true
	}
	r.ResponseWriter.WriteHeader(status)
}

// routeLabel collapses session-scoped paths into low-cardinality metric
// labels.
func routeLabel(path string) string {
	for _, prefix := range []string{"/api/chat/", "/api/workspace/", "/api/synthesis/", "/api/sessions/"} {
		if rest, ok := strings.CutPrefix(path, prefix); ok {
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				return prefix + "{id}/" + rest[i+1:]
			}
			return prefix + "{id}"
		}
	}
	return path
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	list, err := h.cfg.Sessions.List(r.Context())
	if err != nil {
		h.error(w, err)
		return
	}
	h.json(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"version":  h.cfg.Version,
		"sessions": len(list),
		"uptime_s": int64(time.Since(h.started).Seconds()),
	})
}

func (h *Handler) json(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.cfg.Logger.Warn("response encode failed", "error", err)
	}
}

func (h *Handler) jsonError(w http.ResponseWriter, message string, status int) {
	h.json(w, status, map[string]string{"detail": message})
}

// error maps a classified error onto its HTTP status.
func (h *Handler) error(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch core.KindOf(err) {
	case core.KindSessionNotFound, core.KindNotFound:
		status = http.StatusNotFound
	case core.KindBadArgs:
		status = http.StatusBadRequest
	case core.KindSessionConflict, core.KindJobConflict:
		status = http.StatusConflict
	case core.KindPathEscape:
		status = http.StatusForbidden
	case core.KindFileTooLarge:
		status = http.StatusRequestEntityTooLarge
	}
	h.jsonError(w, err.Error(), status)
}

// splitSessionPath peels "{session_id}" and the remaining subpath off a
// prefixed route.
func splitSessionPath(path, prefix string) (sessionID, rest string) {
	trimmed := strings.TrimPrefix(path, prefix)
	sessionID, rest, _ = strings.Cut(trimmed, "/")
	return sessionID, rest
}
