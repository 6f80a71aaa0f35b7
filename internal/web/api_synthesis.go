package web

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/fabworks/rtlagent/internal/jobs"
)

type synthesisStartRequest struct {
	TopModule     string   `json:"top_module"`
	Files         []string `json:"files"`
	ClockPeriodNS float64  `json:"clock_period_ns"`
	SDC           string   `json:"sdc"`
	Utilization   int      `json:"utilization"`
	AspectRatio   float64  `json:"aspect_ratio"`
	CoreMargin    float64  `json:"core_margin"`
	Override      string   `json:"override"`
}

func (h *Handler) handleSynthesis(w http.ResponseWriter, r *http.Request) {
	sessionID, rest := splitSessionPath(r.URL.Path, "/api/synthesis/")
	if sessionID == "" {
		h.jsonError(w, "session id required", http.StatusBadRequest)
		return
	}
	if _, err := h.cfg.Sessions.Get(r.Context(), sessionID); err != nil {
		h.error(w, err)
		return
	}
	if h.cfg.Jobs == nil {
		h.jsonError(w, "synthesis not enabled", http.StatusNotFound)
		return
	}

	switch {
	case rest == "jobs" && r.Method == http.MethodGet:
		h.synthesisJobs(w, sessionID)
	case rest == "jobs" && r.Method == http.MethodPost:
		h.synthesisStart(w, r, sessionID)
	case strings.HasPrefix(rest, "jobs/") && strings.HasSuffix(rest, "/cancel") && r.Method == http.MethodPost:
		jobID := strings.TrimSuffix(strings.TrimPrefix(rest, "jobs/"), "/cancel")
		h.synthesisCancel(w, sessionID, jobID)
	case strings.HasPrefix(rest, "jobs/") && r.Method == http.MethodGet:
		h.synthesisStatus(w, sessionID, strings.TrimPrefix(rest, "jobs/"))
	case rest == "metrics" && r.Method == http.MethodGet:
		h.synthesisMetrics(w, sessionID, r.URL.Query().Get("run_id"))
	default:
		h.jsonError(w, "not found", http.StatusNotFound)
	}
}

func (h *Handler) synthesisJobs(w http.ResponseWriter, sessionID string) {
	all := h.cfg.Jobs.List()
	out := make([]*jobs.Job, 0)
	for _, job := range all {
		if job.SessionID == sessionID {
			out = append(out, job)
		}
	}
	h.json(w, http.StatusOK, out)
}

func (h *Handler) synthesisStart(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req synthesisStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	job, err := h.cfg.Jobs.Start(r.Context(), sessionID, jobs.StartParams{
		TopModule:     req.TopModule,
		VerilogFiles:  req.Files,
		ClockPeriodNS: req.ClockPeriodNS,
		SDC:           req.SDC,
		Utilization:   req.Utilization,
		AspectRatio:   req.AspectRatio,
		CoreMargin:    req.CoreMargin,
		Override:      req.Override,
	})
	if err != nil {
		h.error(w, err)
		return
	}
	h.json(w, http.StatusOK, job)
}

func (h *Handler) synthesisStatus(w http.ResponseWriter, sessionID, jobID string) {
	status, err := h.cfg.Jobs.Status(sessionID, jobID)
	if err != nil {
		h.error(w, err)
		return
	}
	h.json(w, http.StatusOK, status)
}

func (h *Handler) synthesisCancel(w http.ResponseWriter, sessionID, jobID string) {
	if err := h.cfg.Jobs.Cancel(sessionID, jobID); err != nil {
		h.error(w, err)
		return
	}
	h.json(w, http.StatusOK, map[string]string{
		"status": "cancelled",
		"job_id": jobID,
	})
}

func (h *Handler) synthesisMetrics(w http.ResponseWriter, sessionID, runID string) {
	report, err := h.cfg.Jobs.Metrics(sessionID, runID)
	if err != nil {
		h.error(w, err)
		return
	}
	h.json(w, http.StatusOK, report)
}
