package web

import (
	"encoding/json"
	"net/http"

	"github.com/fabworks/rtlagent/pkg/models"
)

// SessionResponse is the wire shape of one session.
type SessionResponse struct {
	ID          string  `json:"id"`
	Model       string  `json:"model_name"`
	Title       string  `json:"title,omitempty"`
	CreatedAt   string  `json:"created_at"`
	TotalTokens int64   `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost"`
}

type sessionCreateRequest struct {
	Name  string `json:"name"`
	Model string `json:"model"`
}

func sessionResponse(s *models.Session) SessionResponse {
	return SessionResponse{
		ID:          s.ID,
		Model:       s.Model,
		Title:       s.Title,
		CreatedAt:   s.CreatedAt.Format("2006-01-02T15:04:05"),
		TotalTokens: s.Usage.TotalTokens,
		TotalCost:   s.Usage.CostUSD,
	}
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := h.cfg.Sessions.List(r.Context())
		if err != nil {
			h.error(w, err)
			return
		}
		out := make([]SessionResponse, 0, len(list))
		for _, s := range list {
			out = append(out, sessionResponse(s))
		}
		h.json(w, http.StatusOK, out)

	case http.MethodPost:
		var req sessionCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		sess, err := h.cfg.Sessions.Create(r.Context(), req.Name, req.Model, "")
		if err != nil {
			h.error(w, err)
			return
		}
		h.json(w, http.StatusOK, sessionResponse(sess))

	default:
		h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID, rest := splitSessionPath(r.URL.Path, "/api/sessions/")
	if sessionID == "" || rest != "" {
		h.jsonError(w, "session id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		sess, err := h.cfg.Sessions.Get(r.Context(), sessionID)
		if err != nil {
			h.error(w, err)
			return
		}
		h.json(w, http.StatusOK, sessionResponse(sess))

	case http.MethodDelete:
		if err := h.cfg.Sessions.Delete(r.Context(), sessionID); err != nil {
			h.error(w, err)
			return
		}
		h.json(w, http.StatusOK, map[string]string{
			"status":     "deleted",
			"session_id": sessionID,
		})

	default:
		h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HistoryEntry is one rendered transcript message. Tool results attach
// to the assistant message that requested them.
type HistoryEntry struct {
	Role        string              `json:"role"`
	Content     string              `json:"content"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []HistoryToolResult `json:"tool_results,omitempty"`
}

type HistoryToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Status     string `json:"status"`
	Content    string `json:"content"`
}

const maxHistoryResultChars = 5000

// handleChat routes /api/chat/{id}/history here and hands everything
// else (the WebSocket upgrade) to the chat gateway.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	sessionID, rest := splitSessionPath(r.URL.Path, "/api/chat/")
	if rest == "history" {
		h.handleHistory(w, r, sessionID)
		return
	}
	if h.cfg.Chat == nil {
		h.jsonError(w, "chat transport not enabled", http.StatusNotFound)
		return
	}
	h.cfg.Chat.ServeHTTP(w, r)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.cfg.Sessions.Get(r.Context(), sessionID); err != nil {
		h.error(w, err)
		return
	}
	turns, err := h.cfg.Sessions.History(r.Context(), sessionID, 0)
	if err != nil {
		h.error(w, err)
		return
	}
	h.json(w, http.StatusOK, renderHistory(turns))
}

func renderHistory(turns []*models.Turn) []HistoryEntry {
	history := make([]HistoryEntry, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case models.RoleUser:
			history = append(history, HistoryEntry{Role: "user", Content: turn.Content})
		case models.RoleAssistant:
			history = append(history, HistoryEntry{
				Role:      "assistant",
				Content:   turn.Content,
				ToolCalls: turn.ToolCalls,
			})
		case models.RoleTool:
			if len(history) == 0 || history[len(history)-1].Role != "assistant" {
				continue
			}
			last := &history[len(history)-1]
			for _, res := range turn.ToolResults {
				content := res.Content
				if len(content) > maxHistoryResultChars {
					content = content[:maxHistoryResultChars]
				}
				status := "success"
				if res.IsError() {
					status = "error"
				}
				last.ToolResults = append(last.ToolResults, HistoryToolResult{
					ToolCallID: res.CallID,
					Status:     status,
					Content:    content,
				})
			}
		}
	}
	return history
}
