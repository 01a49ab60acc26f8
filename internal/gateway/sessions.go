package gateway

import (
	"net/http"
	"strings"

	"github.com/MEKXH/mcpstation/internal/approval"
	"github.com/MEKXH/mcpstation/internal/metrics"
	"github.com/MEKXH/mcpstation/internal/session"
)

type titleRequest struct {
	Title string `json:"title"`
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.deps.Sessions.ListSessions(r.Context())
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req titleRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_request", "invalid json request")
			return
		}
	}
	sess, err := h.deps.Sessions.CreateSession(r.Context(), req.Title)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Sessions.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

func (h *handler) renameSession(w http.ResponseWriter, r *http.Request) {
	var req titleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid json request")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "title is required")
		return
	}
	id := r.PathValue("id")
	if err := h.deps.Sessions.RenameSession(r.Context(), id, title); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	sess, err := h.deps.Sessions.GetSession(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *handler) listMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	turns, err := h.deps.Sessions.ListMessages(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if turns == nil {
		turns = []session.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"messages":   turns,
	})
}

type saveMessageRequest struct {
	SessionID string       `json:"session_id"`
	Message   session.Turn `json:"message"`
}

func (h *handler) saveMessage(w http.ResponseWriter, r *http.Request) {
	var req saveMessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid json request")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "session_id is required")
		return
	}
	msg := req.Message
	msg.ID = ""
	if err := h.deps.Sessions.AppendMessage(r.Context(), req.SessionID, &msg); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "saved",
		"id":     msg.ID,
	})
}

func (h *handler) approvals(w http.ResponseWriter, r *http.Request) {
	if h.deps.Approvals == nil {
		writeJSON(w, http.StatusOK, map[string]any{"approvals": []any{}})
		return
	}
	pending, err := h.deps.Approvals.Pending()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if sid := strings.TrimSpace(r.URL.Query().Get("session_id")); sid != "" {
		filtered := pending[:0]
		for _, p := range pending {
			if p.SessionID == sid {
				filtered = append(filtered, p)
			}
		}
		pending = filtered
	}
	if pending == nil {
		pending = []approval.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

func (h *handler) metrics(w http.ResponseWriter, r *http.Request) {
	snap := h.deps.Metrics.Snapshot()
	if h.deps.Metrics == nil {
		persisted, err := metrics.ReadRuntimeSnapshot(h.deps.StateDir)
		if err != nil {
			h.logger.Error("read persisted metrics", "error", err)
			writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		snap = persisted
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"updated_at": snap.UpdatedAt,
		"tool":       snap.Tool,
		"chat":       snap.Chat,
		"derived": map[string]any{
			"tool_error_ratio":    snap.Tool.ErrorRatio(),
			"tool_timeout_ratio":  snap.Tool.TimeoutRatio(),
			"tool_avg_latency_ms": snap.Tool.AvgLatencyMs(),
			"chat_error_ratio":    snap.Chat.ErrorRatio(),
		},
	})
}
