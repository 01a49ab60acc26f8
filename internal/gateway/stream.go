package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/tmaxmax/go-sse"

	"github.com/MEKXH/mcpstation/internal/chat"
	"github.com/MEKXH/mcpstation/internal/requestid"
	"github.com/MEKXH/mcpstation/internal/session"
)

// eventStream writes chat events as SSE data lines. The response is only
// upgraded on the first event so failures before any output can still be
// answered with a JSON error.
type eventStream struct {
	w    http.ResponseWriter
	r    *http.Request
	sess *sse.Session
}

func newEventStream(w http.ResponseWriter, r *http.Request) *eventStream {
	return &eventStream{w: w, r: r}
}

func (s *eventStream) Send(e chat.Event) error {
	line, err := e.Line()
	if err != nil {
		return err
	}
	if s.sess == nil {
		sess, err := sse.Upgrade(s.w, s.r)
		if err != nil {
			return err
		}
		s.sess = sess
	}
	msg := &sse.Message{}
	msg.AppendData(line)
	if err := s.sess.Send(msg); err != nil {
		return err
	}
	return s.sess.Flush()
}

func (s *eventStream) started() bool { return s.sess != nil }

type chatRequest struct {
	SessionID  string `json:"session_id"`
	NewMessage struct {
		Role      string `json:"role"`
		Content   string `json:"content"`
		ImageData string `json:"image_data"`
		ImageMIME string `json:"image_mime"`
	} `json:"new_message"`
	Config struct {
		Provider string `json:"provider"`
	} `json:"config"`
}

func (h *handler) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid json request")
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "session_id is required")
		return
	}
	if role := strings.TrimSpace(req.NewMessage.Role); role != "" && role != string(session.RoleUser) {
		writeError(w, r, http.StatusBadRequest, "bad_request", "new_message.role must be user")
		return
	}
	content := req.NewMessage.Content
	image := session.ParseDataURL(req.NewMessage.ImageData)
	if image != nil && strings.TrimSpace(req.NewMessage.ImageMIME) != "" {
		image.MIMEType = strings.TrimSpace(req.NewMessage.ImageMIME)
	}
	if strings.TrimSpace(content) == "" && image == nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "new_message.content is required")
		return
	}

	stream := newEventStream(w, r)
	_, err := h.deps.Chat.Chat(r.Context(), sessionID, session.Turn{Content: content, Image: image}, req.Config.Provider, stream)
	if err != nil && !stream.started() {
		h.writeStoreError(w, r, err)
		return
	}
	if err != nil {
		h.logger.Debug("chat stream ended with error", "session_id", sessionID, "error", err)
	}
}

type executeRequest struct {
	SessionID  string         `json:"session_id"`
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	ToolArgs   map[string]any `json:"tool_args"`
	Config     struct {
		Provider string `json:"provider"`
	} `json:"config"`
}

func (h *handler) executeTool(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid json request")
		return
	}
	switch {
	case strings.TrimSpace(req.SessionID) == "":
		writeError(w, r, http.StatusBadRequest, "bad_request", "session_id is required")
		return
	case strings.TrimSpace(req.ToolCallID) == "":
		writeError(w, r, http.StatusBadRequest, "bad_request", "tool_call_id is required")
		return
	case strings.TrimSpace(req.ToolName) == "":
		writeError(w, r, http.StatusBadRequest, "bad_request", "tool_name is required")
		return
	}
	if _, err := h.deps.Sessions.GetSession(r.Context(), req.SessionID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if req.ToolArgs == nil {
		req.ToolArgs = map[string]any{}
	}

	stream := newEventStream(w, r)
	_, err := h.deps.Chat.ExecuteAndResume(r.Context(), chat.ToolExecution{
		SessionID:  req.SessionID,
		ToolCallID: req.ToolCallID,
		ToolName:   req.ToolName,
		Args:       req.ToolArgs,
		Provider:   req.Config.Provider,
	}, stream)
	if err != nil && !stream.started() {
		h.writeStoreError(w, r, err)
		return
	}
	if err != nil {
		h.logger.Debug("tool stream ended with error", "session_id", req.SessionID, "tool", req.ToolName, "error", err)
	}
}

func (h *handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "session not found")
	case errors.Is(err, session.ErrInvalidTurn):
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
	default:
		h.logger.Error("gateway request failed", "path", r.URL.Path, "request_id", requestid.From(r.Context()), "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
