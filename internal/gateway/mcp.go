package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/MEKXH/mcpstation/internal/mcp"
	"github.com/MEKXH/mcpstation/internal/provider"
)

func (h *handler) llmStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active_provider": h.deps.Providers.Active(),
		"providers":       h.deps.Providers.Status(),
	})
}

func (h *handler) llmSwitch(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("provider"))
	if name == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "provider is required")
		return
	}
	if err := h.deps.Providers.Switch(name); err != nil {
		code := "provider_unavailable"
		if errors.Is(err, provider.ErrUnknownProvider) {
			code = "unknown_provider"
		}
		writeError(w, r, http.StatusBadRequest, code, err.Error())
		return
	}
	h.logger.Info("provider switched", "provider", h.deps.Providers.Active())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "success",
		"provider": h.deps.Providers.Active(),
	})
}

func (h *handler) mcpStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": h.deps.Manager.Statuses(),
	})
}

type toolView struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func (h *handler) mcpTools(w http.ResponseWriter, r *http.Request) {
	catalog, _ := h.deps.Manager.Catalog()
	tools := make([]toolView, 0, len(catalog))
	for _, e := range catalog {
		tools = append(tools, toolView{Name: e.Name, Description: e.Description, Parameters: e.Parameters})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tools": tools,
		"count": len(tools),
	})
}

type connectRequest struct {
	ID     string `json:"id"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

func (h *handler) mcpConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid json request")
		return
	}
	counts, err := h.deps.Manager.Connect(r.Context(), req.ID, req.Target, req.Type)
	if err != nil {
		h.writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "connected",
		"tools":     counts.Tools,
		"resources": counts.Resources,
		"prompts":   counts.Prompts,
	})
}

func (h *handler) mcpDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Manager.Disconnect(r.Context(), r.PathValue("id")); err != nil {
		h.writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "disconnected"})
}

func (h *handler) mcpResources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"resources": h.deps.Manager.Resources(),
	})
}

type readResourceRequest struct {
	ConnectionID string `json:"connection_id"`
	URI          string `json:"uri"`
}

func (h *handler) mcpReadResource(w http.ResponseWriter, r *http.Request) {
	var req readResourceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid json request")
		return
	}
	if strings.TrimSpace(req.URI) == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "uri is required")
		return
	}
	content, err := h.deps.Manager.ReadResource(r.Context(), req.ConnectionID, req.URI)
	if err != nil {
		h.writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": content})
}

func (h *handler) mcpPrompts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"prompts": h.deps.Manager.Prompts(),
	})
}

type getPromptRequest struct {
	ConnectionID string            `json:"connection_id"`
	Name         string            `json:"name"`
	Args         map[string]string `json:"args"`
}

func (h *handler) mcpGetPrompt(w http.ResponseWriter, r *http.Request) {
	var req getPromptRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid json request")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "name is required")
		return
	}
	content, err := h.deps.Manager.GetPrompt(r.Context(), req.ConnectionID, req.Name, req.Args)
	if err != nil {
		h.writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": content})
}

func (h *handler) writeManagerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, mcp.ErrValidation), errors.Is(err, mcp.ErrScriptNotFound), errors.Is(err, mcp.ErrUnsupportedTransport):
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, mcp.ErrConnectionNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, mcp.ErrHandshakeTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		h.logger.Error("mcp request failed", "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "Connection Failed: "+err.Error())
	}
}
