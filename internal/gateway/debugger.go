package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MEKXH/mcpstation/internal/mcp"
	"github.com/MEKXH/mcpstation/internal/requestid"
)

type debugCommand struct {
	Command string         `json:"command"`
	Path    string         `json:"path"`
	Type    string         `json:"type"`
	Name    string         `json:"name"`
	Args    map[string]any `json:"args"`
}

type debugTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}

// debugger serves /ws/mcp: an interactive session against a server that is
// never registered with the manager.
func (h *handler) debugger(origins []string) http.HandlerFunc {
	opts := &websocket.AcceptOptions{OriginPatterns: originPatterns(origins)}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, opts)
		if err != nil {
			h.logger.Warn("debugger upgrade failed", "error", err)
			return
		}
		defer conn.CloseNow()

		logger := h.logger.With("request_id", requestid.From(r.Context()))
		if err := h.debug(r.Context(), conn, logger); err != nil && !isClosed(err) {
			logger.Warn("debugger session ended", "error", err)
			return
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (h *handler) debug(ctx context.Context, conn *websocket.Conn, logger *slog.Logger) error {
	var first debugCommand
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		return err
	}
	if first.Command != "connect" {
		return sendDebugError(ctx, conn, "first command must be connect")
	}

	session, target, err := h.deps.Manager.Open(ctx, first.Path, first.Type)
	if err != nil {
		logger.Warn("debugger connect failed", "path", first.Path, "error", err)
		return sendDebugError(ctx, conn, err.Error())
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Debug("close debugger session", "error", err)
		}
	}()
	logger = logger.With("transport", target.Kind, "target", target.Address)
	logger.Info("debugger connected")

	if err := wsjson.Write(ctx, conn, map[string]any{"status": "connected", "message": "Connected"}); err != nil {
		return err
	}

	for {
		var cmd debugCommand
		if err := wsjson.Read(ctx, conn, &cmd); err != nil {
			return err
		}
		var reply any
		switch cmd.Command {
		case "list_tools":
			tools, err := session.ListTools(ctx)
			if err != nil {
				reply = debugError(err.Error())
				break
			}
			data := make([]debugTool, 0, len(tools))
			for _, t := range tools {
				data = append(data, debugTool{Name: t.Name, Description: t.Description, Schema: t.InputSchema})
			}
			reply = map[string]any{"type": "tools_list", "data": data}
		case "call_tool":
			if strings.TrimSpace(cmd.Name) == "" {
				reply = debugError("name is required")
				break
			}
			res, err := session.CallTool(ctx, cmd.Name, cmd.Args)
			if err != nil {
				reply = debugError(err.Error())
				break
			}
			reply = map[string]any{"type": "log", "message": "Result:\n" + mcp.RenderCallResult(res)}
		default:
			reply = debugError(fmt.Sprintf("unknown command %q", cmd.Command))
		}
		if err := wsjson.Write(ctx, conn, reply); err != nil {
			return err
		}
	}
}

func debugError(msg string) map[string]any {
	return map[string]any{"type": "error", "message": msg}
}

func sendDebugError(ctx context.Context, conn *websocket.Conn, msg string) error {
	return wsjson.Write(ctx, conn, debugError(msg))
}

func isClosed(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return errors.Is(err, context.Canceled)
}

// originPatterns turns configured CORS origins into host patterns.
func originPatterns(origins []string) []string {
	var out []string
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
