package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MEKXH/mcpstation/internal/approval"
	"github.com/MEKXH/mcpstation/internal/chat"
	"github.com/MEKXH/mcpstation/internal/config"
	"github.com/MEKXH/mcpstation/internal/mcp"
	"github.com/MEKXH/mcpstation/internal/metrics"
	"github.com/MEKXH/mcpstation/internal/provider"
	"github.com/MEKXH/mcpstation/internal/requestid"
	"github.com/MEKXH/mcpstation/internal/session"
	"github.com/MEKXH/mcpstation/internal/version"
)

// Sessions is the session store surface served over HTTP.
type Sessions interface {
	CreateSession(ctx context.Context, title string) (*session.Session, error)
	GetSession(ctx context.Context, id string) (*session.Session, error)
	ListSessions(ctx context.Context) ([]*session.Session, error)
	RenameSession(ctx context.Context, id, title string) error
	DeleteSession(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, sessionID string, turn *session.Turn) error
	ListMessages(ctx context.Context, sessionID string) ([]session.Turn, error)
}

// Manager is the capability manager surface served over HTTP.
type Manager interface {
	Connect(ctx context.Context, id, rawTarget, kindHint string) (mcp.Counts, error)
	Disconnect(ctx context.Context, id string) error
	Open(ctx context.Context, rawTarget, kindHint string) (mcp.Session, mcp.Target, error)
	Catalog() ([]mcp.CatalogEntry, map[string]mcp.ToolRef)
	Statuses() []mcp.ConnectionStatus
	Resources() []mcp.ResourceEntry
	Prompts() []mcp.PromptEntry
	ReadResource(ctx context.Context, id, uri string) (string, error)
	GetPrompt(ctx context.Context, id, name string, args map[string]string) (string, error)
}

// Providers is the provider registry surface served over HTTP.
type Providers interface {
	Active() string
	Status() map[string]provider.Status
	Switch(name string) error
}

// Chat runs streamed turns.
type Chat interface {
	Chat(ctx context.Context, sessionID string, msg session.Turn, providerName string, sink chat.Sink) (chat.TurnResult, error)
	ExecuteAndResume(ctx context.Context, exec chat.ToolExecution, sink chat.Sink) (chat.TurnResult, error)
}

// Deps wires the gateway to the rest of the process.
type Deps struct {
	Sessions  Sessions
	Manager   Manager
	Providers Providers
	Chat      Chat
	Approvals *approval.Service
	Metrics   *metrics.RuntimeMetrics
	// StateDir holds the persisted metrics snapshot served when Metrics is nil.
	StateDir string
	Logger   *slog.Logger
}

type Server struct {
	cfg        config.GatewayConfig
	deps       Deps
	httpServer *http.Server
}

func New(cfg config.GatewayConfig, deps Deps) *Server {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Port
	if port <= 0 {
		port = 8000
	}

	cfg.Host = host
	cfg.Port = port
	return &Server{
		cfg:  cfg,
		deps: deps,
	}
}

func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           NewHandler(s.cfg, s.deps),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger(s.deps).Info("gateway listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type handler struct {
	deps   Deps
	logger *slog.Logger
}

// NewHandler builds the gateway routes.
func NewHandler(cfg config.GatewayConfig, deps Deps) http.Handler {
	h := &handler{deps: deps, logger: logger(deps)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /version", h.version)

	mux.HandleFunc("POST /api/chat", h.chat)
	mux.HandleFunc("POST /api/tools/execute", h.executeTool)

	mux.HandleFunc("GET /api/llm/status", h.llmStatus)
	mux.HandleFunc("POST /api/llm/switch", h.llmSwitch)

	mux.HandleFunc("GET /api/mcp/status", h.mcpStatus)
	mux.HandleFunc("GET /api/mcp/tools/list", h.mcpTools)
	mux.HandleFunc("POST /api/mcp/connect", h.mcpConnect)
	mux.HandleFunc("POST /api/mcp/disconnect/{id}", h.mcpDisconnect)
	mux.HandleFunc("GET /api/mcp/resources/list", h.mcpResources)
	mux.HandleFunc("POST /api/mcp/resources/read", h.mcpReadResource)
	mux.HandleFunc("GET /api/mcp/prompts/list", h.mcpPrompts)
	mux.HandleFunc("POST /api/mcp/prompts/get", h.mcpGetPrompt)

	mux.HandleFunc("GET /api/sessions", h.listSessions)
	mux.HandleFunc("POST /api/sessions", h.createSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.deleteSession)
	mux.HandleFunc("PATCH /api/sessions/{id}", h.renameSession)
	mux.HandleFunc("GET /api/sessions/{id}/messages", h.listMessages)
	mux.HandleFunc("POST /api/messages", h.saveMessage)

	mux.HandleFunc("GET /api/approvals", h.approvals)
	mux.HandleFunc("GET /api/metrics", h.metrics)

	mux.HandleFunc("GET /ws/mcp", h.debugger(cfg.CORSOrigins))

	return withCORS(cfg.CORSOrigins, withRequestID(mux))
}

func logger(deps Deps) *slog.Logger {
	if deps.Logger != nil {
		return deps.Logger
	}
	return slog.Default()
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"request_id": requestid.From(r.Context()),
	})
}

func (h *handler) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    version.Version,
		"commit":     version.Commit,
		"request_id": requestid.From(r.Context()),
	})
}

// withRequestID propagates or assigns X-Request-ID and stores it on the
// request context.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r.WithContext(requestid.With(r.Context(), rid)))
	})
}

// withCORS answers preflight requests and tags responses for allowed origins.
func withCORS(origins []string, next http.Handler) http.Handler {
	wildcard := slices.Contains(origins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (wildcard || slices.Contains(origins, origin)) {
			hdr := w.Header()
			if wildcard {
				hdr.Set("Access-Control-Allow-Origin", "*")
			} else {
				hdr.Set("Access-Control-Allow-Origin", origin)
				hdr.Add("Vary", "Origin")
			}
			hdr.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			hdr.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			hdr.Set("Access-Control-Expose-Headers", "X-Request-ID")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":       code,
		"message":    message,
		"request_id": requestid.From(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
