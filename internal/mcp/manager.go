package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MEKXH/mcpstation/internal/audit"
	"github.com/MEKXH/mcpstation/internal/config"
	"github.com/MEKXH/mcpstation/internal/metrics"
	"github.com/MEKXH/mcpstation/internal/requestid"
)

type connection struct {
	id          string
	target      Target
	session     Session
	tools       []Tool
	resources   []Resource
	prompts     []Prompt
	connectedAt time.Time
}

func (c *connection) counts() Counts {
	return Counts{Tools: len(c.tools), Resources: len(c.resources), Prompts: len(c.prompts)}
}

// Outcome is the model-facing result of one tool execution.
type Outcome struct {
	Text         string
	Truncated    bool
	ConnectionID string
	Tool         string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithAudit records connect, disconnect and tool execution events.
func WithAudit(w *audit.Writer) Option {
	return func(m *Manager) { m.audit = w }
}

// WithMetrics records tool execution metrics.
func WithMetrics(rm *metrics.RuntimeMetrics) Option {
	return func(m *Manager) { m.metrics = rm }
}

// WithReplacePolicy decides what happens to a session superseded by a
// connect that reuses its id: "close" releases it, "keep" leaves it open.
func WithReplacePolicy(policy string) Option {
	return func(m *Manager) {
		m.closeReplaced = !strings.EqualFold(strings.TrimSpace(policy), config.ReplacePolicyKeep)
	}
}

// Manager owns live capability sessions keyed by connection id.
type Manager struct {
	mu         sync.RWMutex
	connectors Connectors
	conns      map[string]*connection

	locks         keyedMutex
	closeReplaced bool

	logger  *slog.Logger
	audit   *audit.Writer
	metrics *metrics.RuntimeMetrics
	now     func() time.Time
}

// NewManager constructs an empty manager over the given connectors.
func NewManager(connectors Connectors, opts ...Option) *Manager {
	m := &Manager{
		connectors:    connectors,
		conns:         map[string]*connection{},
		closeReplaced: true,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect opens a session for target and registers it under id.
// Discovery failures degrade to empty lists; any other failure leaves
// nothing registered and nothing open.
func (m *Manager) Connect(ctx context.Context, id, rawTarget, kindHint string) (Counts, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Counts{}, fmt.Errorf("%w: connection id is required", ErrValidation)
	}
	target, err := NormalizeTarget(rawTarget, kindHint)
	if err != nil {
		return Counts{}, err
	}

	unlock := m.locks.lock(id)
	defer unlock()

	start := m.now()
	logger := m.logger.With("connection_id", id, "transport", target.Kind, "target", target.Address)
	conn, err := m.open(ctx, id, target, logger)
	if err != nil {
		logger.Error("mcp connect failed", "error", err)
		m.recordAudit(ctx, audit.Event{
			Type:         audit.TypeConnect,
			ConnectionID: id,
			Transport:    string(target.Kind),
			Target:       target.Address,
			Result:       "error: " + err.Error(),
			DurationMs:   m.now().Sub(start).Milliseconds(),
		})
		return Counts{}, err
	}

	m.mu.Lock()
	prev := m.conns[id]
	m.conns[id] = conn
	m.mu.Unlock()

	if prev != nil {
		if m.closeReplaced {
			if err := prev.session.Close(); err != nil {
				logger.Warn("close replaced mcp session", "error", err)
			}
		} else {
			logger.Warn("mcp connection replaced without closing previous session")
		}
	}

	counts := conn.counts()
	logger.Info("mcp connected",
		"tools", counts.Tools,
		"resources", counts.Resources,
		"prompts", counts.Prompts,
		"duration_ms", m.now().Sub(start).Milliseconds(),
	)
	m.recordAudit(ctx, audit.Event{
		Type:         audit.TypeConnect,
		ConnectionID: id,
		Transport:    string(target.Kind),
		Target:       target.Address,
		Result:       "ok",
		DurationMs:   m.now().Sub(start).Milliseconds(),
	})
	return counts, nil
}

func (m *Manager) open(ctx context.Context, id string, target Target, logger *slog.Logger) (*connection, error) {
	session, err := m.dial(ctx, target)
	if err != nil {
		return nil, err
	}

	conn := &connection{id: id, target: target, session: session}
	conn.tools = discover(ctx, logger, "tools", session.ListTools)
	conn.resources = discover(ctx, logger, "resources", session.ListResources)
	conn.prompts = discover(ctx, logger, "prompts", session.ListPrompts)

	if err := ctx.Err(); err != nil {
		if closeErr := session.Close(); closeErr != nil {
			logger.Debug("close abandoned mcp session", "error", closeErr)
		}
		return nil, fmt.Errorf("connect %s: %w", id, err)
	}
	conn.connectedAt = m.now()
	return conn, nil
}

func (m *Manager) dial(ctx context.Context, target Target) (Session, error) {
	connector := m.connectors.forKind(target.Kind)
	if connector == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTransport, target.Kind)
	}
	return connector.Connect(ctx, target)
}

func discover[T any](ctx context.Context, logger *slog.Logger, category string, list func(context.Context) ([]T, error)) []T {
	items, err := list(ctx)
	if err != nil {
		logger.Warn("mcp discovery failed", "category", category, "error", err)
		return nil
	}
	return items
}

// Open starts a session that is not registered with the manager.
// The caller owns it and must close it.
func (m *Manager) Open(ctx context.Context, rawTarget, kindHint string) (Session, Target, error) {
	target, err := NormalizeTarget(rawTarget, kindHint)
	if err != nil {
		return nil, Target{}, err
	}
	session, err := m.dial(ctx, target)
	if err != nil {
		return nil, target, err
	}
	return session, target, nil
}

// Disconnect closes and unregisters id. Unknown ids are a no-op.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	unlock := m.locks.lock(id)
	defer unlock()

	m.mu.Lock()
	conn := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.session.Close()
	result := "ok"
	if err != nil {
		result = "error: " + err.Error()
		m.logger.Warn("mcp disconnect", "connection_id", id, "error", err)
	} else {
		m.logger.Info("mcp disconnected", "connection_id", id)
	}
	m.recordAudit(ctx, audit.Event{
		Type:         audit.TypeDisconnect,
		ConnectionID: id,
		Transport:    string(conn.target.Kind),
		Target:       conn.target.Address,
		Result:       result,
	})
	if err != nil {
		return fmt.Errorf("disconnect %s: %w", id, err)
	}
	return nil
}

// DisconnectAll closes every registered session.
func (m *Manager) DisconnectAll(ctx context.Context) {
	for _, id := range m.ids() {
		_ = m.Disconnect(ctx, id)
	}
}

// Catalog projects every registered tool into sanitized catalog entries,
// ordered by connection id then discovery order. On a name collision the
// later entry wins in the lookup map.
func (m *Manager) Catalog() ([]CatalogEntry, map[string]ToolRef) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]CatalogEntry, 0)
	lookup := make(map[string]ToolRef)
	for _, id := range m.sortedIDsLocked() {
		conn := m.conns[id]
		for _, tool := range conn.tools {
			if strings.TrimSpace(tool.Name) == "" {
				continue
			}
			entry := catalogEntry(id, tool)
			entries = append(entries, entry)
			lookup[entry.Name] = ToolRef{ConnectionID: id, OriginalName: tool.Name}
		}
	}
	return entries, lookup
}

// Execute runs a catalog tool and returns model-facing text. It never fails:
// every problem is rendered as text.
func (m *Manager) Execute(ctx context.Context, name string, args map[string]any) string {
	return m.ExecuteTool(ctx, name, args).Text
}

// ExecuteTool is Execute with truncation and routing details.
func (m *Manager) ExecuteTool(ctx context.Context, name string, args map[string]any) Outcome {
	_, lookup := m.Catalog()
	ref, ok := lookup[name]
	if !ok {
		return Outcome{Text: fmt.Sprintf(resultUnknownTool, name), Tool: name}
	}
	return m.invoke(ctx, name, ref, args)
}

func (m *Manager) invoke(ctx context.Context, name string, ref ToolRef, args map[string]any) Outcome {
	out := Outcome{ConnectionID: ref.ConnectionID, Tool: name}
	session, ok := m.session(ref.ConnectionID)
	if !ok {
		out.Text = resultLostSession
		return out
	}

	start := m.now()
	res, err := session.CallTool(ctx, ref.OriginalName, args)
	duration := m.now().Sub(start)

	text := ""
	if err != nil {
		text = resultCallFailed + err.Error()
	} else {
		text = RenderCallResult(res)
	}
	out.Text, out.Truncated = TruncateResult(text)

	m.logger.Info("mcp tool executed",
		"connection_id", ref.ConnectionID,
		"tool", ref.OriginalName,
		"truncated", out.Truncated,
		"duration_ms", duration.Milliseconds(),
	)
	if _, mErr := m.metrics.RecordToolExecution(duration, out.Text, out.Truncated, err); mErr != nil {
		m.logger.Debug("record tool metrics", "error", mErr)
	}
	result := "ok"
	if err != nil || metrics.IsToolErrorResult(out.Text) {
		result = "error"
	}
	m.recordAudit(ctx, audit.Event{
		Type:         audit.TypeToolExecute,
		ConnectionID: ref.ConnectionID,
		Tool:         ref.OriginalName,
		Result:       result,
		DurationMs:   duration.Milliseconds(),
	})
	return out
}

// ReadResource reads uri from connection id and flattens it to text.
func (m *Manager) ReadResource(ctx context.Context, id, uri string) (string, error) {
	session, ok := m.session(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	segments, err := session.ReadResource(ctx, uri)
	if err != nil {
		return "", fmt.Errorf("read resource %s: %w", uri, err)
	}
	return joinSegments(segments), nil
}

// GetPrompt renders prompt name from connection id and flattens it to text.
func (m *Manager) GetPrompt(ctx context.Context, id, name string, args map[string]string) (string, error) {
	session, ok := m.session(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	segments, err := session.GetPrompt(ctx, name, args)
	if err != nil {
		return "", fmt.Errorf("get prompt %s: %w", name, err)
	}
	return joinSegments(segments), nil
}

func joinSegments(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg.Binary {
			parts = append(parts, fmt.Sprintf("[Binary Blob: %s]", seg.MIMEType))
			continue
		}
		parts = append(parts, seg.Text)
	}
	return strings.Join(parts, "\n\n")
}

// Statuses returns per-connection state ordered by id.
func (m *Manager) Statuses() []ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ConnectionStatus, 0, len(m.conns))
	for _, id := range m.sortedIDsLocked() {
		conn := m.conns[id]
		counts := conn.counts()
		out = append(out, ConnectionStatus{
			ID:          id,
			Transport:   conn.target.Kind,
			Target:      conn.target.Address,
			Tools:       counts.Tools,
			Resources:   counts.Resources,
			Prompts:     counts.Prompts,
			ConnectedAt: conn.connectedAt,
		})
	}
	return out
}

// Resources lists discovered resources across connections.
func (m *Manager) Resources() []ResourceEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ResourceEntry, 0)
	for _, id := range m.sortedIDsLocked() {
		for _, r := range m.conns[id].resources {
			out = append(out, ResourceEntry{ConnectionID: id, Resource: r})
		}
	}
	return out
}

// Prompts lists discovered prompts across connections.
func (m *Manager) Prompts() []PromptEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PromptEntry, 0)
	for _, id := range m.sortedIDsLocked() {
		for _, p := range m.conns[id].prompts {
			out = append(out, PromptEntry{ConnectionID: id, Prompt: p})
		}
	}
	return out
}

func (m *Manager) session(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn := m.conns[id]
	if conn == nil {
		return nil, false
	}
	return conn.session, true
}

func (m *Manager) ids() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedIDsLocked()
}

func (m *Manager) sortedIDsLocked() []string {
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) recordAudit(ctx context.Context, event audit.Event) {
	if m.audit == nil {
		return
	}
	event.Time = m.now().UTC()
	event.RequestID = requestid.From(ctx)
	if err := m.audit.Append(event); err != nil {
		m.logger.Warn("append audit event", "type", event.Type, "error", err)
	}
}

// keyedMutex serializes work per key while letting distinct keys proceed.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*keyedLock{}
	}
	l := k.locks[key]
	if l == nil {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
