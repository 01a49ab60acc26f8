package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MEKXH/mcpstation/internal/approval"
	"github.com/MEKXH/mcpstation/internal/mcp"
	"github.com/MEKXH/mcpstation/internal/metrics"
	"github.com/MEKXH/mcpstation/internal/provider"
	"github.com/MEKXH/mcpstation/internal/requestid"
	"github.com/MEKXH/mcpstation/internal/session"
)

const defaultTitleTimeout = 20 * time.Second

// History is the slice of the session store a turn needs.
type History interface {
	AppendMessage(ctx context.Context, sessionID string, turn *session.Turn) error
	ListMessages(ctx context.Context, sessionID string) ([]session.Turn, error)
	RenameSession(ctx context.Context, id, title string) error
}

// Tools exposes the live catalog and runs approved tool calls.
type Tools interface {
	Catalog() ([]mcp.CatalogEntry, map[string]mcp.ToolRef)
	ExecuteTool(ctx context.Context, name string, args map[string]any) mcp.Outcome
}

// Providers resolves a provider name, or the default for "".
type Providers interface {
	Resolve(name string) (provider.Adapter, error)
}

// TurnResult summarizes a finished turn for callers that drive the loop
// themselves.
type TurnResult struct {
	Text     string
	ToolCall *ToolRequest
}

// ToolExecution is an approved tool call to run before resuming a turn.
type ToolExecution struct {
	SessionID  string
	ToolCallID string
	ToolName   string
	Args       map[string]any
	Provider   string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithApprovals tracks surfaced tool calls until they are executed.
func WithApprovals(svc *approval.Service) Option {
	return func(o *Orchestrator) { o.approvals = svc }
}

// WithMetrics records chat turn outcomes.
func WithMetrics(rm *metrics.RuntimeMetrics) Option {
	return func(o *Orchestrator) { o.metrics = rm }
}

// WithTitleTimeout bounds background title generation.
func WithTitleTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.titleTimeout = d
		}
	}
}

// Orchestrator runs streamed chat turns. It holds no per-session state: every
// turn starts from the persisted history.
type Orchestrator struct {
	history   History
	tools     Tools
	providers Providers

	approvals    *approval.Service
	metrics      *metrics.RuntimeMetrics
	logger       *slog.Logger
	titleTimeout time.Duration

	background sync.WaitGroup
}

// New creates an orchestrator.
func New(history History, tools Tools, providers Providers, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		history:      history,
		tools:        tools,
		providers:    providers,
		logger:       slog.Default(),
		titleTimeout: defaultTitleTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Chat appends a user turn and streams the model's reply. An error returned
// before any event was sent means the message was not stored.
func (o *Orchestrator) Chat(ctx context.Context, sessionID string, msg session.Turn, providerName string, sink Sink) (TurnResult, error) {
	msg.Role = session.RoleUser
	msg.ToolCalls = nil
	if err := o.history.AppendMessage(ctx, sessionID, &msg); err != nil {
		return TurnResult{}, err
	}
	return o.run(ctx, sessionID, providerName, sink, msg.Content)
}

// ExecuteAndResume runs an approved tool call, stores its result, reports it
// and re-enters the turn with the longer history.
func (o *Orchestrator) ExecuteAndResume(ctx context.Context, exec ToolExecution, sink Sink) (TurnResult, error) {
	logger := o.logger.With("session_id", exec.SessionID, "tool", exec.ToolName, "request_id", requestid.From(ctx))

	outcome := o.tools.ExecuteTool(ctx, exec.ToolName, exec.Args)
	if o.approvals != nil && exec.ToolCallID != "" {
		if _, err := o.approvals.Approve(exec.ToolCallID, approval.DecisionInput{DecidedBy: "caller", Note: "executed"}); err != nil {
			logger.Debug("approval not tracked", "tool_call_id", exec.ToolCallID, "error", err)
		}
	}

	result := &session.Turn{
		Role:       session.RoleTool,
		Content:    outcome.Text,
		ToolCallID: exec.ToolCallID,
		ToolName:   exec.ToolName,
		Truncated:  outcome.Truncated,
	}
	if err := o.history.AppendMessage(ctx, exec.SessionID, result); err != nil {
		return TurnResult{}, err
	}

	if err := sink.Send(ToolResultEvent(exec.ToolName, outcome.Text)); err != nil {
		return TurnResult{}, err
	}
	return o.run(ctx, exec.SessionID, exec.Provider, sink, "")
}

// Wait blocks until background title generation has finished.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

func (o *Orchestrator) run(ctx context.Context, sessionID, providerName string, sink Sink, titleSource string) (TurnResult, error) {
	logger := o.logger.With("session_id", sessionID, "request_id", requestid.From(ctx))

	res, err := o.stream(ctx, sessionID, providerName, sink, titleSource, logger)
	if err != nil {
		o.recordTurn(metrics.TurnFailed, logger)
		var gone *errSink
		if errors.As(err, &gone) {
			logger.Info("chat stream abandoned", "error", gone.err)
			return res, gone.err
		}
		logger.Warn("chat turn failed", "error", err)
		if sendErr := sink.Send(ErrorEvent(err.Error())); sendErr != nil {
			return res, errors.Join(err, sendErr)
		}
		if sendErr := sink.Send(DoneEvent()); sendErr != nil {
			return res, errors.Join(err, sendErr)
		}
		return res, err
	}

	if res.ToolCall != nil {
		o.recordTurn(metrics.TurnApprovalRequested, logger)
	} else {
		o.recordTurn(metrics.TurnCompleted, logger)
	}
	return res, sink.Send(DoneEvent())
}

// errSink marks failures writing to the caller; those are not reported as
// error events since the caller is gone.
type errSink struct{ err error }

func (e *errSink) Error() string { return e.err.Error() }
func (e *errSink) Unwrap() error { return e.err }

func (o *Orchestrator) stream(ctx context.Context, sessionID, providerName string, sink Sink, titleSource string, logger *slog.Logger) (TurnResult, error) {
	adapter, err := o.providers.Resolve(providerName)
	if err != nil {
		return TurnResult{}, err
	}
	logger = logger.With("provider", adapter.Name())

	history, err := o.history.ListMessages(ctx, sessionID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("load history: %w", err)
	}
	if titleSource != "" && len(history) <= 1 {
		o.generateTitle(ctx, adapter, sessionID, titleSource, logger)
	}

	catalog, _ := o.tools.Catalog()
	stream, err := adapter.StreamTurn(ctx, provider.Request{
		System:  provider.SystemPrompt(catalog),
		History: history,
		Catalog: catalog,
	})
	if err != nil {
		return TurnResult{}, err
	}
	defer stream.Close()

	start := time.Now()
	var text strings.Builder
	calls := newCallAccumulator()
	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return TurnResult{}, err
		}
		if delta.Text != "" {
			text.WriteString(delta.Text)
			if err := sink.Send(TextEvent(delta.Text)); err != nil {
				return TurnResult{}, &errSink{err}
			}
		}
		for _, tc := range delta.ToolCalls {
			calls.add(tc)
		}
	}

	res := TurnResult{Text: text.String()}
	toolCalls := calls.finish()
	logger.Info("chat turn streamed",
		"history", len(history),
		"tools", len(catalog),
		"tool_calls", len(toolCalls),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if len(toolCalls) == 0 {
		if res.Text == "" {
			return res, nil
		}
		if err := o.history.AppendMessage(ctx, sessionID, &session.Turn{Role: session.RoleAssistant, Content: res.Text}); err != nil {
			return res, fmt.Errorf("save assistant turn: %w", err)
		}
		return res, nil
	}

	turn := &session.Turn{Role: session.RoleAssistant, Content: res.Text, ToolCalls: toolCalls}
	if err := o.history.AppendMessage(ctx, sessionID, turn); err != nil {
		return res, fmt.Errorf("save assistant turn: %w", err)
	}

	first := toolCalls[0]
	req := ToolRequest{ID: first.ID, Name: first.Name, Args: first.Args}
	res.ToolCall = &req
	if o.approvals != nil {
		if _, err := o.approvals.Create(approval.CreateInput{
			SessionID:  sessionID,
			ToolCallID: first.ID,
			ToolName:   first.Name,
			Args:       first.Args,
		}); err != nil {
			logger.Warn("open approval failed", "tool", first.Name, "error", err)
		}
	}
	if len(toolCalls) > 1 {
		logger.Info("additional tool calls not surfaced", "count", len(toolCalls)-1)
	}
	if err := sink.Send(ApprovalEvent(req)); err != nil {
		return res, &errSink{err}
	}
	return res, nil
}

func (o *Orchestrator) recordTurn(outcome metrics.TurnOutcome, logger *slog.Logger) {
	if _, err := o.metrics.RecordChatTurn(outcome); err != nil {
		logger.Debug("record chat metrics", "error", err)
	}
}

// generateTitle names the session in the background. It never blocks the
// turn and its failures are only logged.
func (o *Orchestrator) generateTitle(ctx context.Context, adapter provider.Adapter, sessionID, content string, logger *slog.Logger) {
	bg := context.WithoutCancel(ctx)
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		tctx, cancel := context.WithTimeout(bg, o.titleTimeout)
		defer cancel()

		raw, err := adapter.Complete(tctx, provider.TitlePrompt(content))
		if err != nil {
			logger.Warn("title generation failed", "error", err)
			return
		}
		title := provider.CleanTitle(raw)
		if title == "" {
			return
		}
		if err := o.history.RenameSession(tctx, sessionID, title); err != nil {
			logger.Warn("title update failed", "error", err)
			return
		}
		logger.Debug("session titled", "title", title)
	}()
}

// callAccumulator joins tool call fragments by stream index, keeping the
// order in which indexes first appeared.
type callAccumulator struct {
	order []int
	calls map[int]*pendingCall
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func newCallAccumulator() *callAccumulator {
	return &callAccumulator{calls: map[int]*pendingCall{}}
}

func (a *callAccumulator) add(d provider.ToolCallDelta) {
	call, ok := a.calls[d.Index]
	if !ok {
		call = &pendingCall{}
		a.calls[d.Index] = call
		a.order = append(a.order, d.Index)
	}
	if d.ID != "" {
		call.id = d.ID
	}
	call.name += d.Name
	call.args.WriteString(d.Arguments)
}

func (a *callAccumulator) finish() []session.ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	out := make([]session.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		call := a.calls[idx]
		id := call.id
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		out = append(out, session.ToolCall{ID: id, Name: call.name, Args: parseArgs(call.args.String())})
	}
	return out
}

// parseArgs decodes a streamed argument string. Empty or malformed input
// means no arguments.
func parseArgs(raw string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}
