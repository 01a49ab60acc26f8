package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MEKXH/mcpstation/internal/audit"
	"github.com/MEKXH/mcpstation/internal/config"
	"github.com/MEKXH/mcpstation/internal/metrics"
	"github.com/MEKXH/mcpstation/internal/requestid"
	"github.com/MEKXH/mcpstation/internal/toolbox"
)

// openTracker counts sessions that were opened and not yet closed.
type openTracker struct {
	open atomic.Int32
}

type fakeSession struct {
	tracker    *openTracker
	tools      []Tool
	resources  []Resource
	prompts    []Prompt
	listErr    map[string]error
	beforeList func()

	callResult *CallResult
	callErr    error
	segments   []Segment

	mu     sync.Mutex
	calls  []string
	closed atomic.Bool
}

func (f *fakeSession) list(category string) error {
	if f.beforeList != nil {
		f.beforeList()
	}
	return f.listErr[category]
}

func (f *fakeSession) ListTools(ctx context.Context) ([]Tool, error) {
	if err := f.list("tools"); err != nil {
		return nil, err
	}
	return f.tools, nil
}

func (f *fakeSession) ListResources(ctx context.Context) ([]Resource, error) {
	if err := f.list("resources"); err != nil {
		return nil, err
	}
	return f.resources, nil
}

func (f *fakeSession) ListPrompts(ctx context.Context) ([]Prompt, error) {
	if err := f.list("prompts"); err != nil {
		return nil, err
	}
	return f.prompts, nil
}

func (f *fakeSession) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	return f.callResult, f.callErr
}

func (f *fakeSession) ReadResource(ctx context.Context, uri string) ([]Segment, error) {
	return f.segments, nil
}

func (f *fakeSession) GetPrompt(ctx context.Context, name string, args map[string]string) ([]Segment, error) {
	return f.segments, nil
}

func (f *fakeSession) Close() error {
	if f.closed.CompareAndSwap(false, true) && f.tracker != nil {
		f.tracker.open.Add(-1)
	}
	return nil
}

func (f *fakeSession) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeConnector struct {
	tracker *openTracker
	session func() *fakeSession
	err     error

	mu      sync.Mutex
	targets []Target
}

func (c *fakeConnector) Connect(ctx context.Context, target Target) (Session, error) {
	c.mu.Lock()
	c.targets = append(c.targets, target)
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	s := c.session()
	s.tracker = c.tracker
	c.tracker.open.Add(1)
	return s, nil
}

func (c *fakeConnector) lastTarget() Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.targets) == 0 {
		return Target{}
	}
	return c.targets[len(c.targets)-1]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFakeManager(session func() *fakeSession, opts ...Option) (*Manager, *fakeConnector) {
	c := &fakeConnector{tracker: &openTracker{}, session: session}
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return NewManager(Connectors{Pipe: c, EventStream: c, HTTPStream: c}, opts...), c
}

func toolSession(names ...string) func() *fakeSession {
	return func() *fakeSession {
		s := &fakeSession{}
		for _, n := range names {
			s.tools = append(s.tools, Tool{Name: n, Description: n + " tool"})
		}
		return s
	}
}

func TestManager_ConnectRegistersAndCounts(t *testing.T) {
	m, c := newFakeManager(func() *fakeSession {
		return &fakeSession{
			tools:     []Tool{{Name: "a"}, {Name: "b"}},
			resources: []Resource{{Name: "r", URI: "x://r"}},
			prompts:   []Prompt{{Name: "p"}},
		}
	})

	counts, err := m.Connect(context.Background(), "tools", "tools_server.py", "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if counts != (Counts{Tools: 2, Resources: 1, Prompts: 1}) {
		t.Fatalf("unexpected counts %+v", counts)
	}
	statuses := m.Statuses()
	if len(statuses) != 1 || statuses[0].ID != "tools" || statuses[0].Transport != KindPipe {
		t.Fatalf("unexpected statuses %+v", statuses)
	}
	if statuses[0].ConnectedAt.IsZero() {
		t.Fatal("expected connected_at")
	}
	if got := c.tracker.open.Load(); got != 1 {
		t.Fatalf("expected 1 open session, got %d", got)
	}
	if len(m.Resources()) != 1 || m.Resources()[0].ConnectionID != "tools" {
		t.Fatalf("unexpected resources %+v", m.Resources())
	}
	if len(m.Prompts()) != 1 || m.Prompts()[0].Name != "p" {
		t.Fatalf("unexpected prompts %+v", m.Prompts())
	}
}

func TestManager_ScriptTargetAlwaysUsesPipe(t *testing.T) {
	pipe := &fakeConnector{tracker: &openTracker{}, session: toolSession("x")}
	other := &fakeConnector{tracker: &openTracker{}, err: errors.New("wrong connector")}
	m := NewManager(Connectors{Pipe: pipe, EventStream: other, HTTPStream: other}, WithLogger(quietLogger()))

	for _, hint := range []string{"", "stdio", "sse", "http"} {
		if _, err := m.Connect(context.Background(), "s-"+hint, "server.py", hint); err != nil {
			t.Fatalf("hint %q: %v", hint, err)
		}
		if got := pipe.lastTarget().Kind; got != KindPipe {
			t.Fatalf("hint %q: expected pipe, got %s", hint, got)
		}
	}
}

func TestManager_ConnectFailureLeavesNothing(t *testing.T) {
	m, c := newFakeManager(toolSession("x"))
	c.err = fmt.Errorf("start python3 server.py: exit status 1")

	if _, err := m.Connect(context.Background(), "broken", "server.py", ""); err == nil {
		t.Fatal("expected connect error")
	}
	if len(m.Statuses()) != 0 {
		t.Fatalf("failed connect must not register, got %+v", m.Statuses())
	}
	if got := c.tracker.open.Load(); got != 0 {
		t.Fatalf("expected no open sessions, got %d", got)
	}
}

func TestManager_ConnectValidation(t *testing.T) {
	m, c := newFakeManager(toolSession("x"))
	cases := []struct{ id, target, kind string }{
		{"", "a.py", ""},
		{"x", "", ""},
		{"x", "https://example.com/mcp", "stdio"},
		{"x", "a.py", "carrier-pigeon"},
	}
	for _, tc := range cases {
		if _, err := m.Connect(context.Background(), tc.id, tc.target, tc.kind); !errors.Is(err, ErrValidation) {
			t.Fatalf("Connect(%q, %q, %q): expected ErrValidation, got %v", tc.id, tc.target, tc.kind, err)
		}
	}
	if len(c.targets) != 0 {
		t.Fatal("validation failures must not reach a connector")
	}
}

func TestManager_UnsupportedTransport(t *testing.T) {
	m := NewManager(Connectors{}, WithLogger(quietLogger()))
	if _, err := m.Connect(context.Background(), "x", "a.py", ""); !errors.Is(err, ErrUnsupportedTransport) {
		t.Fatalf("expected ErrUnsupportedTransport, got %v", err)
	}
}

func TestManager_DiscoveryFailureDegradesToEmpty(t *testing.T) {
	m, _ := newFakeManager(func() *fakeSession {
		return &fakeSession{
			tools:   []Tool{{Name: "a"}},
			listErr: map[string]error{"resources": errors.New("method not found"), "prompts": errors.New("method not found")},
		}
	})

	counts, err := m.Connect(context.Background(), "partial", "https://example.com/mcp", "http")
	if err != nil {
		t.Fatalf("discovery failures must not fail connect: %v", err)
	}
	if counts != (Counts{Tools: 1}) {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestManager_ConnectCancelledDuringDiscoveryReleases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m, c := newFakeManager(func() *fakeSession {
		return &fakeSession{tools: []Tool{{Name: "a"}}, beforeList: cancel}
	})

	if _, err := m.Connect(ctx, "x", "a.py", ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(m.Statuses()) != 0 || c.tracker.open.Load() != 0 {
		t.Fatalf("cancelled connect must leave nothing behind: %+v open=%d", m.Statuses(), c.tracker.open.Load())
	}
}

func TestManager_ReplacePolicy(t *testing.T) {
	tests := []struct {
		policy   string
		wantOpen int32
	}{
		{policy: config.ReplacePolicyClose, wantOpen: 1},
		{policy: config.ReplacePolicyKeep, wantOpen: 2},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			m, c := newFakeManager(toolSession("a"), WithReplacePolicy(tt.policy))
			for i := 0; i < 2; i++ {
				if _, err := m.Connect(context.Background(), "same", "a.py", ""); err != nil {
					t.Fatalf("Connect #%d: %v", i, err)
				}
			}
			if len(m.Statuses()) != 1 {
				t.Fatalf("expected one registered session, got %+v", m.Statuses())
			}
			if got := c.tracker.open.Load(); got != tt.wantOpen {
				t.Fatalf("expected %d open sessions, got %d", tt.wantOpen, got)
			}
		})
	}
}

func TestManager_DisconnectAndNoop(t *testing.T) {
	m, c := newFakeManager(toolSession("a"))
	ctx := context.Background()
	if _, err := m.Connect(ctx, "a", "a.py", ""); err != nil {
		t.Fatal(err)
	}
	if err := m.Disconnect(ctx, "a"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := m.Disconnect(ctx, "a"); err != nil {
		t.Fatalf("second Disconnect must be a no-op: %v", err)
	}
	if len(m.Statuses()) != 0 || c.tracker.open.Load() != 0 {
		t.Fatal("expected nothing registered or open after disconnect")
	}
	entries, _ := m.Catalog()
	if len(entries) != 0 {
		t.Fatalf("catalog must reflect disconnect, got %+v", entries)
	}
}

func TestManager_DisconnectAll(t *testing.T) {
	m, c := newFakeManager(toolSession("a"))
	ctx := context.Background()
	for _, id := range []string{"one", "two", "three"} {
		if _, err := m.Connect(ctx, id, "a.py", ""); err != nil {
			t.Fatal(err)
		}
	}
	m.DisconnectAll(ctx)
	if len(m.Statuses()) != 0 || c.tracker.open.Load() != 0 {
		t.Fatalf("expected all sessions closed, open=%d", c.tracker.open.Load())
	}
}

func TestManager_CatalogOrderAndLookup(t *testing.T) {
	sessions := map[string][]string{
		"zeta":  {"z1"},
		"alpha": {"second", "first"},
	}
	var mu sync.Mutex
	var next string
	m, _ := newFakeManager(func() *fakeSession {
		mu.Lock()
		defer mu.Unlock()
		return toolSession(sessions[next]...)()
	})
	for _, id := range []string{"zeta", "alpha"} {
		mu.Lock()
		next = id
		mu.Unlock()
		if _, err := m.Connect(context.Background(), id, "a.py", ""); err != nil {
			t.Fatal(err)
		}
	}

	entries, lookup := m.Catalog()
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	if strings.Join(names, ",") != "alpha__second,alpha__first,zeta__z1" {
		t.Fatalf("unexpected catalog order %v", names)
	}
	if ref := lookup["alpha__first"]; ref.ConnectionID != "alpha" || ref.OriginalName != "first" {
		t.Fatalf("unexpected lookup %+v", ref)
	}
	again, _ := m.Catalog()
	if len(again) != len(entries) {
		t.Fatal("catalog must be deterministic")
	}
}

func TestManager_ExecuteUnknownTool(t *testing.T) {
	stateDir := t.TempDir()
	rm := metrics.NewRuntimeMetrics(stateDir)
	var sess *fakeSession
	m, _ := newFakeManager(func() *fakeSession {
		sess = toolSession("a")()
		return sess
	}, WithMetrics(rm), WithAudit(audit.NewWriter(stateDir)))
	if _, err := m.Connect(context.Background(), "tools", "a.py", ""); err != nil {
		t.Fatal(err)
	}

	got := m.Execute(context.Background(), "tools__missing", nil)
	if got != "Error: Tool tools__missing not found." {
		t.Fatalf("unexpected text %q", got)
	}
	if sess.callCount() != 0 || rm.Snapshot().Tool.Total != 0 {
		t.Fatal("unknown tool must have no side effects")
	}
}

func TestManager_ExecuteConnectionLost(t *testing.T) {
	m, _ := newFakeManager(toolSession("a"))
	out := m.invoke(context.Background(), "gone__a", ToolRef{ConnectionID: "gone", OriginalName: "a"}, nil)
	if out.Text != "Error: Connection lost." {
		t.Fatalf("unexpected text %q", out.Text)
	}
}

func TestManager_ExecuteShapesResults(t *testing.T) {
	tests := []struct {
		name   string
		result *CallResult
		err    error
		want   string
		trunc  bool
		prefix string
	}{
		{name: "text", result: &CallResult{Content: []Content{{Kind: ContentText, Text: "42"}}}, want: "42"},
		{name: "empty", result: &CallResult{}, want: "✅ Success (No output)"},
		{name: "remote error", result: &CallResult{IsError: true, Content: []Content{{Kind: ContentText, Text: "nope"}}}, want: "Tool Execution Error: nope"},
		{name: "exception", err: errors.New("broken pipe"), want: "❌ Tool Exception: broken pipe"},
		{name: "exactly cap", result: &CallResult{Content: []Content{{Kind: ContentText, Text: strings.Repeat("x", MaxResultChars)}}}, want: strings.Repeat("x", MaxResultChars)},
		{name: "over cap", result: &CallResult{Content: []Content{{Kind: ContentText, Text: strings.Repeat("x", MaxResultChars+1)}}}, trunc: true, prefix: strings.Repeat("x", MaxResultChars) + "\n\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newFakeManager(func() *fakeSession {
				s := toolSession("run")()
				s.callResult = tt.result
				s.callErr = tt.err
				return s
			})
			if _, err := m.Connect(context.Background(), "srv", "a.py", ""); err != nil {
				t.Fatal(err)
			}
			out := m.ExecuteTool(context.Background(), "srv__run", map[string]any{"x": 1})
			if out.Truncated != tt.trunc {
				t.Fatalf("truncated = %v, want %v", out.Truncated, tt.trunc)
			}
			if tt.prefix != "" {
				if !strings.HasPrefix(out.Text, tt.prefix) || !strings.Contains(out.Text, "Original length: 8,001 characters") {
					t.Fatalf("unexpected truncated text %q", out.Text[len(out.Text)-200:])
				}
				return
			}
			if out.Text != tt.want {
				t.Fatalf("got %q, want %q", out.Text, tt.want)
			}
		})
	}
}

func TestManager_ExecuteRecordsAuditAndMetrics(t *testing.T) {
	stateDir := t.TempDir()
	rm := metrics.NewRuntimeMetrics(stateDir)
	writer := audit.NewWriter(stateDir)
	m, _ := newFakeManager(func() *fakeSession {
		s := toolSession("run")()
		s.callResult = &CallResult{Content: []Content{{Kind: ContentText, Text: "ok"}}}
		return s
	}, WithMetrics(rm), WithAudit(writer))

	ctx := requestid.With(context.Background(), "req-7")
	if _, err := m.Connect(ctx, "srv", "a.py", ""); err != nil {
		t.Fatal(err)
	}
	_ = m.Execute(ctx, "srv__run", nil)
	if err := m.Disconnect(ctx, "srv"); err != nil {
		t.Fatal(err)
	}

	if got := rm.Snapshot().Tool.Total; got != 1 {
		t.Fatalf("expected one recorded execution, got %d", got)
	}

	file, err := os.Open(writer.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	var types []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var ev audit.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatal(err)
		}
		if ev.RequestID != "req-7" {
			t.Fatalf("expected request id on %s, got %q", ev.Type, ev.RequestID)
		}
		types = append(types, ev.Type)
	}
	if strings.Join(types, ",") != "mcp_connect,tool_execute,mcp_disconnect" {
		t.Fatalf("unexpected audit trail %v", types)
	}
}

func TestManager_ReadResourceAndPrompt(t *testing.T) {
	m, _ := newFakeManager(func() *fakeSession {
		s := toolSession("a")()
		s.segments = []Segment{{Text: "one"}, {Binary: true, MIMEType: "image/png"}}
		return s
	})
	ctx := context.Background()

	if _, err := m.ReadResource(ctx, "missing", "x://r"); !errors.Is(err, ErrConnectionNotFound) {
		t.Fatalf("expected ErrConnectionNotFound, got %v", err)
	}
	if _, err := m.GetPrompt(ctx, "missing", "p", nil); !errors.Is(err, ErrConnectionNotFound) {
		t.Fatalf("expected ErrConnectionNotFound, got %v", err)
	}

	if _, err := m.Connect(ctx, "srv", "a.py", ""); err != nil {
		t.Fatal(err)
	}
	got, err := m.ReadResource(ctx, "srv", "x://r")
	if err != nil || got != "one\n\n[Binary Blob: image/png]" {
		t.Fatalf("unexpected resource %q %v", got, err)
	}
	got, err = m.GetPrompt(ctx, "srv", "p", map[string]string{"k": "v"})
	if err != nil || got != "one\n\n[Binary Blob: image/png]" {
		t.Fatalf("unexpected prompt %q %v", got, err)
	}
}

func TestManager_ConcurrentConnectsAcrossIDs(t *testing.T) {
	m, c := newFakeManager(toolSession("a", "b"))
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("srv%d", i%4)
			if _, err := m.Connect(ctx, id, "a.py", ""); err != nil {
				t.Errorf("Connect %s: %v", id, err)
			}
			entries, lookup := m.Catalog()
			if len(entries) != len(lookup) {
				t.Errorf("catalog snapshot inconsistent: %d entries, %d names", len(entries), len(lookup))
			}
		}()
	}
	wg.Wait()

	if got := len(m.Statuses()); got != 4 {
		t.Fatalf("expected 4 registered ids, got %d", got)
	}
	if got := c.tracker.open.Load(); got != 4 {
		t.Fatalf("replaced sessions must be closed, %d open", got)
	}
}

// toolboxConnector serves the toolbox through in-memory SDK transports.
type toolboxConnector struct{}

func (toolboxConnector) Connect(ctx context.Context, target Target) (Session, error) {
	serverTransport, clientTransport := sdk.NewInMemoryTransports()
	ss, err := toolbox.NewServer(nil).Connect(ctx, serverTransport, nil)
	if err != nil {
		return nil, err
	}
	stack := &releaseStack{}
	stack.push("server session", ss.Close)
	session, err := connectSDK(ctx, clientTransport, stack, 5*time.Second, nil)
	if err != nil {
		_ = stack.release()
		return nil, err
	}
	return session, nil
}

func TestManager_WithSDKServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m := NewManager(Connectors{HTTPStream: toolboxConnector{}}, WithLogger(quietLogger()))
	counts, err := m.Connect(ctx, "knife", "https://toolbox.test/mcp", "http")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if counts != (Counts{Tools: 4, Resources: 1, Prompts: 1}) {
		t.Fatalf("unexpected counts %+v", counts)
	}

	got := m.Execute(ctx, "knife__calculate_hash", map[string]any{"text": "abc"})
	if got != "🧮 **SHA256 Hash:**\n`ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad`" {
		t.Fatalf("unexpected result %q", got)
	}

	prompt, err := m.GetPrompt(ctx, "knife", "generate_credentials", nil)
	if err != nil || !strings.HasPrefix(prompt, "Please generate a set of test credentials") {
		t.Fatalf("unexpected prompt %q %v", prompt, err)
	}

	entries, _ := m.Catalog()
	for _, e := range entries {
		if e.Name == "knife__calculate_hash" {
			props, _ := e.Parameters["properties"].(map[string]any)
			if _, ok := props["text"]; !ok {
				t.Fatalf("expected inferred schema with text property, got %v", e.Parameters)
			}
		}
	}

	if err := m.Disconnect(ctx, "knife"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
}
