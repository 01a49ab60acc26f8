package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MEKXH/mcpstation/internal/version"
)

const clientName = "mcpstation"

// maxListPages stops pagination against servers that never end a cursor chain.
const maxListPages = 100

// scopedTransport detaches the connection lifetime from the handshake context
// and records the cancel on the session's release stack. abort tears the
// connection down from another goroutine while the handshake is still running.
type scopedTransport struct {
	sdk.Transport
	stack   *releaseStack
	onAbort func()

	mu         sync.Mutex
	cancel     context.CancelFunc
	opened     bool
	aborted    bool
	connectErr error
}

func (t *scopedTransport) Connect(ctx context.Context) (sdk.Connection, error) {
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.stack.push("transport context", func() error {
		cancel()
		return nil
	})

	t.mu.Lock()
	t.cancel = cancel
	aborted := t.aborted
	t.mu.Unlock()
	if aborted {
		cancel()
		return nil, context.Cause(ctx)
	}

	conn, err := t.Transport.Connect(connCtx)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.connectErr = err
		return nil, err
	}
	t.opened = true
	if t.aborted && t.onAbort != nil {
		t.onAbort()
	}
	return conn, nil
}

// abort cancels the transport context and, once the transport is open, runs
// onAbort so a blocked read on the connection returns.
func (t *scopedTransport) abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.aborted {
		return
	}
	t.aborted = true
	if t.cancel != nil {
		t.cancel()
	}
	if t.opened && t.onAbort != nil {
		t.onAbort()
	}
}

func (t *scopedTransport) openErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.aborted {
		return nil
	}
	return t.connectErr
}

// connectSDK opens the transport and runs the initialize handshake under timeout.
// When the timeout or ctx fires mid-handshake the transport is aborted and
// onAbort (if any) runs. On failure the caller still owns stack and must
// release it.
func connectSDK(ctx context.Context, transport sdk.Transport, stack *releaseStack, timeout time.Duration, onAbort func()) (*sdkSession, error) {
	if timeout <= 0 {
		timeout = HandshakeTimeout
	}
	client := sdk.NewClient(&sdk.Implementation{Name: clientName, Version: version.Version}, nil)

	handshakeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	scoped := &scopedTransport{Transport: transport, stack: stack, onAbort: onAbort}
	stop := context.AfterFunc(handshakeCtx, scoped.abort)
	cs, err := client.Connect(handshakeCtx, scoped, nil)
	if !stop() && err == nil {
		// The session came up after the deadline already tore the transport down.
		_ = cs.Close()
		err = handshakeCtx.Err()
	}
	if err != nil {
		if openErr := scoped.openErr(); openErr != nil {
			return nil, fmt.Errorf("open transport: %w", openErr)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("initialize session: %w", ctxErr)
		}
		if errors.Is(handshakeCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: server did not respond within %s, it may be starting up or not speaking MCP", ErrHandshakeTimeout, timeout)
		}
		return nil, fmt.Errorf("initialize session: %w", err)
	}
	stack.push("session", cs.Close)
	return &sdkSession{cs: cs, stack: stack}, nil
}

// sdkSession adapts an MCP SDK client session to Session.
type sdkSession struct {
	cs    *sdk.ClientSession
	stack *releaseStack
}

func (s *sdkSession) ListTools(ctx context.Context) ([]Tool, error) {
	var out []Tool
	params := &sdk.ListToolsParams{}
	for page := 0; page < maxListPages; page++ {
		res, err := s.cs.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		for _, t := range res.Tools {
			if t == nil {
				continue
			}
			out = append(out, Tool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schemaMap(t.InputSchema),
			})
		}
		if res.NextCursor == "" || res.NextCursor == params.Cursor {
			break
		}
		params = &sdk.ListToolsParams{Cursor: res.NextCursor}
	}
	return out, nil
}

func (s *sdkSession) ListResources(ctx context.Context) ([]Resource, error) {
	var out []Resource
	params := &sdk.ListResourcesParams{}
	for page := 0; page < maxListPages; page++ {
		res, err := s.cs.ListResources(ctx, params)
		if err != nil {
			return nil, err
		}
		for _, r := range res.Resources {
			if r == nil {
				continue
			}
			out = append(out, Resource{
				Name:        r.Name,
				URI:         r.URI,
				MIMEType:    r.MIMEType,
				Description: r.Description,
			})
		}
		if res.NextCursor == "" || res.NextCursor == params.Cursor {
			break
		}
		params = &sdk.ListResourcesParams{Cursor: res.NextCursor}
	}
	return out, nil
}

func (s *sdkSession) ListPrompts(ctx context.Context) ([]Prompt, error) {
	var out []Prompt
	params := &sdk.ListPromptsParams{}
	for page := 0; page < maxListPages; page++ {
		res, err := s.cs.ListPrompts(ctx, params)
		if err != nil {
			return nil, err
		}
		for _, p := range res.Prompts {
			if p == nil {
				continue
			}
			prompt := Prompt{Name: p.Name, Description: p.Description, Arguments: []PromptArgument{}}
			for _, arg := range p.Arguments {
				if arg == nil {
					continue
				}
				prompt.Arguments = append(prompt.Arguments, PromptArgument{
					Name:        arg.Name,
					Description: arg.Description,
					Required:    arg.Required,
				})
			}
			out = append(out, prompt)
		}
		if res.NextCursor == "" || res.NextCursor == params.Cursor {
			break
		}
		params = &sdk.ListPromptsParams{Cursor: res.NextCursor}
	}
	return out, nil
}

func (s *sdkSession) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	res, err := s.cs.CallTool(ctx, &sdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}

	out := &CallResult{IsError: res.IsError, Structured: res.StructuredContent}
	for _, item := range res.Content {
		switch c := item.(type) {
		case *sdk.TextContent:
			out.Content = append(out.Content, Content{Kind: ContentText, Text: c.Text})
		case *sdk.ImageContent:
			out.Content = append(out.Content, Content{Kind: ContentImage, MIMEType: c.MIMEType})
		case *sdk.EmbeddedResource:
			uri := ""
			if c.Resource != nil {
				uri = c.Resource.URI
			}
			out.Content = append(out.Content, Content{Kind: ContentResource, URI: uri})
		default:
			raw, err := json.Marshal(item)
			if err != nil {
				raw = []byte(fmt.Sprint(item))
			}
			out.Content = append(out.Content, Content{Kind: ContentOther, Text: string(raw)})
		}
	}
	return out, nil
}

func (s *sdkSession) ReadResource(ctx context.Context, uri string) ([]Segment, error) {
	res, err := s.cs.ReadResource(ctx, &sdk.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, err
	}
	segments := make([]Segment, 0, len(res.Contents))
	for _, rc := range res.Contents {
		if rc == nil {
			continue
		}
		if rc.Blob != nil {
			segments = append(segments, Segment{Binary: true, MIMEType: rc.MIMEType})
			continue
		}
		segments = append(segments, Segment{Text: rc.Text, MIMEType: rc.MIMEType})
	}
	return segments, nil
}

func (s *sdkSession) GetPrompt(ctx context.Context, name string, args map[string]string) ([]Segment, error) {
	res, err := s.cs.GetPrompt(ctx, &sdk.GetPromptParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	segments := make([]Segment, 0, len(res.Messages))
	for _, msg := range res.Messages {
		if msg == nil {
			continue
		}
		switch c := msg.Content.(type) {
		case *sdk.TextContent:
			segments = append(segments, Segment{Text: c.Text})
		case *sdk.ImageContent:
			segments = append(segments, Segment{Binary: true, MIMEType: c.MIMEType})
		case *sdk.AudioContent:
			segments = append(segments, Segment{Binary: true, MIMEType: c.MIMEType})
		}
	}
	return segments, nil
}

func (s *sdkSession) Close() error {
	return s.stack.release()
}

// schemaMap normalizes whatever the SDK decoded into a plain JSON object.
func schemaMap(v any) map[string]any {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
