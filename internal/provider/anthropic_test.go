package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MEKXH/mcpstation/internal/mcp"
	"github.com/MEKXH/mcpstation/internal/session"
)

// mockStreamer replays canned SSE bodies and records the params it saw.
type mockStreamer struct {
	mu        sync.Mutex
	responses []string
	callIdx   int
	params    []anthropic.MessageNewParams
}

func newMockStreamer(responses ...string) *mockStreamer {
	return &mockStreamer{responses: responses}
}

func (m *mockStreamer) NewStreaming(_ context.Context, params anthropic.MessageNewParams) *ssestream.Stream[anthropic.MessageStreamEventUnion] {
	m.mu.Lock()
	idx := m.callIdx
	m.callIdx++
	m.params = append(m.params, params)
	m.mu.Unlock()

	if idx >= len(m.responses) {
		return ssestream.NewStream[anthropic.MessageStreamEventUnion](nil, fmt.Errorf("no more mock responses"))
	}

	resp := &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(strings.NewReader(m.responses[idx])),
		Header:     http.Header{},
	}
	return ssestream.NewStream[anthropic.MessageStreamEventUnion](ssestream.NewDecoder(resp), nil)
}

type sseEvent struct {
	Type string
	Data string
}

func buildSSE(events ...sseEvent) string {
	var sb strings.Builder
	for _, e := range events {
		sb.WriteString(fmt.Sprintf("event: %s\ndata: %s\n\n", e.Type, e.Data))
	}
	return sb.String()
}

func messageStart() sseEvent {
	return sseEvent{
		Type: "message_start",
		Data: `{"type":"message_start","message":{"id":"msg_test","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-5","stop_reason":null,"usage":{"input_tokens":10,"output_tokens":0}}}`,
	}
}

func textBlockStart(index int) sseEvent {
	return sseEvent{
		Type: "content_block_start",
		Data: fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"text","text":""}}`, index),
	}
}

func textDelta(index int, text string) sseEvent {
	return sseEvent{
		Type: "content_block_delta",
		Data: fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"text_delta","text":"%s"}}`, index, text),
	}
}

func blockStop(index int) sseEvent {
	return sseEvent{
		Type: "content_block_stop",
		Data: fmt.Sprintf(`{"type":"content_block_stop","index":%d}`, index),
	}
}

func toolUseStart(index int, id, name string) sseEvent {
	return sseEvent{
		Type: "content_block_start",
		Data: fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"tool_use","id":"%s","name":"%s","input":{}}}`, index, id, name),
	}
}

func inputJSONDelta(index int, json string) sseEvent {
	return sseEvent{
		Type: "content_block_delta",
		Data: fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"input_json_delta","partial_json":"%s"}}`, index, json),
	}
}

func messageDelta(stopReason string) sseEvent {
	return sseEvent{
		Type: "message_delta",
		Data: fmt.Sprintf(`{"type":"message_delta","delta":{"stop_reason":"%s","stop_sequence":null},"usage":{"output_tokens":5}}`, stopReason),
	}
}

func messageStop() sseEvent {
	return sseEvent{Type: "message_stop", Data: `{"type":"message_stop"}`}
}

func drain(t *testing.T, stream DeltaStream) (string, map[int]*ToolCallDelta) {
	t.Helper()
	var text strings.Builder
	calls := map[int]*ToolCallDelta{}
	for {
		d, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return text.String(), calls
		}
		require.NoError(t, err)
		text.WriteString(d.Text)
		for _, tc := range d.ToolCalls {
			acc, ok := calls[tc.Index]
			if !ok {
				acc = &ToolCallDelta{Index: tc.Index}
				calls[tc.Index] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Name != "" {
				acc.Name = tc.Name
			}
			acc.Arguments += tc.Arguments
		}
	}
}

func TestAnthropicAdapter_StreamsTextAndToolCall(t *testing.T) {
	sse := buildSSE(
		messageStart(),
		textBlockStart(0),
		textDelta(0, "Generating "),
		textDelta(0, "a password."),
		blockStop(0),
		toolUseStart(1, "toolu_1", "tools__generate_secure_password"),
		inputJSONDelta(1, `{\"length\":`),
		inputJSONDelta(1, ` 24}`),
		blockStop(1),
		messageDelta("tool_use"),
		messageStop(),
	)
	streamer := newMockStreamer(sse)
	a := NewAnthropicAdapter(NameAnthropic, "claude-sonnet-4-5", streamer, GenerationOptions{MaxTokens: 2048, Temperature: 0.7})

	stream, err := a.StreamTurn(context.Background(), Request{
		System:  "be helpful",
		History: []session.Turn{{Role: session.RoleUser, Content: "password please"}},
		Catalog: []mcp.CatalogEntry{{
			Name:        "tools__generate_secure_password",
			Description: "Generate a password",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"length": map[string]any{"type": "integer", "default": 16}},
				"required":   []any{"length"},
			},
		}},
	})
	require.NoError(t, err)
	defer stream.Close()

	text, calls := drain(t, stream)
	assert.Equal(t, "Generating a password.", text)
	require.Len(t, calls, 1)
	call := calls[1]
	require.NotNil(t, call)
	assert.Equal(t, "toolu_1", call.ID)
	assert.Equal(t, "tools__generate_secure_password", call.Name)
	assert.Equal(t, `{"length": 24}`, call.Arguments)

	require.Len(t, streamer.params, 1)
	params := streamer.params[0]
	require.Len(t, params.System, 1)
	assert.Equal(t, "be helpful", params.System[0].Text)
	assert.Equal(t, int64(2048), params.MaxTokens)
	require.Len(t, params.Tools, 1)
	tool := params.Tools[0].OfTool
	require.NotNil(t, tool)
	assert.Equal(t, "tools__generate_secure_password", tool.Name)
	assert.Equal(t, []string{"length"}, tool.InputSchema.Required)
	props := tool.InputSchema.Properties.(map[string]any)
	assert.NotContains(t, props["length"], "default")
	require.NotNil(t, params.ToolChoice.OfAuto)
	assert.True(t, params.ToolChoice.OfAuto.DisableParallelToolUse.Value)
}

func TestAnthropicAdapter_StreamError(t *testing.T) {
	a := NewAnthropicAdapter(NameAnthropic, "m", newMockStreamer(), GenerationOptions{MaxTokens: 16})
	stream, err := a.StreamTurn(context.Background(), Request{
		History: []session.Turn{{Role: session.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	_, err = stream.Recv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no more mock responses")
	_, err = stream.Recv()
	assert.Error(t, err, "error must be sticky")
}

func TestAnthropicAdapter_TranslateHistory(t *testing.T) {
	a := NewAnthropicAdapter(NameAnthropic, "m", newMockStreamer(), GenerationOptions{MaxTokens: 16})
	turns := []session.Turn{
		{Role: session.RoleUser, Content: "describe", Image: &session.Image{MIMEType: "image/png", Data: "QUJD"}},
		{Role: session.RoleAssistant, Content: "", ToolCalls: []session.ToolCall{
			{ID: "t1", Name: "tools__calculate_hash", Args: map[string]any{"text": "x"}},
			{ID: "t2", Name: "tools__generate_uuid"},
		}},
		{Role: session.RoleTool, ToolCallID: "t1", Content: strings.Repeat("h", 8001)},
		{Role: session.RoleAssistant, ToolCalls: []session.ToolCall{{ID: "t3", Name: "tools__generate_uuid"}}},
		{Role: session.RoleUser, Content: "never mind"},
	}

	msgs := a.TranslateHistory(turns)
	require.Len(t, msgs, 3)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[0].Role)
	require.Len(t, msgs[0].Content, 2)
	assert.NotNil(t, msgs[0].Content[0].OfImage)
	assert.NotNil(t, msgs[0].Content[1].OfText)

	assert.Equal(t, anthropic.MessageParamRoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].Content, 1, "orphaned call t2 is dropped")
	require.NotNil(t, msgs[1].Content[0].OfToolUse)
	assert.Equal(t, "t1", msgs[1].Content[0].OfToolUse.ID)

	// The tool result and the follow-up user text share one user message;
	// the assistant turn whose only call was never answered disappears.
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[2].Role)
	require.Len(t, msgs[2].Content, 2)
	result := msgs[2].Content[0].OfToolResult
	require.NotNil(t, result)
	assert.Equal(t, "t1", result.ToolUseID)
	require.Len(t, result.Content, 1)
	assert.Contains(t, result.Content[0].OfText.Text, "Total length: 8001 characters")
	assert.Equal(t, "never mind", msgs[2].Content[1].OfText.Text)
}

func TestAnthropicAdapter_Complete(t *testing.T) {
	sse := buildSSE(
		messageStart(),
		textBlockStart(0),
		textDelta(0, "Hash Tool Demo"),
		blockStop(0),
		messageDelta("end_turn"),
		messageStop(),
	)
	streamer := newMockStreamer(sse)
	a := NewAnthropicAdapter(NameAnthropic, "m", streamer, GenerationOptions{MaxTokens: 64})

	got, err := a.Complete(context.Background(), TitlePrompt("hash hello"))
	require.NoError(t, err)
	assert.Equal(t, "Hash Tool Demo", got)
	require.Len(t, streamer.params, 1)
	assert.Empty(t, streamer.params[0].Tools)
	assert.Empty(t, streamer.params[0].System)
}
