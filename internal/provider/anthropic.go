package provider

import (
	"context"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/MEKXH/mcpstation/internal/mcp"
	"github.com/MEKXH/mcpstation/internal/session"
)

// Keys the Messages API tool schema layer does not accept.
var anthropicStripKeys = map[string]bool{
	"$schema":              true,
	"title":                true,
	"default":              true,
	"additionalProperties": true,
}

// MessageStreamer abstracts the Anthropic Messages API so adapters can be
// tested against canned event streams.
type MessageStreamer interface {
	NewStreaming(ctx context.Context, params anthropic.MessageNewParams) *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

type messageServiceAdapter struct {
	svc *anthropic.MessageService
}

func (a *messageServiceAdapter) NewStreaming(ctx context.Context, params anthropic.MessageNewParams) *ssestream.Stream[anthropic.MessageStreamEventUnion] {
	return a.svc.NewStreaming(ctx, params)
}

// NewMessageStreamer builds a streamer on the official client.
func NewMessageStreamer(apiKey, baseURL string) MessageStreamer {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)
	return &messageServiceAdapter{svc: &client.Messages}
}

// AnthropicAdapter serves turns through the native Messages API.
type AnthropicAdapter struct {
	name      string
	modelName string
	streamer  MessageStreamer
	gen       GenerationOptions
}

// NewAnthropicAdapter creates an adapter over streamer.
func NewAnthropicAdapter(name, modelName string, streamer MessageStreamer, gen GenerationOptions) *AnthropicAdapter {
	return &AnthropicAdapter{name: name, modelName: modelName, streamer: streamer, gen: gen}
}

func (a *AnthropicAdapter) Name() string  { return a.name }
func (a *AnthropicAdapter) Model() string { return a.modelName }

// TranslateHistory converts canonical turns into Messages API params.
// Tool results become user messages; adjacent user messages are merged
// because the API requires alternating roles.
func (a *AnthropicAdapter) TranslateHistory(turns []session.Turn) []anthropic.MessageParam {
	answered := answeredCalls(turns)
	msgs := make([]anthropic.MessageParam, 0, len(turns))

	appendUser := func(blocks ...anthropic.ContentBlockParamUnion) {
		if n := len(msgs); n > 0 && msgs[n-1].Role == anthropic.MessageParamRoleUser {
			msgs[n-1].Content = append(msgs[n-1].Content, blocks...)
			return
		}
		msgs = append(msgs, anthropic.NewUserMessage(blocks...))
	}

	for _, turn := range turns {
		switch turn.Role {
		case session.RoleUser:
			var blocks []anthropic.ContentBlockParamUnion
			if turn.Image != nil {
				blocks = append(blocks, anthropic.NewImageBlockBase64(turn.Image.MIMEType, turn.Image.Data))
			}
			if turn.Content != "" || len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(turn.Content))
			}
			appendUser(blocks...)
		case session.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if turn.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(turn.Content))
			}
			for _, call := range pairedCalls(turn.ToolCalls, answered) {
				args := call.Args
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, args, call.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			msgs = append(msgs, anthropic.NewAssistantMessage(blocks...))
		case session.RoleTool:
			appendUser(anthropic.NewToolResultBlock(turn.ToolCallID, mcp.TruncateForHistory(turn.Content), false))
		}
	}
	return msgs
}

// TranslateCatalog converts catalog entries into Messages API tools.
func (a *AnthropicAdapter) TranslateCatalog(entries []mcp.CatalogEntry) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(entries))
	for _, entry := range entries {
		cleaned := objectSchema(entry.Parameters, anthropicStripKeys)
		tools = append(tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        entry.Name,
				Description: anthropic.String(entry.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: cleaned["properties"],
					Required:   stringList(cleaned["required"]),
				},
			},
		})
	}
	return tools
}

func (a *AnthropicAdapter) params(system string, msgs []anthropic.MessageParam, tools []anthropic.ToolUnionParam) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.modelName),
		MaxTokens: int64(a.gen.MaxTokens),
		Messages:  msgs,
	}
	if a.gen.Temperature > 0 {
		params.Temperature = anthropic.Float(a.gen.Temperature)
	}
	if strings.TrimSpace(system) != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = tools
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfAuto: &anthropic.ToolChoiceAutoParam{DisableParallelToolUse: anthropic.Bool(true)},
		}
	}
	return params
}

// StreamTurn issues one streaming Messages call.
func (a *AnthropicAdapter) StreamTurn(ctx context.Context, req Request) (DeltaStream, error) {
	params := a.params(req.System, a.TranslateHistory(req.History), a.TranslateCatalog(req.Catalog))
	return &anthropicStream{stream: a.streamer.NewStreaming(ctx, params)}, nil
}

// Complete runs a single prompt and returns the concatenated text.
func (a *AnthropicAdapter) Complete(ctx context.Context, prompt string) (string, error) {
	msgs := []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))}
	stream := &anthropicStream{stream: a.streamer.NewStreaming(ctx, a.params("", msgs, nil))}
	defer stream.Close()

	var b strings.Builder
	for {
		delta, err := stream.Recv()
		if err == io.EOF {
			return b.String(), nil
		}
		if err != nil {
			return "", err
		}
		b.WriteString(delta.Text)
	}
}

type anthropicStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	err    error
}

func (s *anthropicStream) Recv() (Delta, error) {
	if s.err != nil {
		return Delta{}, s.err
	}
	for s.stream.Next() {
		event := s.stream.Current()
		index := int(event.Index)

		switch event.Type {
		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				return Delta{ToolCalls: []ToolCallDelta{{
					Index: index,
					ID:    event.ContentBlock.ID,
					Name:  event.ContentBlock.Name,
				}}}, nil
			}
		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					return Delta{Text: event.Delta.Text}, nil
				}
			case "input_json_delta":
				if event.Delta.PartialJSON != "" {
					return Delta{ToolCalls: []ToolCallDelta{{
						Index:     index,
						Arguments: event.Delta.PartialJSON,
					}}}, nil
				}
			}
		}
	}
	if err := s.stream.Err(); err != nil {
		s.err = err
		return Delta{}, err
	}
	s.err = io.EOF
	return Delta{}, io.EOF
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}
