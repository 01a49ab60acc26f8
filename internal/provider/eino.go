package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/eino-contrib/jsonschema"

	"github.com/MEKXH/mcpstation/internal/mcp"
	"github.com/MEKXH/mcpstation/internal/session"
)

// Keys the OpenAI-style function layers reject or ignore.
var einoStripKeys = map[string]bool{
	"$schema":  true,
	"$id":      true,
	"title":    true,
	"default":  true,
	"examples": true,
}

// EinoAdapter serves turns through any eino tool-calling chat model
// (OpenAI-compatible endpoints, Claude, Ollama).
type EinoAdapter struct {
	name      string
	modelName string
	chat      model.ToolCallingChatModel
}

// NewEinoAdapter wraps an eino chat model under a provider name.
func NewEinoAdapter(name, modelName string, chat model.ToolCallingChatModel) *EinoAdapter {
	return &EinoAdapter{name: name, modelName: modelName, chat: chat}
}

func (a *EinoAdapter) Name() string  { return a.name }
func (a *EinoAdapter) Model() string { return a.modelName }

// TranslateHistory converts canonical turns into eino messages, one per turn.
func (a *EinoAdapter) TranslateHistory(turns []session.Turn) []*schema.Message {
	answered := answeredCalls(turns)
	msgs := make([]*schema.Message, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case session.RoleUser:
			msgs = append(msgs, einoUserMessage(turn))
		case session.RoleAssistant:
			msg := &schema.Message{Role: schema.Assistant, Content: turn.Content}
			for _, call := range pairedCalls(turn.ToolCalls, answered) {
				msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
					ID:   call.ID,
					Type: "function",
					Function: schema.FunctionCall{
						Name:      call.Name,
						Arguments: encodeArgs(call.Args),
					},
				})
			}
			msgs = append(msgs, msg)
		case session.RoleTool:
			msgs = append(msgs, &schema.Message{
				Role:       schema.Tool,
				Content:    mcp.TruncateForHistory(turn.Content),
				ToolCallID: turn.ToolCallID,
				ToolName:   turn.ToolName,
			})
		}
	}
	return msgs
}

func einoUserMessage(turn session.Turn) *schema.Message {
	if turn.Image == nil {
		return schema.UserMessage(turn.Content)
	}
	return &schema.Message{
		Role: schema.User,
		MultiContent: []schema.ChatMessagePart{
			{Type: schema.ChatMessagePartTypeText, Text: turn.Content},
			{
				Type: schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{
					URL:      turn.Image.DataURL(),
					MIMEType: turn.Image.MIMEType,
				},
			},
		},
	}
}

// TranslateCatalog converts catalog entries into eino tool definitions.
func (a *EinoAdapter) TranslateCatalog(entries []mcp.CatalogEntry) ([]*schema.ToolInfo, error) {
	tools := make([]*schema.ToolInfo, 0, len(entries))
	for _, entry := range entries {
		raw, err := json.Marshal(objectSchema(entry.Parameters, einoStripKeys))
		if err != nil {
			return nil, fmt.Errorf("encode schema for %s: %w", entry.Name, err)
		}
		js := &jsonschema.Schema{}
		if err := json.Unmarshal(raw, js); err != nil {
			return nil, fmt.Errorf("decode schema for %s: %w", entry.Name, err)
		}
		tools = append(tools, &schema.ToolInfo{
			Name:        entry.Name,
			Desc:        entry.Description,
			ParamsOneOf: schema.NewParamsOneOfByJSONSchema(js),
		})
	}
	return tools, nil
}

// StreamTurn issues one streaming generation call.
func (a *EinoAdapter) StreamTurn(ctx context.Context, req Request) (DeltaStream, error) {
	tools, err := a.TranslateCatalog(req.Catalog)
	if err != nil {
		return nil, err
	}

	msgs := make([]*schema.Message, 0, len(req.History)+1)
	if strings.TrimSpace(req.System) != "" {
		msgs = append(msgs, schema.SystemMessage(req.System))
	}
	msgs = append(msgs, a.TranslateHistory(req.History)...)

	chat := a.chat
	if len(tools) > 0 {
		chat, err = a.chat.WithTools(tools)
		if err != nil {
			return nil, fmt.Errorf("bind tools: %w", err)
		}
	}

	reader, err := chat.Stream(ctx, msgs)
	if err != nil {
		return nil, err
	}
	return &einoStream{reader: reader, names: map[int]string{}}, nil
}

// Complete runs a single non-streaming prompt.
func (a *EinoAdapter) Complete(ctx context.Context, prompt string) (string, error) {
	msg, err := a.chat.Generate(ctx, []*schema.Message{schema.UserMessage(prompt)})
	if err != nil {
		return "", err
	}
	if msg == nil {
		return "", nil
	}
	return msg.Content, nil
}

// einoStream turns eino message chunks into deltas. Some eino backends
// repeat the full function name on every chunk of a call, so once a call
// has started with an ID and a name, later ID-less chunks carrying that
// same name have it cleared.
type einoStream struct {
	reader *schema.StreamReader[*schema.Message]
	names  map[int]string
}

func (s *einoStream) Recv() (Delta, error) {
	for {
		msg, err := s.reader.Recv()
		if err != nil {
			return Delta{}, err
		}
		if msg == nil {
			continue
		}
		delta := Delta{Text: msg.Content}
		for i, tc := range msg.ToolCalls {
			index := i
			if tc.Index != nil {
				index = *tc.Index
			}
			name := tc.Function.Name
			switch {
			case tc.ID != "" && name != "":
				s.names[index] = name
			case tc.ID == "" && name != "" && s.names[index] == name:
				name = ""
			}
			delta.ToolCalls = append(delta.ToolCalls, ToolCallDelta{
				Index:     index,
				ID:        tc.ID,
				Name:      name,
				Arguments: tc.Function.Arguments,
			})
		}
		return delta, nil
	}
}

func (s *einoStream) Close() error {
	s.reader.Close()
	return nil
}
