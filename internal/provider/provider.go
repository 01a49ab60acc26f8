package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MEKXH/mcpstation/internal/mcp"
	"github.com/MEKXH/mcpstation/internal/session"
)

var (
	// ErrUnknownProvider is returned for a provider name the registry does not know.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrUnavailable is returned when a known provider has no usable credentials.
	ErrUnavailable = errors.New("provider not available")
)

// Adapter turns canonical history plus the live tool catalog into one
// streamed model turn. Each backend family implements it once.
type Adapter interface {
	Name() string
	Model() string
	StreamTurn(ctx context.Context, req Request) (DeltaStream, error)
	Complete(ctx context.Context, prompt string) (string, error)
}

// Request is the provider-independent input of one turn.
type Request struct {
	System  string
	History []session.Turn
	Catalog []mcp.CatalogEntry
}

// ToolCallDelta is one fragment of a streamed tool call. Fragments sharing
// an Index belong to the same call; Arguments fragments concatenate in order.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Delta is one increment of a streamed turn.
type Delta struct {
	Text      string
	ToolCalls []ToolCallDelta
}

// DeltaStream yields deltas until Recv returns io.EOF.
type DeltaStream interface {
	Recv() (Delta, error)
	Close() error
}

// GenerationOptions are the sampling knobs shared by all backends.
type GenerationOptions struct {
	MaxTokens   int
	Temperature float64
}

const (
	systemPromptToolLimit = 10

	systemPromptBase = "You are a helpful AI assistant."

	systemPromptRules = `IMPORTANT INSTRUCTIONS:
- When users ask "what tools do you have" or "list your tools", simply DESCRIBE the available tools in natural language. DO NOT execute them.
- Only use tools when the user specifically asks you to perform an action (e.g., "fetch the documentation", "get the data").
- If a tool returns a lot of data, summarize it concisely.
- Always explain what you're doing before using a tool.`
)

// SystemPrompt builds the instruction prepended to every turn.
func SystemPrompt(catalog []mcp.CatalogEntry) string {
	var b strings.Builder
	if len(catalog) == 0 {
		b.WriteString(systemPromptBase)
		b.WriteString("\n\n")
		b.WriteString(systemPromptRules)
		return b.String()
	}

	b.WriteString("You are a helpful AI assistant with access to tools.\n\nAvailable Tools:\n")
	for i, entry := range catalog {
		if i == systemPromptToolLimit {
			break
		}
		fmt.Fprintf(&b, "- %s: %s\n", entry.Name, entry.Description)
	}
	b.WriteString("\n")
	b.WriteString(systemPromptRules)
	return b.String()
}

// TitlePrompt asks a model for a short session title.
func TitlePrompt(content string) string {
	return "Generate a short 3-5 word title for this message: " + content
}

// answeredCalls collects tool call ids that have a matching tool-result turn.
func answeredCalls(turns []session.Turn) map[string]bool {
	answered := make(map[string]bool)
	for _, turn := range turns {
		if turn.Role == session.RoleTool && turn.ToolCallID != "" {
			answered[turn.ToolCallID] = true
		}
	}
	return answered
}

// pairedCalls drops tool calls that never received a result; backends reject
// an assistant tool call without its answer.
func pairedCalls(calls []session.ToolCall, answered map[string]bool) []session.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]session.ToolCall, 0, len(calls))
	for _, call := range calls {
		if answered[call.ID] {
			out = append(out, call)
		}
	}
	return out
}

func encodeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// cleanSchema copies a JSON schema without the keys in strip, filling a
// missing type with object (when properties exist) or string. Nested
// properties and items are cleaned the same way.
func cleanSchema(schema map[string]any, strip map[string]bool) map[string]any {
	out := make(map[string]any, len(schema)+1)
	for k, v := range schema {
		if strip[k] {
			continue
		}
		out[k] = v
	}

	if _, ok := out["type"]; !ok {
		if _, hasProps := out["properties"]; hasProps {
			out["type"] = "object"
		} else {
			out["type"] = "string"
		}
	}

	if props, ok := out["properties"].(map[string]any); ok {
		cleaned := make(map[string]any, len(props))
		for name, prop := range props {
			if sub, ok := prop.(map[string]any); ok {
				cleaned[name] = cleanSchema(sub, strip)
			} else {
				cleaned[name] = prop
			}
		}
		out["properties"] = cleaned
	}
	if items, ok := out["items"].(map[string]any); ok {
		out["items"] = cleanSchema(items, strip)
	}
	return out
}

// objectSchema is a tool's parameter schema after cleaning. A tool without
// parameters still needs an object root.
func objectSchema(params map[string]any, strip map[string]bool) map[string]any {
	if len(params) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	cleaned := cleanSchema(params, strip)
	if cleaned["type"] != "object" {
		cleaned["type"] = "object"
	}
	if _, ok := cleaned["properties"]; !ok {
		cleaned["properties"] = map[string]any{}
	}
	return cleaned
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// CleanTitle normalizes a model-generated title.
func CleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, "\"'`")
	title = strings.TrimSpace(title)
	runes := []rune(title)
	if len(runes) > 50 {
		title = string(runes[:50])
	}
	return title
}

func toFloat32Ptr(f float64) *float32 {
	v := float32(f)
	return &v
}

func toIntPtr(i int) *int {
	return &i
}
