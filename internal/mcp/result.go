package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	resultEmpty        = "✅ Success (No output)"
	resultUnknownTool  = "Error: Tool %s not found."
	resultLostSession  = "Error: Connection lost."
	resultRemoteError  = "Tool Execution Error: "
	resultCallFailed   = "❌ Tool Exception: "
	truncationRuleSize = 60
)

var numberPrinter = message.NewPrinter(language.English)

// RenderCallResult flattens a successful or failed call into model-facing text.
func RenderCallResult(res *CallResult) string {
	if res == nil {
		return resultEmpty
	}
	if res.IsError {
		var texts []string
		for _, c := range res.Content {
			if c.Kind == ContentText {
				texts = append(texts, c.Text)
			}
		}
		return resultRemoteError + strings.Join(texts, "\n")
	}

	var parts []string
	if hasStructured(res.Structured) {
		if text, err := prettyJSON(res.Structured); err == nil {
			parts = append(parts, text)
		} else {
			parts = append(parts, fmt.Sprint(res.Structured))
		}
	}
	for _, c := range res.Content {
		switch c.Kind {
		case ContentText:
			parts = append(parts, c.Text)
		case ContentImage:
			parts = append(parts, fmt.Sprintf("[Image Returned: %s]", c.MIMEType))
		case ContentResource:
			parts = append(parts, fmt.Sprintf("[Resource Embedded: %s]", c.URI))
		default:
			parts = append(parts, c.Text)
		}
	}

	out := strings.Join(parts, "\n")
	if strings.TrimSpace(out) == "" {
		return resultEmpty
	}
	return out
}

func prettyJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// TruncateResult caps text at MaxResultChars characters and appends a banner
// with the original length. It reports whether truncation happened.
func TruncateResult(text string) (string, bool) {
	n := utf8.RuneCountInString(text)
	if n <= MaxResultChars {
		return text, false
	}
	rule := strings.Repeat("=", truncationRuleSize)

	var b strings.Builder
	b.WriteString(string([]rune(text)[:MaxResultChars]))
	b.WriteString("\n\n")
	b.WriteString(rule)
	b.WriteString("\n⚠️  OUTPUT TRUNCATED FOR PERFORMANCE\n")
	b.WriteString(rule)
	b.WriteString(numberPrinter.Sprintf("\n📊 Original length: %d characters", n))
	b.WriteString(numberPrinter.Sprintf("\n📊 Displayed: %d characters", MaxResultChars))
	b.WriteString("\n💡 Tip: Ask me to summarize or extract specific parts\n")
	b.WriteString(rule)
	return b.String(), true
}

// TruncateForHistory re-caps a stored tool result before it is sent to a
// provider again.
func TruncateForHistory(text string) string {
	n := utf8.RuneCountInString(text)
	if n <= MaxResultChars {
		return text
	}
	return string([]rune(text)[:MaxResultChars]) +
		fmt.Sprintf("\n\n[... Output truncated. Total length: %d characters]", n)
}

// hasStructured reports whether structured content is worth rendering.
// Nil, zero scalars and empty objects, arrays or strings are skipped.
func hasStructured(v any) bool {
	if raw, ok := v.(json.RawMessage); ok {
		switch string(bytes.TrimSpace(raw)) {
		case "", "null", "{}", "[]", `""`:
			return false
		}
		return true
	}
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.String:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return !rv.IsZero()
}
