package render

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// Renderer turns markdown into terminal output.
type Renderer interface {
	Render(string) (string, error)
}

// NewMarkdown returns a glamour renderer wrapped at width, or nil when the
// terminal style cannot be built.
func NewMarkdown(width int) Renderer {
	if width <= 0 {
		width = 100
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil
	}
	return r
}

var thinkStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("241")).
	Italic(true)

// Reply renders an assistant reply. Reasoning blocks are dimmed above the
// answer; a nil renderer prints markdown as is.
func Reply(content string, r Renderer) string {
	think, main, hasThink := SplitThink(content)
	var b strings.Builder
	if hasThink && think != "" {
		b.WriteString(thinkStyle.Render(think))
		b.WriteString("\n\n")
	}
	b.WriteString(markdown(main, r))
	return strings.TrimRight(b.String(), "\n")
}

func markdown(s string, r Renderer) string {
	if r == nil || strings.TrimSpace(s) == "" {
		return s
	}
	out, err := r.Render(s)
	if err != nil {
		return s
	}
	return out
}
