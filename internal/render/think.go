package render

import (
	"regexp"
	"strings"
)

var thinkBlockRe = regexp.MustCompile(`(?s)<think>(.*?)</think>`)

// SplitThink separates reasoning blocks, as emitted by deepseek and some
// ollama models, from the visible reply. Multiple blocks are joined with a
// blank line. found is false when the content has no think block.
func SplitThink(content string) (think, response string, found bool) {
	matches := thinkBlockRe.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return "", content, false
	}
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		if t := strings.TrimSpace(m[1]); t != "" {
			parts = append(parts, t)
		}
	}
	response = strings.TrimSpace(thinkBlockRe.ReplaceAllString(content, ""))
	return strings.Join(parts, "\n\n"), response, true
}
