package mcp

import (
	"strings"
	"unicode/utf8"
)

const (
	toolNameSeparator  = "__"
	toolNamePrefix     = "action_"
	defaultDescription = "No description"
)

// CatalogEntry is one tool exposed to a model under a sanitized name.
type CatalogEntry struct {
	Name         string         `json:"name"`
	ConnectionID string         `json:"connection_id"`
	OriginalName string         `json:"original_name"`
	Description  string         `json:"description"`
	Parameters   map[string]any `json:"parameters"`
}

// ToolRef routes a sanitized name back to its server tool.
type ToolRef struct {
	ConnectionID string
	OriginalName string
}

// SanitizeToolName derives the catalog name for a server tool.
// The result matches [A-Za-z][A-Za-z0-9_]{0,62}.
func SanitizeToolName(connectionID, toolName string) string {
	raw := connectionID + toolNameSeparator + toolName

	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if isNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "" || !isASCIILetter(rune(name[0])) {
		name = toolNamePrefix + name
	}
	if len(name) > MaxToolNameLen {
		name = name[:MaxToolNameLen]
	}
	return name
}

func isASCIILetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isNameRune(r rune) bool {
	return isASCIILetter(r) || (r >= '0' && r <= '9') || r == '_'
}

func catalogEntry(connectionID string, tool Tool) CatalogEntry {
	return CatalogEntry{
		Name:         SanitizeToolName(connectionID, tool.Name),
		ConnectionID: connectionID,
		OriginalName: tool.Name,
		Description:  capDescription(tool.Description),
		Parameters:   parameterSchema(tool.InputSchema),
	}
}

func capDescription(desc string) string {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return defaultDescription
	}
	if utf8.RuneCountInString(desc) <= MaxDescriptionChars {
		return desc
	}
	runes := []rune(desc)
	return string(runes[:MaxDescriptionChars])
}

func parameterSchema(schema map[string]any) map[string]any {
	if len(schema) == 0 {
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	return schema
}
