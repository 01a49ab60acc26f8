package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a session or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTurn is returned when a turn fails validation before persistence.
	ErrInvalidTurn = errors.New("invalid turn")
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Image is an inline image attached to a user turn. Data is base64 without a data URL prefix.
type Image struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

// Turn is one provider-independent conversation step.
type Turn struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Image      *Image     `json:"image,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	Truncated  bool       `json:"truncated,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Validate checks the role-specific shape of a turn.
func (t *Turn) Validate() error {
	if !t.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidTurn, t.Role)
	}
	if t.Role == RoleTool && strings.TrimSpace(t.ToolCallID) == "" {
		return fmt.Errorf("%w: tool result without tool_call_id", ErrInvalidTurn)
	}
	if t.Role != RoleAssistant && len(t.ToolCalls) > 0 {
		return fmt.Errorf("%w: only assistant turns carry tool calls", ErrInvalidTurn)
	}
	return nil
}

// Session is a titled conversation.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ParseDataURL splits "data:image/png;base64,AAAA" into an Image.
// Bare base64 is accepted with a default image/jpeg type.
func ParseDataURL(raw string) *Image {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if !strings.HasPrefix(raw, "data:") {
		return &Image{MIMEType: "image/jpeg", Data: raw}
	}
	header, data, ok := strings.Cut(raw, ",")
	if !ok {
		return nil
	}
	mime := strings.TrimPrefix(header, "data:")
	mime = strings.TrimSuffix(mime, ";base64")
	if mime == "" {
		mime = "image/jpeg"
	}
	return &Image{MIMEType: mime, Data: data}
}

// DataURL renders the image back into data URL form.
func (i *Image) DataURL() string {
	if i == nil {
		return ""
	}
	return "data:" + i.MIMEType + ";base64," + i.Data
}
