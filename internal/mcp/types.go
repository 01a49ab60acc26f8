package mcp

import (
	"context"
	"errors"
	"time"
)

// Kind names the transport carrying a capability session.
type Kind string

const (
	KindPipe        Kind = "stdio"
	KindEventStream Kind = "sse"
	KindHTTPStream  Kind = "http"
)

const (
	// HandshakeTimeout bounds capability session initialization.
	HandshakeTimeout = 30 * time.Second
	// EventStreamTimeout bounds the event-stream connect and response headers.
	EventStreamTimeout = 120 * time.Second
	// MaxResultChars caps tool output fed back to a model.
	MaxResultChars = 8000
	// MaxDescriptionChars caps catalog tool descriptions.
	MaxDescriptionChars = 1024
	// MaxToolNameLen is the longest catalog name a provider accepts.
	MaxToolNameLen = 63
)

var (
	// ErrValidation marks a malformed target/type combination or empty command.
	ErrValidation = errors.New("invalid connection request")
	// ErrScriptNotFound marks a local script that could not be located.
	ErrScriptNotFound = errors.New("script not found")
	// ErrHandshakeTimeout marks a server that did not finish initialization in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrConnectionNotFound marks an unknown connection id.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrUnsupportedTransport marks a kind with no configured connector.
	ErrUnsupportedTransport = errors.New("unsupported transport")
)

// Target is a normalized connection destination.
type Target struct {
	Kind    Kind   `json:"type"`
	Address string `json:"target"`
}

// Tool is one tool advertised by a server.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Resource is one resource advertised by a server.
type Resource struct {
	Name        string `json:"name"`
	URI         string `json:"uri"`
	MIMEType    string `json:"mimeType,omitempty"`
	Description string `json:"description,omitempty"`
}

// PromptArgument describes one prompt parameter.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// Prompt is one prompt template advertised by a server.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments"`
}

// ContentKind classifies a tool result item.
type ContentKind int

const (
	ContentText ContentKind = iota
	ContentImage
	ContentResource
	ContentOther
)

// Content is one item of a tool result.
type Content struct {
	Kind     ContentKind
	Text     string
	MIMEType string
	URI      string
}

// CallResult is the decoded outcome of a tool invocation.
type CallResult struct {
	IsError    bool
	Structured any
	Content    []Content
}

// Segment is one piece of a resource or prompt body.
type Segment struct {
	Text     string
	Binary   bool
	MIMEType string
}

// Session is one live capability session.
type Session interface {
	ListTools(ctx context.Context) ([]Tool, error)
	ListResources(ctx context.Context) ([]Resource, error)
	ListPrompts(ctx context.Context) ([]Prompt, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error)
	ReadResource(ctx context.Context, uri string) ([]Segment, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) ([]Segment, error)
	Close() error
}

// Connector opens a session over one transport kind.
type Connector interface {
	Connect(ctx context.Context, target Target) (Session, error)
}

// Connectors groups supported transport connectors.
type Connectors struct {
	Pipe        Connector
	EventStream Connector
	HTTPStream  Connector
}

func (c Connectors) forKind(kind Kind) Connector {
	switch kind {
	case KindPipe:
		return c.Pipe
	case KindEventStream:
		return c.EventStream
	case KindHTTPStream:
		return c.HTTPStream
	}
	return nil
}

// Counts summarizes discovery for one connection.
type Counts struct {
	Tools     int `json:"tools"`
	Resources int `json:"resources"`
	Prompts   int `json:"prompts"`
}

// ConnectionStatus represents current manager state for one connection.
type ConnectionStatus struct {
	ID          string    `json:"id"`
	Transport   Kind      `json:"transport"`
	Target      string    `json:"target"`
	Tools       int       `json:"tools"`
	Resources   int       `json:"resources"`
	Prompts     int       `json:"prompts"`
	ConnectedAt time.Time `json:"connected_at"`
}

// ResourceEntry is a resource tagged with its owning connection.
type ResourceEntry struct {
	ConnectionID string `json:"connection_id"`
	Resource
}

// PromptEntry is a prompt tagged with its owning connection.
type PromptEntry struct {
	ConnectionID string `json:"connection_id"`
	Prompt
}
