package chat

import (
	"encoding/json"
)

// EventType names a canonical stream event.
type EventType string

const (
	EventText                EventType = "text"
	EventToolApprovalRequest EventType = "tool_approval_request"
	EventToolResult          EventType = "tool_result"
	EventError               EventType = "error"
	EventDone                EventType = "done"
)

// DoneSentinel terminates every turn on the wire.
const DoneSentinel = "[DONE]"

// ToolRequest is the tool call surfaced for approval.
type ToolRequest struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Event is one provider-independent stream event.
type Event struct {
	Type    EventType
	Content string
	Tool    *ToolRequest
	Name    string
	Result  string
	Err     string
}

// TextEvent relays an incremental piece of assistant text.
func TextEvent(content string) Event { return Event{Type: EventText, Content: content} }

// ApprovalEvent asks the caller to approve a tool call.
func ApprovalEvent(req ToolRequest) Event {
	return Event{Type: EventToolApprovalRequest, Tool: &req}
}

// ToolResultEvent reports an executed tool before the turn resumes.
func ToolResultEvent(name, result string) Event {
	return Event{Type: EventToolResult, Name: name, Result: result}
}

// ErrorEvent reports a terminal turn failure.
func ErrorEvent(msg string) Event { return Event{Type: EventError, Err: msg} }

// DoneEvent marks the end of a turn.
func DoneEvent() Event { return Event{Type: EventDone} }

// MarshalJSON renders the wire shape of each event type.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventText:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Content string    `json:"content"`
		}{e.Type, e.Content})
	case EventToolApprovalRequest:
		tool := e.Tool
		if tool == nil {
			tool = &ToolRequest{}
		}
		if tool.Args == nil {
			clone := *tool
			clone.Args = map[string]any{}
			tool = &clone
		}
		return json.Marshal(struct {
			Type EventType    `json:"type"`
			Tool *ToolRequest `json:"tool"`
		}{e.Type, tool})
	case EventToolResult:
		return json.Marshal(struct {
			Type   EventType `json:"type"`
			Tool   string    `json:"tool"`
			Result string    `json:"result"`
		}{e.Type, e.Name, e.Result})
	case EventError:
		return json.Marshal(struct {
			Error string `json:"error"`
		}{e.Err})
	default:
		return json.Marshal(struct {
			Type EventType `json:"type"`
		}{e.Type})
	}
}

// Line encodes the event as one line of the wire stream. The done event
// becomes the sentinel.
func (e Event) Line() (string, error) {
	if e.Type == EventDone {
		return DoneSentinel, nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Sink receives the events of a turn in order.
type Sink interface {
	Send(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Send(e Event) error { return f(e) }
