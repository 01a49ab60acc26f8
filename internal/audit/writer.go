package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	auditFileMode = 0644
	auditDirMode  = 0755
	auditFileName = "audit.jsonl"
)

// Event types recorded by the gateway.
const (
	TypeConnect     = "mcp_connect"
	TypeDisconnect  = "mcp_disconnect"
	TypeToolExecute = "tool_execute"
)

// Event is one audit record written as a single JSON line.
type Event struct {
	Time         time.Time `json:"time"`
	Type         string    `json:"type"`
	RequestID    string    `json:"request_id,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Transport    string    `json:"transport,omitempty"`
	Target       string    `json:"target,omitempty"`
	Tool         string    `json:"tool,omitempty"`
	Result       string    `json:"result,omitempty"`
	DurationMs   int64     `json:"duration_ms,omitempty"`
}

// Writer appends audit events to <stateDir>/audit.jsonl.
type Writer struct {
	path string
	mu   sync.Mutex
}

// NewWriter creates an append-only audit writer inside stateDir.
func NewWriter(stateDir string) *Writer {
	return &Writer{
		path: filepath.Join(stateDir, auditFileName),
	}
}

// Path returns the audit file location.
func (w *Writer) Path() string {
	if w == nil {
		return ""
	}
	return w.path
}

// Append writes one event as one JSONL line. A nil writer discards events.
func (w *Writer) Append(event Event) error {
	if w == nil {
		return nil
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), auditDirMode); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, auditFileMode)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	encoded = append(encoded, '\n')

	if _, err := file.Write(encoded); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync audit file: %w", err)
	}
	return nil
}
