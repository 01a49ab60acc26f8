package commands

import (
	"context"
	"strings"
	"testing"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/MEKXH/mcpstation/internal/approval"
	"github.com/MEKXH/mcpstation/internal/session"
)

type fakeSessions struct {
	created int
}

func (f *fakeSessions) CreateSession(ctx context.Context, title string) (*session.Session, error) {
	f.created++
	return &session.Session{ID: "fresh", Title: "New Chat"}, nil
}

func TestView_RendersFooter(t *testing.T) {
	m := model{
		textarea: textarea.New(),
		viewport: viewport.New(10, 10),
		spinner:  spinner.New(),
		thinking: false,
	}

	output := m.View()

	expected := []string{"Enter", "Send", "/new", "Reset", "Esc", "Quit"}
	for _, exp := range expected {
		if !strings.Contains(output, exp) {
			t.Errorf("expected view to contain %q, but it didn't. Output:\n%s", exp, output)
		}
	}
}

// drain runs cmd and returns the first turnMsg it produces.
func drain(t *testing.T, cmd tea.Cmd) (turnMsg, bool) {
	t.Helper()
	if cmd == nil {
		return turnMsg{}, false
	}
	switch msg := cmd().(type) {
	case turnMsg:
		return msg, true
	case tea.BatchMsg:
		for _, c := range msg {
			if tm, ok := drain(t, c); ok {
				return tm, true
			}
		}
	}
	return turnMsg{}, false
}

func typeAndSend(m *model, text string) tea.Cmd {
	m.textarea.SetValue(text)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return cmd
}

func TestChatModel_ApproveRoundTrip(t *testing.T) {
	runner := &fakeRunner{approvals: approval.NewService("")}
	m := newChatModel(context.Background(), runner, &fakeSessions{}, runner.approvals, "s1", "groq")
	m.renderer = nil

	cmd := typeAndSend(m, "make me a uuid")
	if !m.thinking {
		t.Fatal("expected thinking after send")
	}
	msg, ok := drain(t, cmd)
	if !ok {
		t.Fatal("expected a turn message")
	}
	m.Update(msg)
	if m.pending == nil || m.pending.Name != "knife__generate_uuid" {
		t.Fatalf("expected pending tool call, got %+v", m.pending)
	}
	if !strings.Contains(m.View(), "Approve") {
		t.Fatalf("expected approval footer, got:\n%s", m.View())
	}

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("y")})
	msg, ok = drain(t, cmd)
	if !ok {
		t.Fatal("expected a resumed turn message")
	}
	m.Update(msg)

	if len(runner.executed) != 1 || runner.executed[0].ToolCallID != "call_1" {
		t.Fatalf("expected call_1 executed, got %+v", runner.executed)
	}
	if m.pending != nil || m.thinking {
		t.Fatalf("expected idle model, pending=%+v thinking=%v", m.pending, m.thinking)
	}
	joined := strings.Join(m.transcript, "\n")
	for _, want := range []string{"make me a uuid", "Let me check.", "0b7c1d9e", "Here is your id."} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in transcript, got: %s", want, joined)
		}
	}
}

func TestChatModel_DeclineRejectsApproval(t *testing.T) {
	runner := &fakeRunner{approvals: approval.NewService("")}
	m := newChatModel(context.Background(), runner, &fakeSessions{}, runner.approvals, "s1", "")
	m.renderer = nil

	msg, _ := drain(t, typeAndSend(m, "uuid please"))
	m.Update(msg)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("n")})
	if cmd != nil {
		t.Fatal("expected no command on decline")
	}
	if m.pending != nil {
		t.Fatal("expected pending cleared")
	}
	reqs, err := runner.approvals.List(approval.Query{ID: "call_1", Status: approval.StatusRejected})
	if err != nil || len(reqs) != 1 {
		t.Fatalf("expected rejected approval, got %+v (%v)", reqs, err)
	}
}

func TestChatModel_NewResetsSession(t *testing.T) {
	sessions := &fakeSessions{}
	m := newChatModel(context.Background(), &fakeRunner{}, sessions, nil, "s1", "")
	m.notice("hello")

	if cmd := typeAndSend(m, "/new"); cmd != nil {
		t.Fatal("expected /new to run synchronously")
	}
	if sessions.created != 1 || m.sessionID != "fresh" {
		t.Fatalf("expected new session, got id=%s created=%d", m.sessionID, sessions.created)
	}
	if len(m.transcript) != 1 || !strings.Contains(m.transcript[0], "fresh") {
		t.Fatalf("expected transcript reset, got %v", m.transcript)
	}
}

func TestChatModel_EmptyInputIgnored(t *testing.T) {
	m := newChatModel(context.Background(), &fakeRunner{}, &fakeSessions{}, nil, "s1", "")
	if cmd := typeAndSend(m, "   "); cmd != nil {
		t.Fatal("expected no command for blank input")
	}
	if m.thinking {
		t.Fatal("expected idle model")
	}
}
