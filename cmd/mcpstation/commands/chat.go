package commands

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/MEKXH/mcpstation/internal/approval"
	"github.com/MEKXH/mcpstation/internal/chat"
	"github.com/MEKXH/mcpstation/internal/config"
	"github.com/MEKXH/mcpstation/internal/render"
	"github.com/MEKXH/mcpstation/internal/session"
)

func NewChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with tool approval prompts",
		RunE:  runChat,
	}
	cmd.Flags().String("session", "", "Continue an existing session")
	cmd.Flags().String("provider", "", "Provider for this chat (default: configured default)")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	st, err := openStation(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())
	n := st.connectServers(ctx)

	sessionID, _ := cmd.Flags().GetString("session")
	if strings.TrimSpace(sessionID) == "" {
		sess, err := st.store.CreateSession(ctx, "")
		if err != nil {
			return err
		}
		sessionID = sess.ID
	} else if _, err := st.store.GetSession(ctx, sessionID); err != nil {
		return fmt.Errorf("session %s: %w", sessionID, err)
	}
	providerName, _ := cmd.Flags().GetString("provider")

	m := newChatModel(ctx, st.chat, st.store, st.approvals, sessionID, providerName)
	m.notice(fmt.Sprintf("%d MCP server(s) connected. Session %s.", n, sessionID))

	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

type sessionCreator interface {
	CreateSession(ctx context.Context, title string) (*session.Session, error)
}

// turnMsg carries the rendered output of one orchestrator call back to the UI.
type turnMsg struct {
	output string
	call   *chat.ToolRequest
	err    error
}

var (
	promptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8E4EC6"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type model struct {
	textarea textarea.Model
	viewport viewport.Model
	spinner  spinner.Model
	thinking bool

	ctx        context.Context
	runner     turnRunner
	sessions   sessionCreator
	approvals  *approval.Service
	renderer   render.Renderer
	sessionID  string
	provider   string
	pending    *chat.ToolRequest
	transcript []string
}

func newChatModel(ctx context.Context, runner turnRunner, sessions sessionCreator, approvals *approval.Service, sessionID, providerName string) *model {
	ta := textarea.New()
	ta.Placeholder = "Ask something..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 4000
	ta.SetHeight(3)
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = promptStyle

	return &model{
		textarea:  ta,
		viewport:  viewport.New(80, 20),
		spinner:   sp,
		ctx:       ctx,
		runner:    runner,
		sessions:  sessions,
		approvals: approvals,
		renderer:  render.NewMarkdown(76),
		sessionID: sessionID,
		provider:  providerName,
	}
}

func (m *model) Init() tea.Cmd {
	return textarea.Blink
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-m.textarea.Height()-3, 3)
		m.textarea.SetWidth(msg.Width)
		m.renderer = render.NewMarkdown(msg.Width - 4)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		}
		if m.thinking {
			return m, nil
		}
		if m.pending != nil {
			return m, m.decide(msg.String())
		}
		if msg.Type == tea.KeyEnter {
			return m, m.submit()
		}

	case turnMsg:
		m.thinking = false
		if out := strings.TrimRight(msg.output, "\n"); out != "" {
			m.append(out)
		}
		if msg.err != nil && msg.output == "" {
			m.append(errorStyle.Render("Error: " + msg.err.Error()))
		}
		m.pending = msg.call
		if m.pending != nil {
			m.append(promptStyle.Render("Run "+m.pending.Name+"? ") + helpStyle.Render("[y/n]"))
		}
		return m, nil

	case spinner.TickMsg:
		if !m.thinking {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var taCmd, vpCmd tea.Cmd
	m.textarea, taCmd = m.textarea.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, tea.Batch(taCmd, vpCmd)
}

func (m *model) View() string {
	var status string
	switch {
	case m.thinking:
		status = m.spinner.View() + helpStyle.Render(" Thinking...")
	case m.pending != nil:
		status = helpStyle.Render("y Approve • n Decline • Esc Quit")
	default:
		status = helpStyle.Render("Enter Send • /new Reset • Esc Quit")
	}
	return fmt.Sprintf("%s\n%s\n%s", m.viewport.View(), m.textarea.View(), status)
}

func (m *model) submit() tea.Cmd {
	input := strings.TrimSpace(m.textarea.Value())
	m.textarea.Reset()
	if input == "" {
		return nil
	}
	if input == "/new" {
		sess, err := m.sessions.CreateSession(m.ctx, "")
		if err != nil {
			m.append(errorStyle.Render("Error: " + err.Error()))
			return nil
		}
		m.sessionID = sess.ID
		m.transcript = nil
		m.notice("New session " + sess.ID + ".")
		return nil
	}

	m.append(promptStyle.Render("> ") + input)
	m.thinking = true
	ctx, runner, sid, prov, r := m.ctx, m.runner, m.sessionID, m.provider, m.renderer
	return tea.Batch(m.spinner.Tick, func() tea.Msg {
		var out bytes.Buffer
		res, err := runner.Chat(ctx, sid, session.Turn{Content: input}, prov, &terminalSink{out: &out, renderer: r})
		return turnMsg{output: out.String(), call: res.ToolCall, err: err}
	})
}

func (m *model) decide(key string) tea.Cmd {
	call := m.pending
	switch strings.ToLower(key) {
	case "y":
		m.pending = nil
		m.thinking = true
		ctx, runner, r := m.ctx, m.runner, m.renderer
		exec := chat.ToolExecution{
			SessionID:  m.sessionID,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Args:       call.Args,
			Provider:   m.provider,
		}
		return tea.Batch(m.spinner.Tick, func() tea.Msg {
			var out bytes.Buffer
			res, err := runner.ExecuteAndResume(ctx, exec, &terminalSink{out: &out, renderer: r})
			return turnMsg{output: out.String(), call: res.ToolCall, err: err}
		})
	case "n":
		m.pending = nil
		if m.approvals != nil {
			_, _ = m.approvals.Reject(call.ID, approval.DecisionInput{DecidedBy: "cli"})
		}
		m.append(dimStyle.Render("Tool call declined."))
	}
	return nil
}

func (m *model) notice(s string) {
	m.append(dimStyle.Render(s))
}

func (m *model) append(s string) {
	m.transcript = append(m.transcript, s)
	m.refresh()
}

func (m *model) refresh() {
	m.viewport.SetContent(strings.Join(m.transcript, "\n\n"))
	m.viewport.GotoBottom()
}
