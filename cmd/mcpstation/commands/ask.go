package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/MEKXH/mcpstation/internal/approval"
	"github.com/MEKXH/mcpstation/internal/chat"
	"github.com/MEKXH/mcpstation/internal/config"
	"github.com/MEKXH/mcpstation/internal/render"
	"github.com/MEKXH/mcpstation/internal/session"
)

func NewAskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Send one message and approve tool calls in the terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk,
	}
	cmd.Flags().String("session", "", "Continue an existing session")
	cmd.Flags().String("provider", "", "Provider for this message (default: configured default)")
	cmd.Flags().Bool("yes", false, "Approve every tool call without asking")
	return cmd
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
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
	st.connectServers(ctx)

	sessionID, _ := cmd.Flags().GetString("session")
	if strings.TrimSpace(sessionID) == "" {
		sess, err := st.store.CreateSession(ctx, "")
		if err != nil {
			return err
		}
		sessionID = sess.ID
	}
	providerName, _ := cmd.Flags().GetString("provider")
	autoApprove, _ := cmd.Flags().GetBool("yes")

	a := &asker{
		chat:        st.chat,
		approvals:   st.approvals,
		in:          bufio.NewReader(os.Stdin),
		out:         os.Stdout,
		renderer:    render.NewMarkdown(100),
		autoApprove: autoApprove,
	}
	if err := a.ask(ctx, sessionID, providerName, strings.Join(args, " ")); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\n%s\n", dimStyle.Render("session: "+sessionID))
	return nil
}

// turnRunner is the orchestrator surface the terminal loop drives.
type turnRunner interface {
	Chat(ctx context.Context, sessionID string, msg session.Turn, providerName string, sink chat.Sink) (chat.TurnResult, error)
	ExecuteAndResume(ctx context.Context, exec chat.ToolExecution, sink chat.Sink) (chat.TurnResult, error)
}

var (
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	toolStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8E4EC6"))
	resultStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#E5484D"))
)

type asker struct {
	chat        turnRunner
	approvals   *approval.Service
	in          *bufio.Reader
	out         io.Writer
	renderer    render.Renderer
	autoApprove bool
}

// ask runs one user message to completion, pausing at every tool call.
func (a *asker) ask(ctx context.Context, sessionID, providerName, message string) error {
	sink := &terminalSink{out: a.out, renderer: a.renderer}
	res, err := a.chat.Chat(ctx, sessionID, session.Turn{Content: message}, providerName, sink)
	for err == nil && res.ToolCall != nil {
		call := res.ToolCall
		if !a.confirm(call) {
			if a.approvals != nil {
				_, _ = a.approvals.Reject(call.ID, approval.DecisionInput{DecidedBy: "cli"})
			}
			fmt.Fprintln(a.out, dimStyle.Render("Tool call declined."))
			return nil
		}
		res, err = a.chat.ExecuteAndResume(ctx, chat.ToolExecution{
			SessionID:  sessionID,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Args:       call.Args,
			Provider:   providerName,
		}, sink)
	}
	return err
}

func (a *asker) confirm(call *chat.ToolRequest) bool {
	args, _ := json.Marshal(call.Args)
	fmt.Fprintf(a.out, "\n%s %s\n", toolStyle.Render("Tool request: "+call.Name), dimStyle.Render(string(args)))
	if a.autoApprove {
		fmt.Fprintln(a.out, dimStyle.Render("approved (--yes)"))
		return true
	}
	fmt.Fprint(a.out, "Run it? [y/N] ")
	line, err := a.in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// terminalSink buffers assistant text and prints it rendered once the turn
// pauses or ends.
type terminalSink struct {
	out      io.Writer
	renderer render.Renderer
	text     strings.Builder
}

func (s *terminalSink) Send(e chat.Event) error {
	switch e.Type {
	case chat.EventText:
		s.text.WriteString(e.Content)
	case chat.EventToolResult:
		fmt.Fprintln(s.out, resultStyle.Render(toolStyle.Render(e.Name)+"\n"+e.Result))
	case chat.EventError:
		s.flush()
		fmt.Fprintln(s.out, errorStyle.Render("Error: "+e.Err))
	case chat.EventToolApprovalRequest, chat.EventDone:
		s.flush()
	}
	return nil
}

func (s *terminalSink) flush() {
	if s.text.Len() == 0 {
		return
	}
	fmt.Fprintln(s.out, render.Reply(s.text.String(), s.renderer))
	s.text.Reset()
}
