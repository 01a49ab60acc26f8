package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/MEKXH/mcpstation/internal/config"
	"github.com/MEKXH/mcpstation/internal/render"
	"github.com/MEKXH/mcpstation/internal/session"
)

func NewSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage stored chat sessions",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List sessions, most recently updated first",
			RunE:  runSessionsList,
		},
		&cobra.Command{
			Use:   "show <id>",
			Short: "Print the history of a session",
			Args:  cobra.ExactArgs(1),
			RunE:  runSessionsShow,
		},
		&cobra.Command{
			Use:   "rename <id> <title>",
			Short: "Rename a session",
			Args:  cobra.MinimumNArgs(2),
			RunE:  runSessionsRename,
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a session and its messages",
			Args:  cobra.ExactArgs(1),
			RunE:  runSessionsDelete,
		},
	)

	return cmd
}

func openSessionStore() (*session.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return session.Open(cfg.Storage.Path)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, err := openSessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(context.Background())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	var (
		headerStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#FAFAFA")).
				Background(lipgloss.Color("#8E4EC6")).
				Padding(0, 1).
				MarginBottom(1)

		wID      = 36
		wTitle   = 30
		wUpdated = 20

		colHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#8E4EC6")).
				Bold(true).
				MarginRight(1)

		idStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(wID).
			MarginRight(1)
		titleStyle   = lipgloss.NewStyle().Width(wTitle).MarginRight(1)
		updatedStyle = lipgloss.NewStyle().Width(wUpdated).MarginRight(1)
		sepStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).MarginRight(1)
	)

	fmt.Println(headerStyle.Render("Sessions"))

	headers := lipgloss.JoinHorizontal(lipgloss.Top,
		colHeaderStyle.Width(wID).Render("ID"),
		colHeaderStyle.Width(wTitle).Render("TITLE"),
		colHeaderStyle.Width(wUpdated).Render("UPDATED"),
	)
	fmt.Printf("  %s\n", headers)

	separator := lipgloss.JoinHorizontal(lipgloss.Top,
		sepStyle.Render(strings.Repeat("─", wID)),
		sepStyle.Render(strings.Repeat("─", wTitle)),
		sepStyle.Render(strings.Repeat("─", wUpdated)),
	)
	fmt.Printf("  %s\n", separator)

	for _, s := range sessions {
		row := lipgloss.JoinHorizontal(lipgloss.Top,
			idStyle.Render(s.ID),
			titleStyle.Render(truncate(s.Title, wTitle)),
			updatedStyle.Render(s.UpdatedAt.Local().Format("2006-01-02 15:04:05")),
		)
		fmt.Printf("  %s\n", row)
	}

	fmt.Println()
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := openSessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	sess, err := store.GetSession(ctx, args[0])
	if err != nil {
		return fmt.Errorf("session %s: %w", args[0], err)
	}
	turns, err := store.ListMessages(ctx, sess.ID)
	if err != nil {
		return err
	}

	fmt.Println(toolStyle.Render(sess.Title))
	renderer := render.NewMarkdown(100)
	for _, t := range turns {
		switch t.Role {
		case session.RoleUser:
			fmt.Printf("\n%s %s\n", toolStyle.Render("you:"), t.Content)
			if t.Image != nil {
				fmt.Println(dimStyle.Render("[image " + t.Image.MIMEType + "]"))
			}
		case session.RoleAssistant:
			if t.Content != "" {
				fmt.Println()
				fmt.Println(render.Reply(t.Content, renderer))
			}
			for _, c := range t.ToolCalls {
				fmt.Println(dimStyle.Render("requested " + c.Name))
			}
		case session.RoleTool:
			fmt.Println(resultStyle.Render(toolStyle.Render(t.ToolName) + "\n" + t.Content))
		}
	}
	return nil
}

func runSessionsRename(cmd *cobra.Command, args []string) error {
	title := strings.TrimSpace(strings.Join(args[1:], " "))
	if title == "" {
		return fmt.Errorf("title is required")
	}
	store, err := openSessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.RenameSession(context.Background(), args[0], title); err != nil {
		return fmt.Errorf("rename session %s: %w", args[0], err)
	}
	fmt.Printf("Session %s renamed to %q.\n", args[0], title)
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	store, err := openSessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.DeleteSession(context.Background(), args[0]); err != nil {
		return fmt.Errorf("delete session %s: %w", args[0], err)
	}
	fmt.Printf("Session %s deleted.\n", args[0])
	return nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
