package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/MEKXH/mcpstation/internal/config"
	"github.com/MEKXH/mcpstation/internal/mcp"
)

const mcpProbeTimeout = serverConnectTimeout

// mcpProbeServer is swapped in tests.
var mcpProbeServer = probeMCPServer

func NewMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Manage MCP servers",
	}

	cmd.AddCommand(
		newMCPStatusCmd(),
		newMCPProbeCmd(),
		newMCPDisableCmd(),
	)

	return cmd
}

func newMCPStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe every configured MCP server",
		RunE:  runMCPStatus,
	}
}

func newMCPProbeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe <target>",
		Short: "Connect to a script, command or URL and list what it offers",
		Args:  cobra.ExactArgs(1),
		RunE:  runMCPProbe,
	}
	cmd.Flags().String("type", "", "Transport: stdio, sse or http (default: inferred)")
	return cmd
}

func newMCPDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <server>",
		Short: "Disable an MCP server in config",
		Args:  cobra.ExactArgs(1),
		RunE:  runMCPDisable,
	}
}

var (
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#30A46C"))
	degradedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F76B15"))
)

func runMCPStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if len(cfg.MCP.Servers) == 0 {
		fmt.Println("No MCP servers configured.")
		return nil
	}

	fmt.Println("MCP servers:")
	for _, name := range sortedMCPServerNames(cfg.MCP.Servers) {
		srv := cfg.MCP.Servers[name]
		if !config.IsMCPServerEnabled(srv) {
			fmt.Printf("  %s: %s\n", name, dimStyle.Render("disabled"))
			continue
		}

		status, probeErr := probeWithTimeout(cfg, name, srv.Target, srv.Type)
		if probeErr != nil {
			fmt.Printf("  %s: %s\n", name, degradedStyle.Render(fmt.Sprintf("degraded (%v)", probeErr)))
			continue
		}
		fmt.Printf("  %s: %s\n", name, okStyle.Render(fmt.Sprintf("connected via %s (tools=%d resources=%d prompts=%d)",
			status.Transport, status.Tools, status.Resources, status.Prompts)))
	}

	return nil
}

func runMCPProbe(cmd *cobra.Command, args []string) error {
	target := strings.TrimSpace(args[0])
	kind := ""
	if cmd != nil {
		kind, _ = cmd.Flags().GetString("type")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	status, err := probeWithTimeout(cfg, "probe", target, kind)
	if err != nil {
		return fmt.Errorf("probe %s failed: %w", target, err)
	}

	fmt.Printf("Connected to %s via %s\n", status.Target, status.Transport)
	fmt.Printf("Tools: %d  Resources: %d  Prompts: %d\n", status.Tools, status.Resources, status.Prompts)
	return nil
}

func runMCPDisable(cmd *cobra.Command, args []string) error {
	serverName := strings.TrimSpace(args[0])

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	srv, ok := cfg.MCP.Servers[serverName]
	if !ok {
		return fmt.Errorf("mcp server not found: %s", serverName)
	}

	disabled := false
	srv.Enabled = &disabled
	cfg.MCP.Servers[serverName] = srv
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("MCP server %s disabled in config.\n", serverName)
	return nil
}

func probeWithTimeout(cfg *config.Config, name, target, kind string) (mcp.ConnectionStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mcpProbeTimeout)
	defer cancel()

	return mcpProbeServer(ctx, cfg, name, target, kind)
}

// probeMCPServer connects through a throwaway manager and disconnects again.
func probeMCPServer(ctx context.Context, cfg *config.Config, name, target, kind string) (mcp.ConnectionStatus, error) {
	mgr := mcp.NewManager(
		mcp.DefaultConnectors(mcp.LaunchOptions{
			Runtime: cfg.MCP.ScriptRuntime,
			Subdir:  cfg.MCP.ScriptSubdir,
		}, slog.Default()),
		mcp.WithLogger(slog.Default()),
	)
	defer mgr.DisconnectAll(context.Background())

	if _, err := mgr.Connect(ctx, name, target, kind); err != nil {
		return mcp.ConnectionStatus{}, err
	}
	for _, st := range mgr.Statuses() {
		if st.ID == name {
			return st, nil
		}
	}
	return mcp.ConnectionStatus{}, fmt.Errorf("no status available for %s", name)
}

func sortedMCPServerNames(servers map[string]config.MCPServerConfig) []string {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
