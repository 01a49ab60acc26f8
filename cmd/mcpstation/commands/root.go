package commands

import (
	"github.com/MEKXH/mcpstation/internal/config"
	"github.com/spf13/cobra"
)

var logLevelOverride string

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcpstation",
		Short: "MCP Station - chat with LLMs over your MCP servers",
		Long: `MCP Station connects to Model Context Protocol servers, exposes their tools
to an LLM provider of your choice and asks before running any tool call.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" || cmd.Name() == "version" {
				return configureLogger(config.DefaultConfig(), logLevelOverride)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride)
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewInitCmd(),
		NewServeCmd(),
		NewAskCmd(),
		NewChatCmd(),
		NewMCPCmd(),
		NewSessionsCmd(),
		NewToolboxCmd(),
		NewVersionCmd(),
	)

	return cmd
}
