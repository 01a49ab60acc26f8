package commands

import (
	"fmt"
	"os"

	"github.com/MEKXH/mcpstation/internal/config"
	"github.com/spf13/cobra"
)

func NewInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize MCP Station configuration",
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := config.ConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists: %s\n", configPath)
		return nil
	}

	cfg := config.DefaultConfig()

	for _, dir := range []string{config.ConfigDir(), cfg.Storage.StateDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("MCP Station initialized!\n")
	fmt.Printf("Config: %s\n", configPath)
	fmt.Printf("Database: %s\n", cfg.Storage.Path)
	fmt.Printf("\nNext steps:\n")
	fmt.Printf("1. Edit %s to add a provider API key\n", configPath)
	fmt.Printf("2. Add servers under mcp.servers, or try 'mcpstation mcp probe \"mcpstation toolbox\"'\n")
	fmt.Printf("3. Run 'mcpstation serve' or 'mcpstation ask \"hello\"'\n")

	return nil
}
