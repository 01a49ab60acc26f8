package commands

import (
	"fmt"
	"runtime"

	"github.com/MEKXH/mcpstation/internal/version"
	"github.com/spf13/cobra"
)

// NewVersionCmd creates the version command
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of MCP Station",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mcpstation %s %s/%s\n", version.String(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
