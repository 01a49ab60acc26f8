package main

import (
	"os"

	"github.com/MEKXH/mcpstation/cmd/mcpstation/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
