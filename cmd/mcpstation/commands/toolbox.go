package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MEKXH/mcpstation/internal/toolbox"
	"github.com/spf13/cobra"
)

func NewToolboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "toolbox",
		Short: "Run the bundled demo MCP server (stdio by default)",
		RunE:  runToolbox,
	}
	cmd.Flags().String("http", "", "Serve streamable HTTP on this address instead of stdio")
	return cmd
}

func runToolbox(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	addr, _ := cmd.Flags().GetString("http")
	if addr == "" {
		slog.Debug("toolbox serving stdio")
		if err := toolbox.ServeStdio(ctx, nil); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("toolbox stdio: %w", err)
		}
		return nil
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           toolbox.HTTPHandler(nil),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("toolbox listening", "addr", addr, "server", toolbox.ServerName)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("toolbox http: %w", err)
		}
		return nil
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
