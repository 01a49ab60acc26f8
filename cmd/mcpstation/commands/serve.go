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

	"github.com/MEKXH/mcpstation/internal/config"
	"github.com/MEKXH/mcpstation/internal/gateway"
	"github.com/spf13/cobra"
)

func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP Station gateway",
		RunE:  runServe,
	}
	cmd.Flags().String("host", "", "Override gateway host")
	cmd.Flags().Int("port", 0, "Override gateway port")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd != nil {
		if host, _ := cmd.Flags().GetString("host"); host != "" {
			cfg.Gateway.Host = host
		}
		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			cfg.Gateway.Port = port
		}
	}

	st, err := openStation(ctx, cfg)
	if err != nil {
		return err
	}
	if len(st.providers.Available()) == 0 {
		slog.Warn("no LLM provider configured; chat requests will fail until one is added")
	}
	connected := st.connectServers(ctx)

	errCh := make(chan error, 1)
	gatewayServer := gateway.New(cfg.Gateway, st.gatewayDeps())
	go func() {
		if err := gatewayServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server failed: %w", err)
		}
	}()

	fmt.Printf("MCP Station running. Gateway: http://%s (provider=%s, servers=%d)\nPress Ctrl+C to stop.\n",
		gatewayServer.Addr(), st.providers.Active(), connected)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		slog.Error("server component failed", "error", runErr)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down")
	if err := gatewayServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("gateway shutdown failed", "error", err)
	}
	st.Close(shutdownCtx)

	return runErr
}
