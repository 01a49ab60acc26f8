package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/MEKXH/mcpstation/internal/approval"
	"github.com/MEKXH/mcpstation/internal/audit"
	"github.com/MEKXH/mcpstation/internal/chat"
	"github.com/MEKXH/mcpstation/internal/config"
	"github.com/MEKXH/mcpstation/internal/gateway"
	"github.com/MEKXH/mcpstation/internal/mcp"
	"github.com/MEKXH/mcpstation/internal/metrics"
	"github.com/MEKXH/mcpstation/internal/provider"
	"github.com/MEKXH/mcpstation/internal/session"
)

const serverConnectTimeout = mcp.HandshakeTimeout + 5*time.Second

// station is every long-lived component of a running process.
type station struct {
	cfg       *config.Config
	store     *session.Store
	manager   *mcp.Manager
	providers *provider.Registry
	approvals *approval.Service
	metrics   *metrics.RuntimeMetrics
	chat      *chat.Orchestrator
}

// buildRegistry is swapped in tests to avoid real provider clients.
var buildRegistry = provider.NewRegistryFromConfig

func openStation(ctx context.Context, cfg *config.Config) (*station, error) {
	logger := slog.Default()

	if dir := filepath.Dir(cfg.Storage.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}
	store, err := session.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	rm := metrics.NewRuntimeMetrics(cfg.Storage.StateDir)
	manager := mcp.NewManager(
		mcp.DefaultConnectors(mcp.LaunchOptions{
			Runtime: cfg.MCP.ScriptRuntime,
			Subdir:  cfg.MCP.ScriptSubdir,
		}, logger),
		mcp.WithLogger(logger),
		mcp.WithAudit(audit.NewWriter(cfg.Storage.StateDir)),
		mcp.WithMetrics(rm),
		mcp.WithReplacePolicy(cfg.MCP.ReplacePolicy),
	)
	providers := buildRegistry(ctx, cfg, logger)
	approvals := approval.NewService(cfg.Storage.StateDir)

	orch := chat.New(store, manager, providers,
		chat.WithLogger(logger),
		chat.WithApprovals(approvals),
		chat.WithMetrics(rm),
		chat.WithTitleTimeout(time.Duration(cfg.Chat.TitleTimeoutSec)*time.Second),
	)

	return &station{
		cfg:       cfg,
		store:     store,
		manager:   manager,
		providers: providers,
		approvals: approvals,
		metrics:   rm,
		chat:      orch,
	}, nil
}

// connectServers opens every enabled configured server. Failures are logged
// and skipped.
func (s *station) connectServers(ctx context.Context) int {
	names := make([]string, 0, len(s.cfg.MCP.Servers))
	for name := range s.cfg.MCP.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	connected := 0
	for _, name := range names {
		srv := s.cfg.MCP.Servers[name]
		if !config.IsMCPServerEnabled(srv) {
			slog.Info("mcp server disabled", "server", name)
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, serverConnectTimeout)
		_, err := s.manager.Connect(cctx, name, srv.Target, srv.Type)
		cancel()
		if err != nil {
			slog.Warn("mcp server failed to connect", "server", name, "error", err)
			continue
		}
		connected++
	}
	return connected
}

func (s *station) gatewayDeps() gateway.Deps {
	return gateway.Deps{
		Sessions:  s.store,
		Manager:   s.manager,
		Providers: s.providers,
		Chat:      s.chat,
		Approvals: s.approvals,
		Metrics:   s.metrics,
		StateDir:  s.cfg.Storage.StateDir,
		Logger:    slog.Default(),
	}
}

func (s *station) Close(ctx context.Context) {
	s.chat.Wait()
	s.manager.DisconnectAll(ctx)
	if err := s.metrics.Close(); err != nil {
		slog.Warn("persist runtime metrics", "error", err)
	}
	if err := s.store.Close(); err != nil {
		slog.Warn("close session store", "error", err)
	}
}
