package commands

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MEKXH/mcpstation/internal/config"
	"github.com/MEKXH/mcpstation/internal/mcp"
	"github.com/MEKXH/mcpstation/internal/toolbox"
)

func TestMCPDisable_SetsServerDisabled(t *testing.T) {
	prepareWorkspace(t)
	seedMCPServerConfig(t)

	captureOutput(t, func() {
		if err := runMCPDisable(nil, []string{"knife"}); err != nil {
			t.Fatalf("runMCPDisable: %v", err)
		}
	})

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	if config.IsMCPServerEnabled(cfg.MCP.Servers["knife"]) {
		t.Fatalf("expected knife server disabled, got %+v", cfg.MCP.Servers["knife"])
	}
}

func TestMCPDisable_UnknownServer(t *testing.T) {
	prepareWorkspace(t)

	err := runMCPDisable(nil, []string{"missing"})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestMCPStatus_ShowsDisabledServer(t *testing.T) {
	prepareWorkspace(t)
	seedMCPServerConfig(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	srv := cfg.MCP.Servers["knife"]
	disabled := false
	srv.Enabled = &disabled
	cfg.MCP.Servers["knife"] = srv
	if err := config.Save(cfg); err != nil {
		t.Fatalf("config.Save: %v", err)
	}

	output := captureOutput(t, func() {
		if err := runMCPStatus(nil, nil); err != nil {
			t.Fatalf("runMCPStatus: %v", err)
		}
	})
	if !strings.Contains(strings.ToLower(output), "disabled") {
		t.Fatalf("expected disabled status in output, got: %s", output)
	}
}

func TestMCPStatus_UsesProbe(t *testing.T) {
	prepareWorkspace(t)
	seedMCPServerConfig(t)

	origProbe := mcpProbeServer
	mcpProbeServer = func(ctx context.Context, cfg *config.Config, name, target, kind string) (mcp.ConnectionStatus, error) {
		if name == "broken" {
			return mcp.ConnectionStatus{}, errors.New("handshake refused")
		}
		return mcp.ConnectionStatus{ID: name, Transport: mcp.KindHTTPStream, Target: target, Tools: 7}, nil
	}
	defer func() { mcpProbeServer = origProbe }()

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.MCP.Servers["broken"] = config.MCPServerConfig{Target: "http://127.0.0.1:1/mcp"}
	if err := config.Save(cfg); err != nil {
		t.Fatalf("config.Save: %v", err)
	}

	output := captureOutput(t, func() {
		if err := runMCPStatus(nil, nil); err != nil {
			t.Fatalf("runMCPStatus: %v", err)
		}
	})
	if !strings.Contains(output, "tools=7") {
		t.Fatalf("expected healthy knife status, got: %s", output)
	}
	if !strings.Contains(output, "handshake refused") {
		t.Fatalf("expected degraded broken status, got: %s", output)
	}
}

func TestMCPProbe_ConnectsToToolbox(t *testing.T) {
	prepareWorkspace(t)
	tb := httptest.NewServer(toolbox.HTTPHandler(nil))
	defer tb.Close()

	output := captureOutput(t, func() {
		if err := runMCPProbe(nil, []string{tb.URL}); err != nil {
			t.Fatalf("runMCPProbe: %v", err)
		}
	})
	if !strings.Contains(output, "via http") {
		t.Fatalf("expected http transport in output, got: %s", output)
	}
	if strings.Contains(output, "Tools: 0 ") {
		t.Fatalf("expected toolbox tools, got: %s", output)
	}
}

func TestMCPProbe_RejectsBadType(t *testing.T) {
	prepareWorkspace(t)
	cmd := newMCPProbeCmd()
	if err := cmd.Flags().Set("type", "carrier-pigeon"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	err := runMCPProbe(cmd, []string{"http://127.0.0.1:1/mcp"})
	if !errors.Is(err, mcp.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func seedMCPServerConfig(t *testing.T) {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	cfg.MCP.Servers = map[string]config.MCPServerConfig{
		"knife": {
			Target: "mcpstation toolbox",
			Type:   "stdio",
		},
	}
	if err := config.Save(cfg); err != nil {
		t.Fatalf("config.Save: %v", err)
	}
}
