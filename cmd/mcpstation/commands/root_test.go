package commands

import (
	"log/slog"
	"testing"
)

func TestRootCmd_RegistersSubcommands(t *testing.T) {
	root := NewRootCmd()
	for _, path := range [][]string{
		{"init"},
		{"serve"},
		{"ask"},
		{"chat"},
		{"mcp", "status"},
		{"mcp", "probe"},
		{"mcp", "disable"},
		{"sessions", "list"},
		{"sessions", "show"},
		{"toolbox"},
		{"version"},
	} {
		found, _, err := root.Find(path)
		if err != nil {
			t.Fatalf("find %v: %v", path, err)
		}
		if found == nil || found.Name() != path[len(path)-1] {
			t.Fatalf("expected %v command, got %#v", path, found)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		config, override string
		want             slog.Level
		wantErr          bool
	}{
		{config: "", want: slog.LevelInfo},
		{config: "debug", want: slog.LevelDebug},
		{config: "info", override: "warning", want: slog.LevelWarn},
		{config: " error ", want: slog.LevelError},
		{config: "loud", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseLogLevel(tt.config, tt.override)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("parseLogLevel(%q, %q): expected error", tt.config, tt.override)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseLogLevel(%q, %q): %v", tt.config, tt.override, err)
		}
		if got != tt.want {
			t.Fatalf("parseLogLevel(%q, %q) = %v, want %v", tt.config, tt.override, got, tt.want)
		}
	}
}
