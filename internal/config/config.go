package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config root configuration
type Config struct {
	Providers ProvidersConfig `mapstructure:"providers"`
	Chat      ChatConfig      `mapstructure:"chat"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Log       LogConfig       `mapstructure:"log"`
}

// ProvidersConfig LLM provider settings
type ProvidersConfig struct {
	Default    string         `mapstructure:"default"`
	Groq       ProviderConfig `mapstructure:"groq"`
	OpenAI     ProviderConfig `mapstructure:"openai"`
	OpenRouter ProviderConfig `mapstructure:"openrouter"`
	DeepSeek   ProviderConfig `mapstructure:"deepseek"`
	Ollama     ProviderConfig `mapstructure:"ollama"`
	Claude     ProviderConfig `mapstructure:"claude"`
	Anthropic  ProviderConfig `mapstructure:"anthropic"`
}

// ProviderConfig single provider settings
type ProviderConfig struct {
	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
	BaseURL   string `mapstructure:"base_url"`
	Model     string `mapstructure:"model"`
	Bedrock   bool   `mapstructure:"bedrock"`
	Region    string `mapstructure:"region"`
}

// ChatConfig generation parameters shared by every provider.
type ChatConfig struct {
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	TitleTimeoutSec int     `mapstructure:"title_timeout_sec"`
}

// MCPConfig tool server settings
type MCPConfig struct {
	ScriptRuntime string                     `mapstructure:"script_runtime"`
	ScriptSubdir  string                     `mapstructure:"script_subdir"`
	ReplacePolicy string                     `mapstructure:"replace_policy"`
	Servers       map[string]MCPServerConfig `mapstructure:"servers"`
}

// MCPServerConfig one server connected at startup.
type MCPServerConfig struct {
	Target  string `mapstructure:"target"`
	Type    string `mapstructure:"type"`
	Enabled *bool  `mapstructure:"enabled"`
}

// GatewayConfig server settings
type GatewayConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// StorageConfig persistence locations
type StorageConfig struct {
	Path     string `mapstructure:"path"`
	StateDir string `mapstructure:"state_dir"`
}

// LogConfig application logging settings
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

const (
	ReplacePolicyClose = "close"
	ReplacePolicyKeep  = "keep"
)

// DefaultConfig returns config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Providers: ProvidersConfig{
			Default: "groq",
		},
		Chat: ChatConfig{
			MaxTokens:       2048,
			Temperature:     0.7,
			TitleTimeoutSec: 20,
		},
		MCP: MCPConfig{
			ScriptRuntime: "python3",
			ScriptSubdir:  "backend",
			ReplacePolicy: ReplacePolicyClose,
			Servers:       map[string]MCPServerConfig{},
		},
		Gateway: GatewayConfig{
			Host:        "0.0.0.0",
			Port:        8000,
			CORSOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			Path:     filepath.Join(ConfigDir(), "mcpstation.db"),
			StateDir: filepath.Join(ConfigDir(), "state"),
		},
		Log: LogConfig{
			Level: "info",
			File:  "",
		},
	}
}

// ConfigDir returns the mcpstation config directory
func ConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("failed to resolve home directory, using current directory as fallback", "error", err)
		homeDir = "."
	}
	return filepath.Join(homeDir, ".mcpstation")
}

// ConfigPath returns the config file path
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Load loads config from file or returns defaults
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := ConfigPath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := Save(cfg); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("MCPSTATION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindProviderEnv(v)

	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// bindProviderEnv lets MCPSTATION_PROVIDERS_<NAME>_API_KEY override keys
// that are absent from the file, since AutomaticEnv only sees known keys.
func bindProviderEnv(v *viper.Viper) {
	for _, name := range []string{"groq", "openai", "openrouter", "deepseek", "ollama", "claude", "anthropic"} {
		_ = v.BindEnv("providers." + name + ".api_key")
		_ = v.BindEnv("providers." + name + ".base_url")
		_ = v.BindEnv("providers." + name + ".model")
	}
	_ = v.BindEnv("providers.default")
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Save saves config to file
func Save(cfg *Config) error {
	configPath := ConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks that the configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Chat.Temperature < 0 || c.Chat.Temperature > 2.0 {
		return fmt.Errorf("chat.temperature must be between 0 and 2.0, got %f", c.Chat.Temperature)
	}
	if c.Chat.MaxTokens < 0 {
		return fmt.Errorf("chat.max_tokens must not be negative, got %d", c.Chat.MaxTokens)
	}
	if c.Chat.MaxTokens == 0 {
		c.Chat.MaxTokens = 2048
	}
	if c.Chat.TitleTimeoutSec <= 0 {
		c.Chat.TitleTimeoutSec = 20
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", c.Gateway.Port)
	}
	if strings.TrimSpace(c.Gateway.Host) == "" {
		c.Gateway.Host = "0.0.0.0"
	}

	if strings.TrimSpace(c.MCP.ScriptRuntime) == "" {
		c.MCP.ScriptRuntime = "python3"
	}
	policy := strings.ToLower(strings.TrimSpace(c.MCP.ReplacePolicy))
	switch policy {
	case "":
		c.MCP.ReplacePolicy = ReplacePolicyClose
	case ReplacePolicyClose, ReplacePolicyKeep:
		c.MCP.ReplacePolicy = policy
	default:
		return fmt.Errorf("mcp.replace_policy must be one of close, keep; got %q", c.MCP.ReplacePolicy)
	}
	if c.MCP.Servers == nil {
		c.MCP.Servers = map[string]MCPServerConfig{}
	}
	for id, srv := range c.MCP.Servers {
		if strings.TrimSpace(srv.Target) == "" {
			return fmt.Errorf("mcp.servers.%s.target must not be empty", id)
		}
		kind := strings.ToLower(strings.TrimSpace(srv.Type))
		if kind != "" && kind != "stdio" && kind != "sse" && kind != "http" {
			return fmt.Errorf("mcp.servers.%s.type must be one of stdio, sse, http; got %q", id, srv.Type)
		}
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = filepath.Join(ConfigDir(), "mcpstation.db")
	}
	if strings.TrimSpace(c.Storage.StateDir) == "" {
		c.Storage.StateDir = filepath.Join(ConfigDir(), "state")
	}

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}

	return nil
}

// IsMCPServerEnabled reports whether a configured server should be connected.
// Servers without an explicit flag are enabled.
func IsMCPServerEnabled(server MCPServerConfig) bool {
	return server.Enabled == nil || *server.Enabled
}

// Provider returns the settings block for a provider name.
func (p ProvidersConfig) Provider(name string) (ProviderConfig, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "groq":
		return p.Groq, true
	case "openai":
		return p.OpenAI, true
	case "openrouter":
		return p.OpenRouter, true
	case "deepseek":
		return p.DeepSeek, true
	case "ollama":
		return p.Ollama, true
	case "claude":
		return p.Claude, true
	case "anthropic":
		return p.Anthropic, true
	default:
		return ProviderConfig{}, false
	}
}
