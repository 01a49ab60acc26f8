package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"github.com/MEKXH/mcpstation/internal/config"
)

const (
	NameGroq       = "groq"
	NameOpenAI     = "openai"
	NameOpenRouter = "openrouter"
	NameDeepSeek   = "deepseek"
	NameOllama     = "ollama"
	NameClaude     = "claude"
	NameAnthropic  = "anthropic"
)

// Names lists every provider the registry understands, in display order.
var Names = []string{NameGroq, NameOpenAI, NameOpenRouter, NameDeepSeek, NameOllama, NameClaude, NameAnthropic}

var defaultModels = map[string]string{
	NameGroq:       "llama-3.3-70b-versatile",
	NameOpenAI:     "gpt-4o-mini",
	NameOpenRouter: "openai/gpt-4o-mini",
	NameDeepSeek:   "deepseek-chat",
	NameOllama:     "llama3.1",
	NameClaude:     "claude-sonnet-4-5",
	NameAnthropic:  "claude-sonnet-4-5",
}

var openAICompatibleURLs = map[string]string{
	NameGroq:       "https://api.groq.com/openai/v1",
	NameOpenRouter: "https://openrouter.ai/api/v1",
	NameDeepSeek:   "https://api.deepseek.com/v1",
}

// Status describes one provider for the status endpoint.
type Status struct {
	Available bool   `json:"available"`
	Model     string `json:"model,omitempty"`
}

// Registry holds the configured adapters and the process default.
// It is an explicit value handed to the orchestrator; nothing here is global.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	models   map[string]string
	active   string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		models:   make(map[string]string),
	}
}

// Register adds an adapter. The first registered adapter becomes active
// until Switch picks another.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := strings.ToLower(a.Name())
	r.adapters[name] = a
	r.models[name] = a.Model()
	if r.active == "" {
		r.active = name
	}
}

// Active returns the name of the default provider.
func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Switch changes the default provider.
func (r *Registry) Switch(name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; !ok {
		if !isKnown(name) {
			return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
		}
		return fmt.Errorf("%w: %s", ErrUnavailable, name)
	}
	r.active = name
	return nil
}

// Resolve returns the adapter for name, or the active adapter when name is empty.
func (r *Registry) Resolve(name string) (Adapter, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.active
		if name == "" {
			return nil, fmt.Errorf("%w: no provider configured", ErrUnavailable)
		}
	}
	if a, ok := r.adapters[name]; ok {
		return a, nil
	}
	if !isKnown(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnavailable, name)
}

// Status reports every known provider, available or not.
func (r *Registry) Status() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Status, len(Names))
	for _, name := range Names {
		_, ok := r.adapters[name]
		out[name] = Status{Available: ok, Model: r.models[name]}
	}
	for name := range r.adapters {
		if _, ok := out[name]; !ok {
			out[name] = Status{Available: true, Model: r.models[name]}
		}
	}
	return out
}

// Available returns the registered provider names, sorted.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isKnown(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}

// NewRegistryFromConfig builds an adapter for every provider with usable
// settings. A provider that fails to build is logged and skipped.
func NewRegistryFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	gen := GenerationOptions{MaxTokens: cfg.Chat.MaxTokens, Temperature: cfg.Chat.Temperature}
	reg := NewRegistry()

	for _, name := range Names {
		pc, _ := cfg.Providers.Provider(name)
		if !configured(name, pc) {
			continue
		}
		adapter, err := NewAdapter(ctx, name, pc, gen)
		if err != nil {
			logger.Warn("provider init failed", "provider", name, "error", err)
			continue
		}
		reg.Register(adapter)
		logger.Debug("provider registered", "provider", name, "model", adapter.Model())
	}

	if def := strings.TrimSpace(cfg.Providers.Default); def != "" {
		if err := reg.Switch(def); err != nil && len(reg.Available()) > 0 {
			logger.Warn("default provider unavailable, falling back", "provider", def, "active", reg.Active(), "error", err)
		}
	}
	return reg
}

func configured(name string, pc config.ProviderConfig) bool {
	switch name {
	case NameOllama:
		return pc.BaseURL != "" || pc.Model != ""
	case NameClaude:
		if pc.Bedrock {
			return pc.APIKey != "" && pc.SecretKey != ""
		}
		return pc.APIKey != ""
	default:
		return pc.APIKey != ""
	}
}

// NewAdapter builds the adapter for one provider block.
func NewAdapter(ctx context.Context, name string, pc config.ProviderConfig, gen GenerationOptions) (Adapter, error) {
	modelName := pc.Model
	if modelName == "" {
		modelName = defaultModels[name]
	}

	var (
		chat model.ToolCallingChatModel
		err  error
	)
	switch name {
	case NameGroq, NameOpenAI, NameOpenRouter, NameDeepSeek:
		chat, err = newOpenAICompatibleModel(ctx, name, modelName, pc, gen)
	case NameOllama:
		chat, err = newOllamaModel(ctx, modelName, pc)
	case NameClaude:
		chat, err = newClaudeModel(ctx, modelName, pc, gen)
	case NameAnthropic:
		return NewAnthropicAdapter(name, modelName, NewMessageStreamer(pc.APIKey, pc.BaseURL), gen), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	if err != nil {
		return nil, err
	}
	return NewEinoAdapter(name, modelName, chat), nil
}

func newOpenAICompatibleModel(ctx context.Context, name, modelName string, p config.ProviderConfig, gen GenerationOptions) (model.ToolCallingChatModel, error) {
	cfg := &openai.ChatModelConfig{
		Model:       modelName,
		APIKey:      p.APIKey,
		BaseURL:     openAICompatibleURLs[name],
		Temperature: toFloat32Ptr(gen.Temperature),
		MaxTokens:   toIntPtr(gen.MaxTokens),
	}
	if p.BaseURL != "" {
		cfg.BaseURL = p.BaseURL
	}
	return openai.NewChatModel(ctx, cfg)
}

func newOllamaModel(ctx context.Context, modelName string, p config.ProviderConfig) (model.ToolCallingChatModel, error) {
	baseURL := p.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
		BaseURL: baseURL,
		Model:   modelName,
	})
}

func newClaudeModel(ctx context.Context, modelName string, p config.ProviderConfig, gen GenerationOptions) (model.ToolCallingChatModel, error) {
	cfg := &claude.Config{
		Model:       modelName,
		MaxTokens:   gen.MaxTokens,
		Temperature: toFloat32Ptr(gen.Temperature),
	}
	if p.Bedrock {
		cfg.ByBedrock = true
		cfg.AccessKey = p.APIKey
		cfg.SecretAccessKey = p.SecretKey
		cfg.Region = p.Region
	} else {
		cfg.APIKey = p.APIKey
		if p.BaseURL != "" {
			cfg.BaseURL = &p.BaseURL
		}
	}
	return claude.NewChatModel(ctx, cfg)
}
