package factory

import (
	"fmt"

	"github.com/vnmchuo/chat-gateway/config"
	"github.com/vnmchuo/chat-gateway/internal/provider"
	"github.com/vnmchuo/chat-gateway/internal/provider/claude"
	"github.com/vnmchuo/chat-gateway/internal/provider/ollama"
	"github.com/vnmchuo/chat-gateway/internal/provider/openai"
)

// New builds a single provider keyed on its identifier string.
func New(name string, cfg *config.Config) (provider.Provider, error) {
	retry := provider.RetryConfig{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
	}

	switch name {
	case "claude":
		return claude.New(claude.Config{
			APIKey:  cfg.AnthropicAPIKey,
			BaseURL: cfg.AnthropicBaseURL,
			Timeout: cfg.RequestTimeout,
			Retry:   retry,
		}), nil
	case "openai":
		return openai.New(openai.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Timeout: cfg.RequestTimeout,
			Retry:   retry,
		}), nil
	case "ollama":
		return ollama.New(ollama.Config{
			BaseURL: cfg.OllamaBaseURL,
			Model:   cfg.DefaultModel,
			Timeout: cfg.RequestTimeout,
			Retry:   retry,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}

// FromConfig builds the enabled provider set. With no explicit PROVIDERS
// list, every provider whose credentials are present is enabled; ollama
// needs none and is always included.
func FromConfig(cfg *config.Config) ([]provider.Provider, error) {
	names := cfg.Providers
	if len(names) == 0 {
		if cfg.AnthropicAPIKey != "" {
			names = append(names, "claude")
		}
		if cfg.OpenAIAPIKey != "" {
			names = append(names, "openai")
		}
		names = append(names, "ollama")
	}

	providers := make([]provider.Provider, 0, len(names))
	for _, name := range names {
		p, err := New(name, cfg)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, nil
}
