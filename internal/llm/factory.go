package llm

import (
	"fmt"
	"log/slog"
	"time"
)

// Supported providers.
const (
	ProviderNone      = "none"
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Providers lists every accepted provider name.
var Providers = []string{ProviderNone, ProviderOllama, ProviderOpenAI, ProviderAnthropic}

// Config selects and configures a provider.
type Config struct {
	Provider      string
	BaseURL       string
	Model         string
	APIKey        string
	Timeout       time.Duration
	MaxInputChars int
}

// NewTextGenerator creates the TextGenerator for cfg.Provider.
// Provider "none" (or empty) returns nil without error.
func NewTextGenerator(cfg Config) (TextGenerator, error) {
	switch cfg.Provider {
	case ProviderNone, "":
		return nil, nil
	case ProviderOllama:
		return NewOllamaClient(OllamaConfig{BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: cfg.Timeout}), nil
	case ProviderOpenAI:
		return NewOpenAIClient(OpenAIConfig{APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL, Timeout: cfg.Timeout}), nil
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key")
		}
		return NewAnthropicClient(AnthropicConfig{APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL, Timeout: cfg.Timeout}), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}
}

// NewAnalyzerFromConfig builds an Analyzer for cfg, or returns nil when
// the provider is "none".
func NewAnalyzerFromConfig(cfg Config, logger *slog.Logger) (*Analyzer, error) {
	gen, err := NewTextGenerator(cfg)
	if err != nil {
		return nil, err
	}
	if gen == nil {
		return nil, nil
	}
	return NewAnalyzer(gen, AnalyzerConfig{MaxInputChars: cfg.MaxInputChars, Logger: logger}), nil
}
