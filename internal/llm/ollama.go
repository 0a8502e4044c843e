package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OllamaClient talks to a local Ollama server. Every generate call goes
// through the circuit breaker.
type OllamaClient struct {
	baseURL        string
	client         *http.Client
	circuitBreaker *CircuitBreaker
	model          string
	timeout        time.Duration
}

// OllamaConfig holds Ollama client configuration.
type OllamaConfig struct {
	// BaseURL is the Ollama API root (default: http://localhost:11434)
	BaseURL string

	// Model is the model used for completions (default: qwen2.5:7b)
	Model string

	// Timeout bounds a single request (default: 120s). Local models are slow
	// on long reports.
	Timeout time.Duration
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewOllamaClient creates a new Ollama client, applying defaults for
// unset fields.
func NewOllamaClient(config OllamaConfig) *OllamaClient {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Model == "" {
		config.Model = "qwen2.5:7b"
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}

	return &OllamaClient{
		baseURL:        strings.TrimRight(config.BaseURL, "/"),
		client:         &http.Client{Timeout: config.Timeout},
		circuitBreaker: NewCircuitBreaker("ollama"),
		model:          config.Model,
		timeout:        config.Timeout,
	}
}

// Complete sends prompt to /api/generate and returns the response text.
// Output is constrained to JSON since every analysis prompt asks for it.
func (c *OllamaClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.circuitBreaker.complete(ctx, "ollama", func() (string, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var out generateResponse
		err := postJSON(ctx, c.client, "ollama", c.baseURL+"/api/generate", nil, generateRequest{
			Model:   c.model,
			Prompt:  prompt,
			Stream:  false,
			Format:  "json",
			Options: map[string]any{"temperature": 0},
		}, &out)
		if err != nil {
			return "", err
		}
		return out.Response, nil
	})
}

// HealthCheck verifies Ollama is reachable via /api/version. It bypasses
// the circuit breaker.
func (c *OllamaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetModel returns the configured model name.
func (c *OllamaClient) GetModel() string {
	return c.model
}

// Breaker exposes the client's circuit breaker.
func (c *OllamaClient) Breaker() *CircuitBreaker {
	return c.circuitBreaker
}

var _ TextGenerator = (*OllamaClient)(nil)
