package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/generate":
			var req generateRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "test-model", req.Model)
			assert.Equal(t, "json", req.Format)
			assert.False(t, req.Stream)
			_ = json.NewEncoder(w).Encode(generateResponse{Response: `{"summary":"x"}`, Done: true})
		case "/api/version":
			_, _ = w.Write([]byte(`{"version":"0.5.0"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewOllamaClient(OllamaConfig{BaseURL: srv.URL + "/", Model: "test-model"})
	out, err := c.Complete(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"x"}`, out)
	assert.Equal(t, "test-model", c.GetModel())
	require.NoError(t, c.HealthCheck(context.Background()))
}

func TestOllamaClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(OllamaConfig{BaseURL: srv.URL})
	_, err := c.Complete(context.Background(), "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama returned status 404")
	assert.Error(t, c.HealthCheck(context.Background()))
}

func TestOpenAIClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "prompt", req.Messages[1].Content)

		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"answer"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	out, err := c.Complete(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "answer", out)
	assert.Equal(t, "gpt-4o-mini", c.GetModel())
}

func TestOpenAIClient_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL}).Complete(context.Background(), "prompt")
	require.Error(t, err)
}

func TestAnthropicClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"{\"a\":"},{"type":"text","text":"1}"}]}`))
	}))
	defer srv.Close()

	out, err := NewAnthropicClient(AnthropicConfig{APIKey: "key", BaseURL: srv.URL}).Complete(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, out)
}

func TestNewTextGenerator(t *testing.T) {
	gen, err := NewTextGenerator(Config{Provider: ProviderNone})
	require.NoError(t, err)
	assert.Nil(t, gen)

	gen, err = NewTextGenerator(Config{Provider: ProviderOllama, Model: "llama3"})
	require.NoError(t, err)
	assert.Equal(t, "llama3", gen.GetModel())

	gen, err = NewTextGenerator(Config{Provider: ProviderOpenAI})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, gen)

	_, err = NewTextGenerator(Config{Provider: ProviderAnthropic})
	require.Error(t, err)

	_, err = NewTextGenerator(Config{Provider: "bard"})
	require.Error(t, err)

	a, err := NewAnalyzerFromConfig(Config{Provider: ProviderNone}, nil)
	require.NoError(t, err)
	assert.Nil(t, a)
}
