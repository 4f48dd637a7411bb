package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adya9/web-whisper/config"
	"github.com/adya9/web-whisper/llm"
)

func TestNewClientOllamaDefault(t *testing.T) {
	cfg := config.Config{}
	cfg.LLM.Provider = config.ProviderOllama
	cfg.LLM.Model = "llama3.1:8b"

	client, err := llm.NewClient(cfg)
	require.NoError(t, err)
	require.NotNil(t, client)

	_, ok := client.(llm.StreamClient)
	assert.True(t, ok, "ollama client must support streaming")
}

func TestNewClientOpenAIRequiresKey(t *testing.T) {
	cfg := config.Config{}
	cfg.LLM.Provider = config.ProviderOpenAI
	cfg.LLM.Model = "gpt-4o-mini"

	_, err := llm.NewClient(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}

func TestNewClientOpenAI(t *testing.T) {
	cfg := config.Config{}
	cfg.LLM.Provider = config.ProviderOpenAI
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.OpenAIAPIKey = "sk-test"

	client, err := llm.NewClient(cfg)
	require.NoError(t, err)

	_, ok := client.(llm.StreamClient)
	assert.True(t, ok, "openai client must support streaming")
}

func TestNewClientUnknownProvider(t *testing.T) {
	cfg := config.Config{}
	cfg.LLM.Provider = "acme"

	_, err := llm.NewClient(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown llm provider")
}

type chatPayload struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Stream bool `json:"stream"`
}

func ollamaTestClient(t *testing.T, handler http.HandlerFunc) llm.StreamClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := llm.NewOllamaClient(llm.Options{Model: "llama3.1:8b", OllamaHost: server.URL})
	streamer, ok := client.(llm.StreamClient)
	require.True(t, ok)
	return streamer
}

func TestOllamaGenerate(t *testing.T) {
	var got chatPayload
	client := ollamaTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": "Hello from the model."},
			"done":    true,
		})
	})

	answer, err := client.Generate(context.Background(), []llm.Message{
		{Role: llm.RoleSystem, Content: "be brief"},
		{Role: llm.RoleUser, Content: "say hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello from the model.", answer)

	assert.Equal(t, "llama3.1:8b", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "say hello", got.Messages[1].Content)
}

func TestOllamaGenerateServerError(t *testing.T) {
	client := ollamaTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	})

	_, err := client.Generate(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

func TestOllamaGenerateStream(t *testing.T) {
	var got chatPayload
	client := ollamaTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		enc := json.NewEncoder(w)
		_ = enc.Encode(map[string]any{"message": map[string]string{"role": "assistant", "content": "Hello "}, "done": false})
		_ = enc.Encode(map[string]any{"message": map[string]string{"role": "assistant", "content": ""}, "done": false})
		_ = enc.Encode(map[string]any{"message": map[string]string{"role": "assistant", "content": "world."}, "done": true})
	})

	var chunks []string
	err := client.GenerateStream(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, got.Stream)
	assert.Equal(t, []string{"Hello ", "world."}, chunks)
}

func TestOllamaGenerateStreamCallbackError(t *testing.T) {
	client := ollamaTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		_ = enc.Encode(map[string]any{"message": map[string]string{"role": "assistant", "content": "one"}, "done": false})
		_ = enc.Encode(map[string]any{"message": map[string]string{"role": "assistant", "content": "two"}, "done": true})
	})

	stop := errors.New("stop")
	err := client.GenerateStream(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, func(string) error {
		return stop
	})
	assert.ErrorIs(t, err, stop)
}
