package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
		check   func(t *testing.T, c Client)
	}{
		{
			name: "groq defaults",
			cfg:  Config{Provider: "groq", APIKey: "k"},
			check: func(t *testing.T, c Client) {
				oc, ok := c.(*OpenAIClient)
				require.True(t, ok)
				assert.Equal(t, GroqModel, oc.model)
			},
		},
		{name: "openai", cfg: Config{Provider: "OpenAI", APIKey: "k"}},
		{name: "echo needs no key", cfg: Config{Provider: "echo"}},
		{name: "missing key", cfg: Config{Provider: "groq"}, wantErr: ErrMissingAPIKey},
		{name: "gemini missing key", cfg: Config{Provider: "gemini"}, wantErr: ErrMissingAPIKey},
		{name: "unknown", cfg: Config{Provider: "carrier-pigeon"}, wantErr: ErrUnknownProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(context.Background(), tt.cfg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, c)
			if tt.check != nil {
				tt.check(t, c)
			}
		})
	}
}

func TestOpenAIClientComplete(t *testing.T) {
	var got struct {
		Model       string  `json:"model"`
		Temperature float64 `json:"temperature"`
		MaxTokens   int     `json:"max_tokens"`
		Messages    []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "llama3-8b-8192",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "  You have 3 courses.  "}}]
		}`))
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(Config{APIKey: "test-key", BaseURL: srv.URL, Model: GroqModel})
	require.NoError(t, err)

	text, err := c.Complete(context.Background(), Prompt{System: "sys", User: "Show me my courses"})
	require.NoError(t, err)
	assert.Equal(t, "You have 3 courses.", text)

	assert.Equal(t, GroqModel, got.Model)
	assert.InDelta(t, DefaultTemp, got.Temperature, 1e-9)
	assert.Equal(t, DefaultTokens, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "Show me my courses", got.Messages[1].Content)
}

func TestOpenAIClientUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error": {"message": "overloaded"}}`))
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(Config{APIKey: "k", BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), Prompt{User: "hi"})
	assert.Error(t, err)
}

func TestStaticClients(t *testing.T) {
	ctx := context.Background()

	text, err := StaticClient{Response: "   "}.Complete(ctx, Prompt{})
	require.NoError(t, err)
	assert.Equal(t, FallbackResponse, text)

	text, err = EchoClient{}.Complete(ctx, Prompt{User: "hola"})
	require.NoError(t, err)
	assert.Equal(t, "You said: hola", text)

	boom := errors.New("boom")
	_, err = FuncClient(func(context.Context, Prompt) (string, error) { return "", boom }).Complete(ctx, Prompt{})
	assert.ErrorIs(t, err, boom)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = StaticClient{Response: "x"}.Complete(cancelled, Prompt{})
	assert.ErrorIs(t, err, context.Canceled)
}
