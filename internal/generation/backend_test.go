package generation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragd/internal/assembler"
)

func TestExtractive_Complete(t *testing.T) {
	pc := assembler.PromptContext{Items: []assembler.Item{
		{ChunkID: "a", Text: "Marrakech is a major city in Morocco. It is known for its souks."},
		{ChunkID: "b", Text: "Rabat is the capital of Morocco. Fes has the oldest university."},
	}}

	tests := []struct {
		name     string
		question string
		want     string
	}{
		{
			name:     "best matching sentence",
			question: "Where is Marrakech?",
			want:     "Marrakech is a major city in Morocco.",
		},
		{
			name:     "multiple sentences kept in context order",
			question: "capital of Morocco and Marrakech",
			want:     "Marrakech is a major city in Morocco. Rabat is the capital of Morocco.",
		},
		{
			name:     "no overlap returns first sentence",
			question: "zebra",
			want:     "Marrakech is a major city in Morocco.",
		},
	}
	e := NewExtractive()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Complete(context.Background(), Request{Question: tt.question, Context: pc})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractive_Deterministic(t *testing.T) {
	pc := testContext()
	e := NewExtractive()
	first, err := e.Complete(context.Background(), Request{Question: "Morocco city", Context: pc})
	require.NoError(t, err)
	for range 5 {
		got, err := e.Complete(context.Background(), Request{Question: "Morocco city", Context: pc})
		require.NoError(t, err)
		assert.Equal(t, first, got)
	}
}

func TestExtractive_EmptyContext(t *testing.T) {
	_, err := NewExtractive().Complete(context.Background(), Request{Question: "q"})
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("Version 1.5 shipped. Did it work? Yes!  Trailing words")
	assert.Equal(t, []string{"Version 1.5 shipped.", "Did it work?", "Yes!", "Trailing words"}, got)
}

func anthropicServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestAnthropic_Complete(t *testing.T) {
	srv := anthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("Anthropic-Version"))

		var req anthropicRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-test", req.Model)
		if assert.Len(t, req.Messages, 1) {
			assert.Equal(t, "the prompt", req.Messages[0].Content)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"Morocco."}],"stop_reason":"end_turn"}`))
	})

	a, err := NewAnthropic(AnthropicConfig{BaseURL: srv.URL, Model: "claude-test", APIKey: "test-key"}, nil)
	require.NoError(t, err)
	got, err := a.Complete(context.Background(), Request{Prompt: "the prompt"})
	require.NoError(t, err)
	assert.Equal(t, "Morocco.", got)
}

func TestAnthropic_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{}`, true},
		{"server error", http.StatusBadGateway, `oops`, true},
		{"bad request", http.StatusBadRequest, `{"error":{"type":"invalid_request_error","message":"max_tokens too large"}}`, false},
		{"unauthorized", http.StatusUnauthorized, `{}`, false},
		{"empty content", http.StatusOK, `{"content":[]}`, true},
		{"malformed", http.StatusOK, `{"content":`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := anthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			a, err := NewAnthropic(AnthropicConfig{BaseURL: srv.URL, APIKey: "k"}, nil)
			require.NoError(t, err)

			_, err = a.Complete(context.Background(), Request{Prompt: "p"})
			require.Error(t, err)
			assert.Equal(t, tt.retryable, isRetryable(context.Background(), err))
		})
	}
}

func TestAnthropic_RetriedByGenerator(t *testing.T) {
	var calls atomic.Int32
	srv := anthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"second time lucky"}]}`))
	})
	a, err := NewAnthropic(AnthropicConfig{BaseURL: srv.URL, APIKey: "k", RateLimit: 6000, RateBurst: 10}, nil)
	require.NoError(t, err)
	g, err := New(a, Config{MaxAttempts: 2, InitialBackoff: time.Millisecond}, nil, nil)
	require.NoError(t, err)

	res := g.Generate(context.Background(), "q", testContext())
	assert.False(t, res.Degraded)
	assert.Equal(t, "second time lucky", res.Text)
	assert.EqualValues(t, 2, calls.Load())
}

func TestOpenAI_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "local-model",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "It is in Morocco."}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	}))
	defer srv.Close()

	o, err := NewOpenAI(OpenAIConfig{BaseURL: srv.URL, Model: "local-model"})
	require.NoError(t, err)
	got, err := o.Complete(context.Background(), Request{Prompt: "Where is Marrakech?"})
	require.NoError(t, err)
	assert.Equal(t, "It is in Morocco.", got)
}
