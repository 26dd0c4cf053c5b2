package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/ragd/internal/assembler"
)

// scriptedBackend returns its replies in order and records prompts.
type scriptedBackend struct {
	mu      sync.Mutex
	replies []reply
	prompts []string
}

type reply struct {
	text string
	err  error
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Complete(ctx context.Context, req Request) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prompts = append(b.prompts, req.Prompt)
	if len(b.replies) == 0 {
		return "", errors.New("no more replies")
	}
	r := b.replies[0]
	b.replies = b.replies[1:]
	return r.text, r.err
}

func (b *scriptedBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.prompts)
}

func testContext() assembler.PromptContext {
	return assembler.PromptContext{
		Items: []assembler.Item{
			{ChunkID: "c1", DocumentID: "marrakech", Text: "Marrakech is a city in Morocco."},
			{ChunkID: "c2", DocumentID: "rabat", Text: "Rabat is the capital."},
		},
		Budget: 100,
		Unit:   assembler.Chars,
	}
}

func newGenerator(t *testing.T, b Backend, attempts int) (*Generator, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	g, err := New(b, Config{MaxAttempts: attempts, InitialBackoff: time.Millisecond}, NewMetrics(nil), zap.New(core))
	require.NoError(t, err)
	return g, logs
}

func TestGenerate_Success(t *testing.T) {
	b := &scriptedBackend{replies: []reply{{text: "  Morocco.\n"}}}
	g, _ := newGenerator(t, b, 2)

	res := g.Generate(context.Background(), "Where is Marrakech?", testContext())
	assert.Equal(t, "Morocco.", res.Text)
	assert.False(t, res.Degraded)
	assert.Equal(t, []string{"c1", "c2"}, res.UsedChunks)

	require.Len(t, b.prompts, 1)
	assert.Contains(t, b.prompts[0], "Question: Where is Marrakech?")
	assert.Contains(t, b.prompts[0], "[1] (source: marrakech)\nMarrakech is a city in Morocco.")
}

func TestGenerate_EmptyContextSkipsBackend(t *testing.T) {
	b := &scriptedBackend{}
	g, _ := newGenerator(t, b, 2)

	res := g.Generate(context.Background(), "anything", assembler.PromptContext{})
	assert.True(t, res.Degraded)
	assert.Equal(t, DefaultNoInformationMessage, res.Text)
	assert.Zero(t, b.calls())
}

func TestGenerate_Retries(t *testing.T) {
	tests := []struct {
		name         string
		replies      []reply
		attempts     int
		wantText     string
		wantDegraded bool
		wantCalls    int
	}{
		{
			name:      "retryable then success",
			replies:   []reply{{err: retryable(errors.New("server error (503)"))}, {text: "ok"}},
			attempts:  2,
			wantText:  "ok",
			wantCalls: 2,
		},
		{
			name:      "empty completion is retried",
			replies:   []reply{{text: "   "}, {text: "second"}},
			attempts:  2,
			wantText:  "second",
			wantCalls: 2,
		},
		{
			name:         "exhausted",
			replies:      []reply{{err: retryable(errors.New("a"))}, {err: retryable(errors.New("b"))}, {text: "late"}},
			attempts:     2,
			wantText:     DefaultFallbackMessage,
			wantDegraded: true,
			wantCalls:    2,
		},
		{
			name:         "client error not retried",
			replies:      []reply{{err: fmt.Errorf("%w: API error (400): bad request", ErrGenerationFailure)}, {text: "never"}},
			attempts:     3,
			wantText:     DefaultFallbackMessage,
			wantDegraded: true,
			wantCalls:    1,
		},
		{
			name:      "status code marker is retryable",
			replies:   []reply{{err: errors.New("API returned unexpected status code: 502")}, {text: "ok"}},
			attempts:  2,
			wantText:  "ok",
			wantCalls: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &scriptedBackend{replies: tt.replies}
			g, _ := newGenerator(t, b, tt.attempts)

			res := g.Generate(context.Background(), "q", testContext())
			assert.Equal(t, tt.wantText, res.Text)
			assert.Equal(t, tt.wantDegraded, res.Degraded)
			assert.Equal(t, tt.wantCalls, b.calls())
		})
	}
}

func TestGenerate_FailureIsLoggedWithQueryAndChunks(t *testing.T) {
	b := &scriptedBackend{replies: []reply{{err: errors.New("boom")}}}
	g, logs := newGenerator(t, b, 1)

	res := g.Generate(context.Background(), "Where is Marrakech?", testContext())
	require.True(t, res.Degraded)

	entries := logs.FilterMessage("generation failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "Where is Marrakech?", fields["query"])
	assert.Equal(t, []interface{}{"c1", "c2"}, fields["chunk_ids"])
}

func TestGenerate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := &scriptedBackend{replies: []reply{{err: context.Canceled}, {text: "never"}}}
	g, _ := newGenerator(t, b, 3)

	res := g.Generate(ctx, "q", testContext())
	assert.True(t, res.Degraded)
	assert.Equal(t, 1, b.calls())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Config{}, nil, nil)
	assert.Error(t, err)

	_, err = New(NewExtractive(), Config{Template: "no placeholders"}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidTemplate)

	g, err := New(NewExtractive(), Config{FallbackMessage: "try later"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "try later", g.FallbackMessage())
}

func TestBuildPrompt(t *testing.T) {
	got := BuildPrompt("C: {{context}} Q: {{question}}", "ctx with {{question}}", "what?")
	assert.Equal(t, "C: ctx with {{question}} Q: what?", got)
	assert.NoError(t, ValidateTemplate(DefaultTemplate))
	assert.ErrorIs(t, ValidateTemplate("{{context}} only"), ErrInvalidTemplate)
}

func TestNewBackend(t *testing.T) {
	tests := []struct {
		name     string
		cfg      BackendConfig
		wantName string
		wantErr  bool
	}{
		{"default", BackendConfig{}, "extractive", false},
		{"openai self-hosted", BackendConfig{Provider: "openai", BaseURL: "http://localhost:8000/v1"}, "openai", false},
		{"openai without key or url", BackendConfig{Provider: "openai"}, "", true},
		{"anthropic", BackendConfig{Provider: "anthropic", APIKey: "k"}, "anthropic", false},
		{"anthropic without key", BackendConfig{Provider: "anthropic"}, "", true},
		{"unknown", BackendConfig{Provider: "bard"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBackend(tt.cfg, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, b.Name())
		})
	}
}
