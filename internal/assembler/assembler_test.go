package assembler

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragd/internal/document"
	"github.com/fyrsmithlabs/ragd/internal/retrieval"
)

func result(id, text string, score float32, rank int) retrieval.Result {
	return retrieval.Result{
		Chunk: document.Chunk{ID: id, DocumentID: "doc-" + id, Text: text},
		Score: score,
		Rank:  rank,
	}
}

func TestAssemble(t *testing.T) {
	results := []retrieval.Result{
		result("a", strings.Repeat("a", 40), 0.9, 1),
		result("b", strings.Repeat("b", 30), 0.8, 2),
		result("c", strings.Repeat("c", 10), 0.7, 3),
	}

	tests := []struct {
		name          string
		budget        int
		wantIDs       []string
		wantSize      int
		wantTruncated bool
		wantDropped   int
	}{
		{name: "everything fits", budget: 100, wantIDs: []string{"a", "b", "c"}, wantSize: 80},
		{name: "exact fit", budget: 80, wantIDs: []string{"a", "b", "c"}, wantSize: 80},
		{name: "stops at first overflow", budget: 75, wantIDs: []string{"a", "b"}, wantSize: 70, wantDropped: 1},
		{name: "does not skip ahead", budget: 55, wantIDs: []string{"a"}, wantSize: 40, wantDropped: 2},
		{name: "top chunk truncated", budget: 25, wantIDs: []string{"a"}, wantSize: 25, wantTruncated: true, wantDropped: 2},
		{name: "zero budget", budget: 0, wantIDs: []string{}, wantDropped: 3},
		{name: "negative budget", budget: -5, wantIDs: []string{}, wantDropped: 3},
	}

	a := New(charCounter{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc := a.Assemble(results, tt.budget)
			assert.Equal(t, tt.wantIDs, pc.ChunkIDs())
			assert.Equal(t, tt.wantSize, pc.TotalSize)
			assert.Equal(t, tt.wantTruncated, pc.Truncated)
			assert.Equal(t, tt.wantDropped, pc.Dropped)
			assert.Equal(t, Chars, pc.Unit)
			assert.Equal(t, tt.budget, pc.Budget)
		})
	}
}

func TestAssemble_OrdersByScoreThenRank(t *testing.T) {
	results := []retrieval.Result{
		result("low", "low", 0.1, 3),
		result("tie-second", "two", 0.5, 2),
		result("tie-first", "one", 0.5, 1),
	}
	pc := New(charCounter{}).Assemble(results, 100)
	assert.Equal(t, []string{"tie-first", "tie-second", "low"}, pc.ChunkIDs())
}

func TestAssemble_Deterministic(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	results := randomResults(r, 20)
	a := New(estimateCounter{})

	first := a.Assemble(results, 120)
	for range 10 {
		assert.Equal(t, first, a.Assemble(results, 120))
	}
}

func TestAssemble_BudgetInvariant(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	counters := []Counter{charCounter{}, estimateCounter{}}

	for trial := range 200 {
		results := randomResults(r, r.Intn(12))
		budget := r.Intn(400) - 20
		for _, c := range counters {
			pc := New(c).Assemble(results, budget)
			msg := fmt.Sprintf("trial %d unit %s budget %d", trial, c.Unit(), budget)

			total := 0
			for _, it := range pc.Items {
				assert.Equal(t, c.Count(it.Text), it.Size, msg)
				total += it.Size
			}
			assert.Equal(t, total, pc.TotalSize, msg)
			assert.Equal(t, len(results), len(pc.Items)+pc.Dropped, msg)
			if budget <= 0 {
				assert.Empty(t, pc.Items, msg)
				continue
			}
			assert.LessOrEqual(t, pc.TotalSize, budget, msg)
			if len(results) > 0 {
				assert.NotEmpty(t, pc.Items, msg)
			}
		}
	}
}

func TestAssemble_NeverSplitsExceptTopChunk(t *testing.T) {
	results := []retrieval.Result{
		result("a", "Marrakech is a city in Morocco.", 0.9, 1),
		result("b", "It is known for its souks.", 0.8, 2),
	}
	pc := New(charCounter{}).Assemble(results, 40)
	require.Len(t, pc.Items, 1)
	assert.Equal(t, results[0].Chunk.Text, pc.Items[0].Text)
	assert.False(t, pc.Truncated)

	pc = New(charCounter{}).Assemble(results, 9)
	require.Len(t, pc.Items, 1)
	assert.Equal(t, "Marrakech", pc.Items[0].Text)
	assert.True(t, pc.Truncated)
}

func TestAssemble_Tokens(t *testing.T) {
	results := []retrieval.Result{
		result("a", strings.Repeat("x", 9), 0.9, 1), // 3 tokens
		result("b", strings.Repeat("y", 8), 0.8, 2), // 2 tokens
		result("c", strings.Repeat("z", 1), 0.7, 3), // 1 token
	}
	pc := New(estimateCounter{}).Assemble(results, 5)
	assert.Equal(t, []string{"a", "b"}, pc.ChunkIDs())
	assert.Equal(t, 5, pc.TotalSize)
	assert.Equal(t, Tokens, pc.Unit)
}

func TestCounters(t *testing.T) {
	tests := []struct {
		name    string
		counter Counter
		text    string
		want    int
	}{
		{"chars ascii", charCounter{}, "hello", 5},
		{"chars multibyte", charCounter{}, "héllo wörld", 11},
		{"tokens empty", estimateCounter{}, "", 0},
		{"tokens rounds up", estimateCounter{}, "abcde", 2},
		{"tokens exact", estimateCounter{}, "abcdefgh", 2},
		{"tokens runes", estimateCounter{}, "日本語の", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.counter.Count(tt.text))
		})
	}
}

func TestNewCounter(t *testing.T) {
	c, err := NewCounter("", "")
	require.NoError(t, err)
	assert.Equal(t, Chars, c.Unit())

	c, err = NewCounter(Tokens, "")
	require.NoError(t, err)
	assert.IsType(t, estimateCounter{}, c)

	_, err = NewCounter("words", "")
	assert.Error(t, err)
}

// wordEncoder emits one token per whitespace-separated word and counts calls.
type wordEncoder struct{ calls int }

func (e *wordEncoder) Encode(text string, _, _ []string) []int {
	e.calls++
	return make([]int, len(strings.Fields(text)))
}

func stubEncoding(t *testing.T, enc tokenEncoder, err error) *int {
	t.Helper()
	resolved := 0
	orig := encodingForModel
	encodingForModel = func(string) (tokenEncoder, error) {
		resolved++
		return enc, err
	}
	t.Cleanup(func() { encodingForModel = orig })
	return &resolved
}

func TestNewCounter_ModelTokenizerResolvedOnce(t *testing.T) {
	enc := &wordEncoder{}
	resolved := stubEncoding(t, enc, nil)

	c, err := NewCounter(Tokens, "gpt-4o-mini")
	require.NoError(t, err)
	assert.IsType(t, modelCounter{}, c)
	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 3, c.Count("one two three"))

	// Truncating the top chunk counts many prefixes.
	text := strings.Repeat("word ", 50)
	pc := New(c).Assemble([]retrieval.Result{result("a", text, 0.9, 1)}, 10)
	assert.True(t, pc.Truncated)
	assert.LessOrEqual(t, pc.TotalSize, 10)

	assert.Equal(t, 1, *resolved)
	assert.Greater(t, enc.calls, 2)
}

func TestNewCounter_UnknownModelFails(t *testing.T) {
	stubEncoding(t, nil, errors.New("no encoding for model"))

	_, err := NewCounter(Tokens, "mystery-model")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mystery-model")
}

func TestPromptContext_Render(t *testing.T) {
	pc := New(charCounter{}).Assemble([]retrieval.Result{
		result("a", "Marrakech is in Morocco.\n", 0.9, 1),
		result("b", "Rabat is the capital.", 0.5, 2),
	}, 1000)

	assert.Equal(t, "[1] (source: doc-a)\nMarrakech is in Morocco.\n\n[2] (source: doc-b)\nRabat is the capital.", pc.Render())
	assert.False(t, pc.Empty())
	assert.True(t, PromptContext{}.Empty())
	assert.Empty(t, PromptContext{}.Render())
}

func randomResults(r *rand.Rand, n int) []retrieval.Result {
	out := make([]retrieval.Result, n)
	for i := range out {
		text := strings.Repeat("word ", 1+r.Intn(30))
		out[i] = result(fmt.Sprintf("c%d", i), text, r.Float32(), i+1)
	}
	return out
}
