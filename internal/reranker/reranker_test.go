package reranker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(scored []Scored) []string {
	out := make([]string, len(scored))
	for i, s := range scored {
		out[i] = s.ID
	}
	return out
}

func TestOverlap_Rerank(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		candidates []Candidate
		topK       int
		wantIDs    []string
	}{
		{
			name:       "no candidates",
			query:      "test query",
			candidates: nil,
			topK:       10,
			wantIDs:    []string{},
		},
		{
			name:  "term overlap lifts lower similarity",
			query: "authentication token retry",
			candidates: []Candidate{
				{ID: "doc2", Content: "invalid request parameter", Score: 0.9},
				{ID: "doc3", Content: "token refresh and authentication handling", Score: 0.85},
				{ID: "doc1", Content: "use retry with exponential backoff for authentication", Score: 0.8},
			},
			topK:    10,
			wantIDs: []string{"doc3", "doc1", "doc2"},
		},
		{
			name:  "topK limits results",
			query: "error handling",
			candidates: []Candidate{
				{ID: "a", Content: "error handling patterns", Score: 0.9},
				{ID: "b", Content: "error recovery strategies", Score: 0.85},
				{ID: "c", Content: "error logging and monitoring", Score: 0.8},
			},
			topK:    2,
			wantIDs: []string{"a", "b"},
		},
		{
			name:  "zero topK keeps all",
			query: "test",
			candidates: []Candidate{
				{ID: "a", Content: "test data", Score: 0.8},
				{ID: "b", Content: "another test", Score: 0.7},
			},
			wantIDs: []string{"a", "b"},
		},
		{
			name:  "query without terms keeps cosine order",
			query: "the of and",
			candidates: []Candidate{
				{ID: "a", Content: "alpha", Score: 0.9},
				{ID: "b", Content: "beta", Score: 0.5},
			},
			topK:    10,
			wantIDs: []string{"a", "b"},
		},
		{
			name:  "ties keep input order",
			query: "morocco",
			candidates: []Candidate{
				{ID: "first", Content: "Morocco", Score: 0.5},
				{ID: "second", Content: "Morocco", Score: 0.5},
				{ID: "third", Content: "Morocco", Score: 0.5},
			},
			topK:    10,
			wantIDs: []string{"first", "second", "third"},
		},
	}

	r, err := NewOverlap(0.5, 0.5)
	require.NoError(t, err)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Rerank(context.Background(), tt.query, tt.candidates, tt.topK)
			require.NoError(t, err)
			assert.Equal(t, tt.wantIDs, ids(got))
			for i := 1; i < len(got); i++ {
				assert.GreaterOrEqual(t, got[i-1].RerankScore, got[i].RerankScore)
			}
		})
	}
}

func TestOverlap_ScoreBlend(t *testing.T) {
	r, err := NewOverlap(0.7, 0.3)
	require.NoError(t, err)

	got, err := r.Rerank(context.Background(), "database optimization", []Candidate{
		{ID: "a", Content: "database indexes", Score: 0.6},
	}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.5, got[0].Overlap, 1e-6)
	assert.InDelta(t, 0.7*0.6+0.3*0.5, got[0].RerankScore, 1e-6)
	assert.Equal(t, 0, got[0].OriginalRank)
}

func TestIdentity_Rerank(t *testing.T) {
	candidates := []Candidate{
		{ID: "a", Content: "x", Score: 0.9},
		{ID: "b", Content: "y", Score: 0.4},
		{ID: "c", Content: "z", Score: 0.1},
	}
	got, err := Identity{}.Rerank(context.Background(), "y", candidates, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(got))
	assert.Equal(t, float32(0.4), got[1].RerankScore)
	assert.Equal(t, 1, got[1].OriginalRank)
}

func TestRerank_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, err := New(Config{Name: "overlap", SimilarityWeight: 1, OverlapWeight: 1})
	require.NoError(t, err)
	_, err = r.Rerank(ctx, "q", []Candidate{{ID: "a"}}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantName string
		wantErr  bool
	}{
		{"default", Config{}, "none", false},
		{"none", Config{Name: "none"}, "none", false},
		{"overlap", Config{Name: "overlap", SimilarityWeight: 0.5, OverlapWeight: 0.5}, "overlap", false},
		{"overlap zero weights", Config{Name: "overlap"}, "", true},
		{"overlap negative weight", Config{Name: "overlap", SimilarityWeight: -1, OverlapWeight: 1}, "", true},
		{"unknown", Config{Name: "cross-encoder"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, r.Name())
			assert.NoError(t, r.Close())
		})
	}
}
