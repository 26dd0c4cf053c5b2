package retrieval

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/ragd/internal/document"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/reranker"
	"github.com/fyrsmithlabs/ragd/internal/vectorindex"
)

const dim = 256

type countingEmbedder struct {
	embeddings.Embedder
	calls atomic.Int32
	err   error
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	return e.Embedder.Embed(ctx, text)
}

type fixture struct {
	store    *document.Store
	index    *vectorindex.Memory
	embedder *countingEmbedder
}

func newFixture(t *testing.T, docs map[string]string) *fixture {
	t.Helper()
	hash, err := embeddings.NewHashProvider(dim)
	require.NoError(t, err)
	f := &fixture{index: vectorindex.NewMemory(dim), embedder: &countingEmbedder{Embedder: hash}}
	f.store, err = document.NewStore(document.Config{ChunkSize: 200, ChunkOverlap: 20}, hash, f.index)
	require.NoError(t, err)
	for id, text := range docs {
		_, err := f.store.Ingest(context.Background(), document.Document{ID: id, RawText: text})
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) retriever(t *testing.T, cfg Config, rr reranker.Reranker) *Retriever {
	t.Helper()
	r, err := New(f.store, f.embedder, rr, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return r
}

var capitals = map[string]string{
	"france":  "Paris is the capital of France.",
	"japan":   "Tokyo is the capital of Japan.",
	"morocco": "Rabat is the capital of Morocco. Marrakech is a famous city in Morocco.",
	"kenya":   "Nairobi is the capital of Kenya.",
	"peru":    "Lima is the capital of Peru.",
}

func TestRetrieve_EmptyCorpusSkipsEmbedding(t *testing.T) {
	f := newFixture(t, nil)
	r := f.retriever(t, Config{TopK: 5}, nil)

	got, err := r.Retrieve(context.Background(), "anything", 3)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Zero(t, f.embedder.calls.Load())
}

func TestRetrieve_RanksAndOrders(t *testing.T) {
	f := newFixture(t, capitals)
	r := f.retriever(t, Config{TopK: 3, MaxTopK: 10}, nil)

	got, err := r.Retrieve(context.Background(), "What is the capital of Japan?", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "japan", got[0].Chunk.DocumentID)
	for i, res := range got {
		assert.Equal(t, i+1, res.Rank)
		assert.Equal(t, res.Similarity, res.Score)
		if i > 0 {
			assert.GreaterOrEqual(t, got[i-1].Score, res.Score)
		}
	}
}

func TestRetrieve_KIsClamped(t *testing.T) {
	f := newFixture(t, capitals)
	r := f.retriever(t, Config{TopK: 2, MaxTopK: 3}, nil)

	tests := []struct {
		k    int
		want int
	}{
		{k: 0, want: 2},
		{k: -4, want: 2},
		{k: 1, want: 1},
		{k: 3, want: 3},
		{k: 50, want: 3},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("k=%d", tt.k), func(t *testing.T) {
			got, err := r.Retrieve(context.Background(), "capital", tt.k)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestRetrieve_MinScore(t *testing.T) {
	f := newFixture(t, capitals)
	r := f.retriever(t, Config{TopK: 5, MinScore: 0.99}, nil)

	got, err := r.Retrieve(context.Background(), "Nairobi Kenya", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieve_EmbeddingUnavailable(t *testing.T) {
	f := newFixture(t, capitals)
	f.embedder.err = fmt.Errorf("dial tcp: %w", embeddings.ErrEmbeddingUnavailable)
	r := f.retriever(t, Config{TopK: 5}, nil)

	_, err := r.Retrieve(context.Background(), "capital", 2)
	assert.ErrorIs(t, err, embeddings.ErrEmbeddingUnavailable)
}

func TestRetrieve_DropsRemovedDocumentsAndRebuilds(t *testing.T) {
	f := newFixture(t, capitals)
	ctx := context.Background()

	info, err := f.store.GetDocument("japan")
	require.NoError(t, err)
	stale, err := f.store.GetChunk(info.ChunkIDs[0])
	require.NoError(t, err)

	removed, err := f.store.Remove(ctx, "japan")
	require.NoError(t, err)
	require.True(t, removed)
	require.NoError(t, f.index.Add(ctx, stale.ID, stale.Embedding))
	require.Equal(t, f.store.ChunkCount()+1, f.index.Len())

	r := f.retriever(t, Config{TopK: 5}, nil)
	got, err := r.Retrieve(ctx, "capital of Japan", 5)
	require.NoError(t, err)
	for _, res := range got {
		assert.NotEqual(t, "japan", res.Chunk.DocumentID)
	}
	assert.Equal(t, f.store.ChunkCount(), f.index.Len(), "index should have been rebuilt")
}

func TestRetrieve_OverlapReranker(t *testing.T) {
	f := newFixture(t, capitals)
	rr, err := reranker.NewOverlap(0.5, 0.5)
	require.NoError(t, err)
	r := f.retriever(t, Config{TopK: 2}, rr)

	got, err := r.Retrieve(context.Background(), "Marrakech", 2)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "morocco", got[0].Chunk.DocumentID)
	assert.Greater(t, got[0].Score, got[0].Similarity*0.5)
}

// corruptStore always reports an inconsistent index.
type corruptStore struct {
	searches atomic.Int32
	rebuilds atomic.Int32
}

func (s *corruptStore) Len() int { return 1 }

func (s *corruptStore) Search(context.Context, []float32, int) ([]document.Hit, []string, error) {
	s.searches.Add(1)
	return nil, nil, fmt.Errorf("%w: dimension 3 != 256", vectorindex.ErrIndexCorrupt)
}

func (s *corruptStore) RebuildIndex(context.Context) error {
	s.rebuilds.Add(1)
	return nil
}

func TestRetrieve_PersistentCorruption(t *testing.T) {
	hash, err := embeddings.NewHashProvider(dim)
	require.NoError(t, err)
	store := &corruptStore{}
	r, err := New(store, hash, nil, Config{TopK: 3}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = r.Retrieve(context.Background(), "query", 3)
	assert.ErrorIs(t, err, vectorindex.ErrIndexCorrupt)
	assert.EqualValues(t, 2, store.searches.Load())
	assert.EqualValues(t, 1, store.rebuilds.Load())
}

func TestNew_Validation(t *testing.T) {
	hash, err := embeddings.NewHashProvider(dim)
	require.NoError(t, err)

	_, err = New(nil, hash, nil, Config{TopK: 3}, nil)
	assert.Error(t, err)
	_, err = New(&corruptStore{}, hash, nil, Config{TopK: 0}, nil)
	assert.Error(t, err)

	r, err := New(&corruptStore{}, hash, nil, Config{TopK: 5, MaxTopK: 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, r.clamp(0))
}
