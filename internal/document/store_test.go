package document

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/events"
	"github.com/fyrsmithlabs/ragd/internal/vectorindex"
)

const testDim = 256

// countingEmbedder wraps the hash model, counts batch calls and can be
// switched to fail.
type countingEmbedder struct {
	inner   embeddings.Embedder
	batches atomic.Int32
	fail    atomic.Bool
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.fail.Load() {
		return nil, embeddings.ErrEmbeddingUnavailable
	}
	return e.inner.Embed(ctx, text)
}

func (e *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.batches.Add(1)
	if e.fail.Load() {
		return nil, fmt.Errorf("backend down: %w", embeddings.ErrEmbeddingUnavailable)
	}
	return e.inner.EmbedBatch(ctx, texts)
}

func (e *countingEmbedder) Dimension() int { return e.inner.Dimension() }

type passwordSanitizer struct{}

func (passwordSanitizer) Sanitize(text string) (string, int) {
	n := strings.Count(text, "hunter2")
	return strings.ReplaceAll(text, "hunter2", "[REDACTED:password]"), n
}

type testEnv struct {
	store    *Store
	embedder *countingEmbedder
	index    *vectorindex.Memory
	bus      *events.Local
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	hash, err := embeddings.NewHashProvider(testDim)
	require.NoError(t, err)
	env := &testEnv{
		embedder: &countingEmbedder{inner: hash},
		index:    vectorindex.NewMemory(testDim),
		bus:      events.NewLocal(),
	}
	opts = append([]Option{WithEventBus(env.bus), WithLogger(zaptest.NewLogger(t))}, opts...)
	env.store, err = NewStore(Config{ChunkSize: 40, ChunkOverlap: 8, MaxDocumentSize: 4096},
		env.embedder, env.index, opts...)
	require.NoError(t, err)
	return env
}

func (e *testEnv) query(t *testing.T, text string) []float32 {
	t.Helper()
	v, err := e.embedder.inner.Embed(context.Background(), text)
	require.NoError(t, err)
	return v
}

const marrakech = "Marrakech is a major city in Morocco. It is known for the Jemaa el-Fnaa square and its souks."

func TestStore_Ingest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ids, err := env.store.Ingest(ctx, Document{ID: "cities/marrakech", RawText: marrakech, SourceURI: "file:///tmp/m.txt"})
	require.NoError(t, err)
	require.NotEmpty(t, ids)

	assert.Equal(t, 1, env.store.Len())
	assert.Equal(t, len(ids), env.store.ChunkCount())
	assert.Equal(t, len(ids), env.index.Len())

	first, err := env.store.GetChunk(ids[0])
	require.NoError(t, err)
	assert.Equal(t, "cities/marrakech", first.DocumentID)
	assert.Equal(t, 0, first.Position)
	assert.True(t, strings.HasPrefix(marrakech, first.Text))
	assert.Len(t, first.Embedding, testDim)

	info, err := env.store.GetDocument("cities/marrakech")
	require.NoError(t, err)
	assert.Equal(t, ids, info.ChunkIDs)
	assert.Equal(t, "file:///tmp/m.txt", info.SourceURI)
	assert.Len(t, info.Checksum, 64)
	assert.False(t, info.IngestedAt.IsZero())
}

func TestStore_IngestIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := Document{ID: "d1", RawText: marrakech}

	first, err := env.store.Ingest(ctx, doc)
	require.NoError(t, err)
	second, err := env.store.Ingest(ctx, doc)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, env.embedder.batches.Load(), "unchanged document must not be re-embedded")
	assert.Equal(t, len(first), env.store.ChunkCount())
	assert.Equal(t, len(first), env.index.Len())
}

func TestStore_ReingestUpdatesSourceAndMetadata(t *testing.T) {
	env := newTestEnv(t, WithSanitizer(passwordSanitizer{}))
	ctx := context.Background()
	text := marrakech + " The wifi password is hunter2."

	first, err := env.store.Ingest(ctx, Document{ID: "d", RawText: text,
		SourceURI: "file:///old", Metadata: map[string]string{"v": "1"}})
	require.NoError(t, err)
	second, err := env.store.Ingest(ctx, Document{ID: "d", RawText: text,
		SourceURI: "file:///new", Metadata: map[string]string{"v": "2"}})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, env.embedder.batches.Load(), "unchanged text must not be re-embedded")

	info, err := env.store.GetDocument("d")
	require.NoError(t, err)
	assert.Equal(t, "file:///new", info.SourceURI)
	assert.Equal(t, map[string]string{"v": "2", RedactionsKey: "1"}, info.Metadata)
	assert.Equal(t, first, info.ChunkIDs)
	assert.Equal(t, len(first), env.index.Len())

	// Same source and metadata again is a no-op.
	before := info.IngestedAt
	_, err = env.store.Ingest(ctx, Document{ID: "d", RawText: text,
		SourceURI: "file:///new", Metadata: map[string]string{"v": "2"}})
	require.NoError(t, err)
	info, err = env.store.GetDocument("d")
	require.NoError(t, err)
	assert.Equal(t, before, info.IngestedAt)
}

func TestStore_ReingestReplacesChunks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	old, err := env.store.Ingest(ctx, Document{ID: "d1", RawText: marrakech})
	require.NoError(t, err)
	updated, err := env.store.Ingest(ctx, Document{ID: "d1", RawText: "Fes is an older city in Morocco."})
	require.NoError(t, err)

	require.Len(t, updated, 1)
	for _, id := range old {
		_, err := env.store.GetChunk(id)
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, 1, env.store.ChunkCount())
	assert.Equal(t, 1, env.index.Len())
}

func TestStore_EmbeddingFailureLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ids, err := env.store.Ingest(ctx, Document{ID: "d1", RawText: marrakech})
	require.NoError(t, err)

	env.embedder.fail.Store(true)
	_, err = env.store.Ingest(ctx, Document{ID: "d1", RawText: "replacement text"})
	require.Error(t, err)
	assert.ErrorIs(t, err, embeddings.ErrEmbeddingUnavailable)

	_, err = env.store.Ingest(ctx, Document{ID: "d2", RawText: "another document"})
	require.Error(t, err)

	info, err := env.store.GetDocument("d1")
	require.NoError(t, err)
	assert.Equal(t, ids, info.ChunkIDs)
	assert.Equal(t, marrakech, info.RawText)
	assert.Equal(t, 1, env.store.Len())
	assert.Equal(t, len(ids), env.index.Len())
}

// halfApplyIndex applies removals but fails the additions of a batch.
type halfApplyIndex struct {
	*vectorindex.Memory
	failAdd atomic.Bool
}

func (x *halfApplyIndex) Apply(ctx context.Context, remove []string, add []vectorindex.Entry) error {
	if !x.failAdd.Load() || len(add) == 0 {
		return x.Memory.Apply(ctx, remove, add)
	}
	if err := x.Memory.Apply(ctx, remove, nil); err != nil {
		return err
	}
	return fmt.Errorf("%w: adding %d vectors: disk full", vectorindex.ErrIndexCorrupt, len(add))
}

func TestStore_FailedIndexWriteRestoresPreviousVersion(t *testing.T) {
	hash, err := embeddings.NewHashProvider(testDim)
	require.NoError(t, err)
	index := &halfApplyIndex{Memory: vectorindex.NewMemory(testDim)}
	store, err := NewStore(Config{ChunkSize: 40, ChunkOverlap: 8, MaxDocumentSize: 4096},
		hash, index, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	ctx := context.Background()

	ids, err := store.Ingest(ctx, Document{ID: "d1", RawText: marrakech})
	require.NoError(t, err)

	index.failAdd.Store(true)
	_, err = store.Ingest(ctx, Document{ID: "d1", RawText: "Fes is an older city in Morocco."})
	require.ErrorIs(t, err, vectorindex.ErrIndexCorrupt)
	index.failAdd.Store(false)

	info, err := store.GetDocument("d1")
	require.NoError(t, err)
	assert.Equal(t, ids, info.ChunkIDs)
	assert.Equal(t, len(ids), index.Len(), "previous vectors must be back in the index")

	q, err := hash.Embed(ctx, "Jemaa el-Fnaa square")
	require.NoError(t, err)
	hits, dangling, err := store.Search(ctx, q, 3)
	require.NoError(t, err)
	assert.Empty(t, dangling)
	require.NotEmpty(t, hits)
	assert.Equal(t, "d1", hits[0].Chunk.DocumentID)
}

func TestStore_InvalidDocuments(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		doc  Document
	}{
		{"empty id", Document{ID: "", RawText: "text"}},
		{"control characters in id", Document{ID: "bad\x00id", RawText: "text"}},
		{"blank text", Document{ID: "d", RawText: " \n\t "}},
		{"too large", Document{ID: "d", RawText: strings.Repeat("x", 4097)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.store.Ingest(context.Background(), tt.doc)
			assert.ErrorIs(t, err, ErrInvalidDocument)
		})
	}
	assert.Zero(t, env.store.Len())
	assert.Zero(t, env.embedder.batches.Load())
}

func TestStore_Remove(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var got []events.Event
	env.bus.Subscribe(func(_ context.Context, e events.Event) { got = append(got, e) })

	ids, err := env.store.Ingest(ctx, Document{ID: "d1", RawText: marrakech})
	require.NoError(t, err)

	removed, err := env.store.Remove(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = env.store.Remove(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, removed)

	assert.Zero(t, env.store.Len())
	assert.Zero(t, env.store.ChunkCount())
	assert.Zero(t, env.index.Len())
	_, err = env.store.GetDocument("d1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.Len(t, got, 2)
	assert.Equal(t, events.DocumentIngested, got[0].Type)
	assert.Equal(t, ids, got[0].ChunkIDs)
	assert.Equal(t, events.DocumentRemoved, got[1].Type)
	assert.Equal(t, "d1", got[1].DocumentID)
	assert.False(t, got[1].At.IsZero())
}

func TestStore_SearchReportsDanglingAndRebuildRepairs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ids, err := env.store.Ingest(ctx, Document{ID: "d1", RawText: marrakech})
	require.NoError(t, err)
	stale, err := env.store.GetChunk(ids[0])
	require.NoError(t, err)
	_, err = env.store.Ingest(ctx, Document{ID: "d2", RawText: "Rabat is the capital of Morocco."})
	require.NoError(t, err)

	_, err = env.store.Remove(ctx, "d1")
	require.NoError(t, err)
	// Simulate an index that missed the removal.
	require.NoError(t, env.index.Add(ctx, stale.ID, stale.Embedding))

	hits, dangling, err := env.store.Search(ctx, env.query(t, "Marrakech Morocco"), 5)
	require.NoError(t, err)
	assert.Contains(t, dangling, stale.ID)
	for _, h := range hits {
		assert.Equal(t, "d2", h.Chunk.DocumentID)
	}

	require.NoError(t, env.store.RebuildIndex(ctx))
	assert.Equal(t, env.store.ChunkCount(), env.index.Len())

	hits, dangling, err = env.store.Search(ctx, env.query(t, "Marrakech Morocco"), 5)
	require.NoError(t, err)
	assert.Empty(t, dangling)
	require.NotEmpty(t, hits)
	assert.Equal(t, "d2", hits[0].Chunk.DocumentID)
}

func TestStore_SearchRanksRelevantChunkFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.store.Ingest(ctx, Document{ID: "paris", RawText: "Paris is the capital of France."})
	require.NoError(t, err)
	_, err = env.store.Ingest(ctx, Document{ID: "tokyo", RawText: "Tokyo is the capital of Japan."})
	require.NoError(t, err)

	hits, _, err := env.store.Search(ctx, env.query(t, "capital of Japan"), 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "tokyo", hits[0].Chunk.DocumentID)
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
}

func TestStore_Sanitizer(t *testing.T) {
	env := newTestEnv(t, WithSanitizer(passwordSanitizer{}))

	_, err := env.store.Ingest(context.Background(), Document{ID: "creds", RawText: "the password is hunter2"})
	require.NoError(t, err)

	info, err := env.store.GetDocument("creds")
	require.NoError(t, err)
	assert.Equal(t, "1", info.Metadata[RedactionsKey])
	assert.NotContains(t, info.RawText, "hunter2")
	for _, id := range info.ChunkIDs {
		c, err := env.store.GetChunk(id)
		require.NoError(t, err)
		assert.NotContains(t, c.Text, "hunter2")
	}
}

func TestStore_DocumentsSortedByID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		_, err := env.store.Ingest(ctx, Document{ID: id, RawText: "text for " + id})
		require.NoError(t, err)
	}

	docs := env.store.Documents()
	require.Len(t, docs, 3)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, "b", docs[1].ID)
	assert.Equal(t, "c", docs[2].ID)
}

func TestStore_RebuildCoalesces(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.store.Ingest(ctx, Document{ID: "d1", RawText: marrakech})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- env.store.RebuildIndex(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, env.store.ChunkCount(), env.index.Len())
}

func TestStore_ConcurrentSearchDuringIngest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.store.Ingest(ctx, Document{ID: "d1", RawText: marrakech})
	require.NoError(t, err)
	q := env.query(t, "Marrakech")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 20 {
			_, err := env.store.Ingest(ctx, Document{ID: "d1", RawText: fmt.Sprintf("%s Revision %d.", marrakech, i)})
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for range 200 {
			_, dangling, err := env.store.Search(ctx, q, 3)
			assert.NoError(t, err)
			assert.Empty(t, dangling)
		}
	}()
	wg.Wait()
}

func TestNewStore_DimensionMismatch(t *testing.T) {
	hash, err := embeddings.NewHashProvider(32)
	require.NoError(t, err)
	_, err = NewStore(Config{ChunkSize: 10}, hash, vectorindex.NewMemory(64))
	assert.ErrorIs(t, err, vectorindex.ErrDimensionMismatch)
}
