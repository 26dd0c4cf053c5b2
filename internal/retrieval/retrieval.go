// Package retrieval finds the chunks most relevant to a query.
package retrieval

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/document"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/reranker"
	"github.com/fyrsmithlabs/ragd/internal/vectorindex"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/ragd/internal/retrieval")

// rerankPool is how many candidates per requested result are fetched when a
// reranker other than the identity is configured.
const rerankPool = 3

// Result is one retrieved chunk.
type Result struct {
	Chunk document.Chunk `json:"chunk"`
	// Score orders results: the reranker's score, or Similarity without one.
	Score float32 `json:"score"`
	// Similarity is the cosine similarity reported by the index.
	Similarity float32 `json:"similarity"`
	Rank       int     `json:"rank"`
}

// Store is the part of the document store the retriever reads.
type Store interface {
	Len() int
	Search(ctx context.Context, vector []float32, k int) ([]document.Hit, []string, error)
	RebuildIndex(ctx context.Context) error
}

// Config configures a Retriever.
type Config struct {
	TopK     int
	MaxTopK  int
	MinScore float32
}

// Retriever embeds queries and searches the store.
type Retriever struct {
	store    Store
	embedder embeddings.Embedder
	reranker reranker.Reranker
	cfg      Config
	logger   *zap.Logger
}

// New creates a Retriever. A nil reranker keeps the cosine order.
func New(store Store, embedder embeddings.Embedder, rr reranker.Reranker, cfg Config, logger *zap.Logger) (*Retriever, error) {
	if store == nil || embedder == nil {
		return nil, errors.New("store and embedder are required")
	}
	if cfg.TopK <= 0 {
		return nil, fmt.Errorf("top_k must be positive, got %d", cfg.TopK)
	}
	if cfg.MaxTopK < cfg.TopK {
		cfg.MaxTopK = cfg.TopK
	}
	if rr == nil {
		rr = reranker.Identity{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{store: store, embedder: embedder, reranker: rr, cfg: cfg, logger: logger}, nil
}

// Retrieve returns up to k chunks for query, best first, ranked from 1.
// k <= 0 uses the configured default; k is capped at the configured maximum.
// An empty corpus yields no results and no error.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Retrieve")
	defer span.End()

	if r.store.Len() == 0 {
		span.SetAttributes(attribute.Bool("retrieval.empty_corpus", true))
		return []Result{}, nil
	}

	k = r.clamp(k)
	span.SetAttributes(attribute.Int("retrieval.k", k))

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	fetch := k
	if r.reranker.Name() != "none" {
		fetch = k * rerankPool
	}
	hits, err := r.search(ctx, vec, fetch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return nil, err
	}

	candidates := make([]reranker.Candidate, 0, len(hits))
	byID := make(map[string]document.Hit, len(hits))
	for _, h := range hits {
		if h.Score < r.cfg.MinScore {
			continue
		}
		candidates = append(candidates, reranker.Candidate{ID: h.Chunk.ID, Content: h.Chunk.Text, Score: h.Score})
		byID[h.Chunk.ID] = h
	}

	scored, err := r.reranker.Rerank(ctx, query, candidates, k)
	if err != nil {
		return nil, fmt.Errorf("reranking: %w", err)
	}

	results := make([]Result, len(scored))
	for i, s := range scored {
		h := byID[s.ID]
		results[i] = Result{Chunk: h.Chunk, Score: s.RerankScore, Similarity: h.Score, Rank: i + 1}
	}

	r.logger.Debug("retrieved chunks",
		zap.Int("k", k),
		zap.Int("candidates", len(hits)),
		zap.Int("results", len(results)))
	span.SetAttributes(attribute.Int("retrieval.results", len(results)))
	return results, nil
}

// search runs the store search, rebuilding the index once if it reports
// entries the store does not know or is inconsistent.
func (r *Retriever) search(ctx context.Context, vec []float32, k int) ([]document.Hit, error) {
	hits, dangling, err := r.store.Search(ctx, vec, k)
	switch {
	case err != nil && !errors.Is(err, vectorindex.ErrIndexCorrupt):
		return nil, fmt.Errorf("searching index: %w", err)
	case err == nil && len(dangling) == 0:
		return hits, nil
	}

	r.logger.Warn("index out of step with store, rebuilding",
		zap.Int("dangling", len(dangling)), zap.Error(err))
	if rerr := r.store.RebuildIndex(ctx); rerr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: rebuild failed: %v", vectorindex.ErrIndexCorrupt, rerr)
	}

	hits, dangling, err = r.store.Search(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("searching rebuilt index: %w", err)
	}
	if len(dangling) > 0 {
		// Hits are already filtered; the leftovers are only logged.
		r.logger.Warn("index still reports unknown chunks after rebuild", zap.Strings("chunk_ids", dangling))
	}
	return hits, nil
}

func (r *Retriever) clamp(k int) int {
	if k <= 0 {
		k = r.cfg.TopK
	}
	return min(k, r.cfg.MaxTopK)
}
