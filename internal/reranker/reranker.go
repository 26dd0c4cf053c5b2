// Package reranker reorders retrieval candidates after the vector search.
package reranker

import (
	"context"
	"fmt"
)

// Candidate is a retrieved chunk before re-ranking. Candidates are passed in
// cosine order.
type Candidate struct {
	ID      string
	Content string
	Score   float32
}

// Scored is a re-ranked candidate.
type Scored struct {
	Candidate
	// RerankScore is the score used for the final order.
	RerankScore float32
	// Overlap is the fraction of query terms found in Content, when computed.
	Overlap float32
	// OriginalRank is the 0-based position in the input.
	OriginalRank int
}

// Reranker reorders candidates for a query and returns at most topK of them,
// sorted by RerankScore descending. topK <= 0 keeps all candidates.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]Scored, error)
	Name() string
	Close() error
}

// Config selects a reranker.
type Config struct {
	Name             string
	SimilarityWeight float32
	OverlapWeight    float32
}

// New returns the configured reranker.
func New(cfg Config) (Reranker, error) {
	switch cfg.Name {
	case "", "none":
		return Identity{}, nil
	case "overlap":
		return NewOverlap(cfg.SimilarityWeight, cfg.OverlapWeight)
	default:
		return nil, fmt.Errorf("unknown reranker %q", cfg.Name)
	}
}

func limit(n, topK int) int {
	if topK <= 0 || topK > n {
		return n
	}
	return topK
}
