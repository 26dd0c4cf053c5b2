package reranker

import (
	"context"
	"errors"
	"slices"

	"github.com/fyrsmithlabs/ragd/internal/embeddings"
)

// ErrInvalidWeights is returned for negative or all-zero weights.
var ErrInvalidWeights = errors.New("reranker weights must be non-negative and not both zero")

// Overlap blends the similarity score with the fraction of query terms that
// appear in the candidate text:
//
//	score = similarityWeight*similarity + overlapWeight*overlap
//
// Equal scores keep their input order.
type Overlap struct {
	similarityWeight float32
	overlapWeight    float32
}

// NewOverlap creates an Overlap reranker.
func NewOverlap(similarityWeight, overlapWeight float32) (*Overlap, error) {
	if similarityWeight < 0 || overlapWeight < 0 || similarityWeight+overlapWeight == 0 {
		return nil, ErrInvalidWeights
	}
	return &Overlap{similarityWeight: similarityWeight, overlapWeight: overlapWeight}, nil
}

// Rerank scores every candidate and returns the best topK.
func (r *Overlap) Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]Scored, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	queryTerms := unique(embeddings.Terms(query))
	if len(queryTerms) == 0 {
		// Nothing to match against.
		return Identity{}.Rerank(ctx, query, candidates, topK)
	}

	scored := make([]Scored, len(candidates))
	for i, c := range candidates {
		ov := overlap(queryTerms, embeddings.Terms(c.Content))
		scored[i] = Scored{
			Candidate:    c,
			RerankScore:  r.similarityWeight*c.Score + r.overlapWeight*ov,
			Overlap:      ov,
			OriginalRank: i,
		}
	}
	slices.SortStableFunc(scored, func(a, b Scored) int {
		switch {
		case a.RerankScore > b.RerankScore:
			return -1
		case a.RerankScore < b.RerankScore:
			return 1
		}
		return 0
	})
	return scored[:limit(len(scored), topK)], nil
}

func (r *Overlap) Name() string { return "overlap" }

func (r *Overlap) Close() error { return nil }

// overlap returns the fraction of query terms present in doc.
func overlap(queryTerms []string, doc []string) float32 {
	set := make(map[string]struct{}, len(doc))
	for _, t := range doc {
		set[t] = struct{}{}
	}
	matched := 0
	for _, t := range queryTerms {
		if _, ok := set[t]; ok {
			matched++
		}
	}
	return float32(matched) / float32(len(queryTerms))
}

func unique(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := terms[:0]
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
