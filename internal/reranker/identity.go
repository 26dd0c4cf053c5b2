package reranker

import "context"

// Identity keeps the cosine order.
type Identity struct{}

// Rerank returns the first topK candidates unchanged.
func (Identity) Rerank(ctx context.Context, _ string, candidates []Candidate, topK int) ([]Scored, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := limit(len(candidates), topK)
	out := make([]Scored, n)
	for i := range n {
		out[i] = Scored{Candidate: candidates[i], RerankScore: candidates[i].Score, OriginalRank: i}
	}
	return out, nil
}

func (Identity) Name() string { return "none" }

func (Identity) Close() error { return nil }
