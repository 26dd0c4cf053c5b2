// Package vectorindex provides nearest-neighbour search over chunk
// embeddings.
//
// The index is a projection of the document store keyed by chunk ID and can
// always be rebuilt from it. Similarity is cosine in [-1, 1] for every
// implementation; results are ordered by descending score with ties broken
// by insertion order.
package vectorindex

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/fyrsmithlabs/ragd/internal/sanitize"
)

// Match is a search hit.
type Match struct {
	ID    string
	Score float32
}

// Entry is a vector keyed by chunk ID.
type Entry struct {
	ID     string
	Vector []float32
}

// Index is a cosine-similarity vector index.
type Index interface {
	// Add inserts or replaces one vector.
	Add(ctx context.Context, id string, vector []float32) error

	// Remove deletes id. Removing an unknown id is a no-op.
	Remove(ctx context.Context, id string) error

	// Apply removes and then adds entries as one batch. Searches observe
	// either none or all of the batch.
	Apply(ctx context.Context, remove []string, add []Entry) error

	// Search returns at most k matches in non-increasing score order.
	Search(ctx context.Context, query []float32, k int) ([]Match, error)

	// Rebuild replaces the whole index content. In-flight searches see the
	// old or the new content, never a mix.
	Rebuild(ctx context.Context, entries []Entry) error

	Len() int
	Dimension() int
	Close() error
}

// Config selects and configures an Index.
type Config struct {
	Provider  string
	Dimension int

	ChromemPath       string
	ChromemCollection string

	Qdrant QdrantConfig
}

// New builds the configured index.
func New(ctx context.Context, cfg Config) (Index, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, cfg.Dimension)
	}
	switch cfg.Provider {
	case "memory", "":
		return NewMemory(cfg.Dimension), nil
	case "chromem":
		return NewChromem(ChromemConfig{
			Path:       cfg.ChromemPath,
			Collection: cfg.ChromemCollection,
			Dimension:  cfg.Dimension,
		})
	case "qdrant":
		q := cfg.Qdrant
		q.Dimension = cfg.Dimension
		return NewQdrant(ctx, q)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// normalize returns a unit-length copy of v.
func normalize(v []float32, dim int) ([]float32, error) {
	if len(v) != dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), dim)
	}
	var sum float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: non-finite component", ErrInvalidVector)
		}
		sum += f * f
	}
	if sum == 0 {
		return nil, fmt.Errorf("%w: zero vector", ErrInvalidVector)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, nil
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return clampScore(s)
}

func clampScore(s float32) float32 {
	switch {
	case s > 1:
		return 1
	case s < -1:
		return -1
	}
	return s
}

// ranked is a match with its insertion sequence for tie-breaking.
type ranked struct {
	Match
	seq uint64
}

// topK sorts by descending score, then ascending sequence, and truncates.
func topK(c []ranked, k int) []Match {
	slices.SortFunc(c, func(a, b ranked) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	if len(c) > k {
		c = c[:k]
	}
	out := make([]Match, len(c))
	for i := range c {
		out[i] = c[i].Match
	}
	return out
}

// generationWidth fits any UnixNano timestamp.
const generationWidth = 19

// collectionBase sanitizes a configured collection name and shortens it so
// that base_g<generation> stays a valid collection name.
func collectionBase(name string) string {
	placeholder := "g" + strings.Repeat("0", generationWidth)
	return strings.TrimSuffix(sanitize.CollectionName(name, placeholder), "_"+placeholder)
}

func generationName(base string, gen int64) string {
	return fmt.Sprintf("%s_g%d", base, gen)
}
