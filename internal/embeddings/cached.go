package embeddings

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedProvider memoizes embeddings by exact text. Vectors are copied on the
// way in and out so callers cannot corrupt cached entries.
type CachedProvider struct {
	Provider
	cache *lru.Cache[string, []float32]
}

// NewCachedProvider wraps p with an LRU cache of size entries.
func NewCachedProvider(p Provider, size int) (*CachedProvider, error) {
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("%w: cache: %v", ErrInvalidConfig, err)
	}
	return &CachedProvider{Provider: p, cache: cache}, nil
}

// Embed returns the cached vector for text or computes and caches it.
func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		return clone(v), nil
	}
	v, err := c.Provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(text, clone(v))
	return v, nil
}

// EmbedBatch serves hits from the cache and fetches all misses in a single
// backend batch.
func (c *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkBatch(texts); err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	var (
		missing []string
		slots   = map[string][]int{}
	)
	for i, t := range texts {
		if v, ok := c.cache.Get(t); ok {
			out[i] = clone(v)
			continue
		}
		if _, seen := slots[t]; !seen {
			missing = append(missing, t)
		}
		slots[t] = append(slots[t], i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.Provider.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, t := range missing {
		c.cache.Add(t, clone(vecs[j]))
		for _, i := range slots[t] {
			out[i] = clone(vecs[j])
		}
	}
	return out, nil
}

// Len returns the number of cached vectors.
func (c *CachedProvider) Len() int { return c.cache.Len() }

// Close purges the cache and closes the wrapped provider.
func (c *CachedProvider) Close() error {
	c.cache.Purge()
	return c.Provider.Close()
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
