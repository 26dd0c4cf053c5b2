package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// HashModel is the model name reported by the hashing provider.
const HashModel = "ragd-hash-v1"

const trigramWeight = 0.5

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "can": {}, "do": {}, "does": {}, "for": {}, "from": {}, "has": {},
	"have": {}, "how": {}, "i": {}, "in": {}, "is": {}, "it": {}, "its": {},
	"me": {}, "my": {}, "of": {}, "on": {}, "or": {}, "our": {}, "that": {},
	"the": {}, "their": {}, "this": {}, "to": {}, "was": {}, "we": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "who": {}, "why": {},
	"will": {}, "with": {}, "you": {}, "your": {},
}

// HashProvider embeds text by feature hashing words and character trigrams
// into a fixed number of buckets. It needs no model download or network and
// is the default provider for local and test deployments.
type HashProvider struct {
	dim int
}

// NewHashProvider creates a hashing embedder with dim buckets.
func NewHashProvider(dim int) (*HashProvider, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, dim)
	}
	return &HashProvider{dim: dim}, nil
}

// Embed returns the L2-normalized hashed feature vector of text.
func (p *HashProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	return p.vector(text), nil
}

// EmbedBatch embeds each text in order.
func (p *HashProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkBatch(texts); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimension returns the number of buckets.
func (p *HashProvider) Dimension() int { return p.dim }

// Model returns HashModel.
func (p *HashProvider) Model() string { return HashModel }

// Close is a no-op.
func (p *HashProvider) Close() error { return nil }

func (p *HashProvider) vector(text string) []float32 {
	counts := make(map[string]float64)
	terms := Terms(text)
	for _, t := range terms {
		counts["w:"+t]++
		padded := []rune("^" + t + "$")
		for i := 0; i+3 <= len(padded); i++ {
			counts["c:"+string(padded[i:i+3])] += trigramWeight
		}
	}
	if len(terms) == 0 {
		counts["raw:"+strings.ToLower(strings.TrimSpace(text))] = 1
	}

	vec := make([]float64, p.dim)
	for feature, tf := range counts {
		h := fnv.New64a()
		_, _ = h.Write([]byte(feature))
		sum := h.Sum64()
		bucket := int(sum % uint64(p.dim))
		sign := 1.0
		if sum>>63 == 1 {
			sign = -1.0
		}
		vec[bucket] += sign * (1 + math.Log(1+tf))
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, p.dim)
	if norm == 0 {
		// Every feature cancelled out; fall back to a single fixed bucket so
		// the vector is still unit length.
		out[0] = 1
		return out
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}

// Terms lowercases text, splits it on non-alphanumeric runes, drops common
// stopwords and strips a trailing plural "s" from longer words.
func Terms(text string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		if _, stop := stopwords[t]; stop {
			continue
		}
		if len(t) > 3 && strings.HasSuffix(t, "s") && !strings.HasSuffix(t, "ss") {
			t = t[:len(t)-1]
		}
		out = append(out, t)
	}
	return out
}
