// Package embeddings maps text to fixed-width vectors.
//
// Providers are selected by configuration: a local deterministic hashing
// model (default), HuggingFace text-embeddings-inference, any
// OpenAI-compatible endpoint through langchaingo, or FastEmbed ONNX models in
// cgo builds. Every provider is deterministic for a fixed model and never
// substitutes a zero vector for a failed call.
package embeddings

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Embedder maps text to vectors of a fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Provider is an Embedder bound to a named model that holds resources.
type Provider interface {
	Embedder
	Model() string
	Close() error
}

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	// Provider is one of "hash", "tei", "openai", "fastembed".
	Provider string
	Model    string
	// Dimension is required for hash; optional elsewhere when the model is known.
	Dimension int
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	// CacheSize > 0 wraps the provider in an LRU memo.
	CacheSize int
	CacheDir  string
}

// NewProvider builds the configured provider with metrics and, when
// CacheSize > 0, memoization.
func NewProvider(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "hash", "":
		p, err = NewHashProvider(cfg.Dimension)
	case "tei":
		p, err = NewTEIProvider(TEIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			Timeout:   cfg.Timeout,
		})
	case "openai":
		p, err = NewOpenAIProvider(OpenAIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey,
			Dimension: cfg.Dimension,
		})
	case "fastembed":
		p, err = NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	p = Instrument(p, NewMetrics(logger))
	if cfg.CacheSize > 0 {
		p, err = NewCachedProvider(p, cfg.CacheSize)
		if err != nil {
			return nil, err
		}
	}

	logger.Info("embedding provider ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", p.Model()),
		zap.Int("dimension", p.Dimension()),
		zap.Int("cache_size", cfg.CacheSize),
	)
	return p, nil
}

// knownDimensions lists output widths of common models.
var knownDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-large-en-v1.5":                 1024,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"nomic-ai/nomic-embed-text-v1.5":         768,
	"text-embedding-3-small":                 1536,
	"text-embedding-3-large":                 3072,
	"text-embedding-ada-002":                 1536,
}

// dimensionFor returns the configured dimension, or the known width of the
// model.
func dimensionFor(model string, configured int) (int, error) {
	if configured > 0 {
		return configured, nil
	}
	if dim, ok := knownDimensions[model]; ok {
		return dim, nil
	}
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "small"), strings.Contains(lower, "mini"):
		return 384, nil
	case strings.Contains(lower, "base"):
		return 768, nil
	case strings.Contains(lower, "large"):
		return 1024, nil
	}
	return 0, fmt.Errorf("%w: dimension unknown for model %q, set embeddings.dimension", ErrInvalidConfig, model)
}

// checkVectors verifies a backend response against the batch and dimension.
func checkVectors(vectors [][]float32, want, dim int) error {
	if len(vectors) != want {
		return fmt.Errorf("%w: got %d vectors for %d inputs", ErrEmbeddingFailed, len(vectors), want)
	}
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("%w: vector %d has %d dimensions, want %d", ErrDimensionMismatch, i, len(v), dim)
		}
	}
	return nil
}

func checkBatch(texts []string) error {
	if len(texts) == 0 {
		return fmt.Errorf("%w: batch cannot be empty", ErrEmptyInput)
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%w: text %d is blank", ErrEmptyInput, i)
		}
	}
	return nil
}
