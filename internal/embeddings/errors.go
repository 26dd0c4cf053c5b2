package embeddings

import "errors"

var (
	// ErrEmbeddingUnavailable means the backend could not be reached or
	// answered with a transient failure. Callers may retry.
	ErrEmbeddingUnavailable = errors.New("embedding backend unavailable")

	// ErrEmbeddingFailed means the backend rejected the request.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrEmptyInput indicates empty text or an empty batch.
	ErrEmptyInput = errors.New("empty embedding input")

	// ErrInvalidConfig indicates an unusable provider configuration.
	ErrInvalidConfig = errors.New("invalid embedding configuration")

	// ErrDimensionMismatch means the backend returned vectors of the wrong width.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)
