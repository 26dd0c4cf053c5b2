package vectorindex

import "errors"

var (
	// ErrDimensionMismatch is returned when a written vector's width differs
	// from the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrIndexCorrupt means the index cannot answer consistently, e.g. a query
	// of the wrong width or a backend returning unknown entries. The index
	// must be rebuilt from the document store.
	ErrIndexCorrupt = errors.New("vector index corrupt")

	// ErrInvalidVector rejects zero or non-finite vectors, which have no
	// direction and would corrupt cosine ranking.
	ErrInvalidVector = errors.New("invalid vector")

	// ErrInvalidConfig indicates an unusable index configuration.
	ErrInvalidConfig = errors.New("invalid index configuration")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("vector index closed")
)
