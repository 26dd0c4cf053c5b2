package document

import "errors"

var (
	// ErrInvalidDocument rejects a document that cannot be stored.
	ErrInvalidDocument = errors.New("invalid document")

	// ErrNotFound is returned for unknown document or chunk IDs.
	ErrNotFound = errors.New("not found")
)
