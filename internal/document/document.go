// Package document owns the corpus: source documents and the chunks derived
// from them.
//
// Documents are split by a deterministic Chunker, embedded in one batch, and
// written to the vector index together with the store maps under a single
// writer lock, so readers never observe a half-replaced document. The vector
// index is a projection of the store and can be rebuilt from it at any time.
package document

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Document is a source text. It is immutable once stored.
type Document struct {
	ID        string            `json:"id"`
	SourceURI string            `json:"source_uri,omitempty"`
	RawText   string            `json:"text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Chunk is a span of a document's text with its embedding. Embedding is
// shared with the store and must not be modified.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"-"`
	// Position is the rune offset of Text within the stored document text.
	Position int `json:"position"`
}

// Info describes a stored document.
type Info struct {
	Document
	Checksum   string    `json:"checksum"`
	ChunkIDs   []string  `json:"chunk_ids"`
	IngestedAt time.Time `json:"ingested_at"`
}

// chunkNamespace scopes chunk UUIDs to this service.
var chunkNamespace = uuid.MustParse("3d9c5a52-8f47-5b1e-9a0c-6d2f7e4b1c08")

// ChunkID derives the stable ID of a chunk from its document, position and
// text.
func ChunkID(documentID string, position int, text string) string {
	key := documentID + "|" + strconv.Itoa(position) + "|" + text
	return uuid.NewSHA1(chunkNamespace, []byte(key)).String()
}
