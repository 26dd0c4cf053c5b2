package http

import (
	"time"

	"github.com/fyrsmithlabs/ragd/internal/retrieval"
)

// ChatRequest is the body of POST /api/chat and POST /api/v1/answer.
type ChatRequest struct {
	Query string `json:"query"`
}

// ChatResponse is the body of every POST /api/chat response, including
// errors.
type ChatResponse struct {
	Response string `json:"response"`
}

// RetrieveRequest is the body of POST /api/v1/retrieve. K of zero selects
// the configured default.
type RetrieveRequest struct {
	Query string `json:"query"`
	K     int    `json:"k,omitempty"`
}

// RetrieveResponse is the response of POST /api/v1/retrieve.
type RetrieveResponse struct {
	Results []retrieval.Result `json:"results"`
}

// IngestResponse is the response of POST /api/v1/documents.
type IngestResponse struct {
	ID       string   `json:"id"`
	ChunkIDs []string `json:"chunk_ids"`
}

// DocumentSummary lists a stored document without its text.
type DocumentSummary struct {
	ID         string            `json:"id"`
	SourceURI  string            `json:"source_uri,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Checksum   string            `json:"checksum"`
	Chunks     int               `json:"chunks"`
	IngestedAt time.Time         `json:"ingested_at"`
}

// DocumentList is the response of GET /api/v1/documents.
type DocumentList struct {
	Documents []DocumentSummary `json:"documents"`
	Total     int               `json:"total"`
}

// RebuildResponse is the response of POST /api/v1/index/rebuild.
type RebuildResponse struct {
	Status string `json:"status"`
	Chunks int    `json:"chunks"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version,omitempty"`
	Documents int    `json:"documents"`
	Chunks    int    `json:"chunks"`
}
