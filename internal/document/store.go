package document

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/events"
	"github.com/fyrsmithlabs/ragd/internal/sanitize"
	"github.com/fyrsmithlabs/ragd/internal/vectorindex"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/ragd/internal/document")

// RedactionsKey is the metadata key holding the number of redacted secrets.
const RedactionsKey = "redactions"

// Sanitizer rewrites document text before chunking and reports how many
// replacements it made.
type Sanitizer interface {
	Sanitize(text string) (string, int)
}

// Config configures a Store.
type Config struct {
	ChunkSize       int
	ChunkOverlap    int
	MaxDocumentSize int
}

// Hit is a search result resolved to its chunk.
type Hit struct {
	Chunk Chunk
	Score float32
}

type storedDocument struct {
	doc        Document
	checksum   string
	chunker    string
	chunkIDs   []string
	ingestedAt time.Time
}

type storedChunk struct {
	chunk Chunk
	seq   uint64
}

// Store holds documents and chunks and keeps the vector index in step with
// them.
type Store struct {
	cfg       Config
	chunker   Chunker
	embedder  embeddings.Embedder
	index     vectorindex.Index
	sanitizer Sanitizer
	bus       events.Bus
	logger    *zap.Logger

	// writeMu serializes Ingest, Remove and RebuildIndex. Lock order is
	// writeMu, then mu.
	writeMu sync.Mutex
	mu      sync.RWMutex
	docs    map[string]*storedDocument
	chunks  map[string]storedChunk
	seq     uint64

	rebuild singleflight.Group
}

// Option configures optional Store collaborators.
type Option func(*Store)

// WithSanitizer redacts document text before chunking.
func WithSanitizer(s Sanitizer) Option {
	return func(st *Store) { st.sanitizer = s }
}

// WithEventBus publishes corpus events after each change.
func WithEventBus(b events.Bus) Option {
	return func(st *Store) { st.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(st *Store) { st.logger = l }
}

// NewStore creates an empty store over the given embedder and index.
func NewStore(cfg Config, embedder embeddings.Embedder, index vectorindex.Index, opts ...Option) (*Store, error) {
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if index == nil {
		return nil, errors.New("index is required")
	}
	chunker := Chunker{Size: cfg.ChunkSize, Overlap: cfg.ChunkOverlap}
	if err := chunker.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chunker settings: %w", err)
	}
	if embedder.Dimension() != index.Dimension() {
		return nil, fmt.Errorf("%w: embedder produces %d, index expects %d",
			vectorindex.ErrDimensionMismatch, embedder.Dimension(), index.Dimension())
	}
	s := &Store{
		cfg:      cfg,
		chunker:  chunker,
		embedder: embedder,
		index:    index,
		logger:   zap.NewNop(),
		docs:     make(map[string]*storedDocument),
		chunks:   make(map[string]storedChunk),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ingest stores doc, replacing any previous version with the same ID, and
// returns its chunk IDs in document order.
func (s *Store) Ingest(ctx context.Context, doc Document) ([]string, error) {
	ctx, span := tracer.Start(ctx, "document.Ingest")
	defer span.End()
	span.SetAttributes(attribute.String("document.id", doc.ID))

	if err := s.validate(doc); err != nil {
		span.SetStatus(codes.Error, "invalid document")
		return nil, err
	}

	text := normalizeText(doc.RawText)
	checksum := checksumOf(text)
	chunkerKey := s.chunker.key()

	s.mu.RLock()
	prev, ok := s.docs[doc.ID]
	s.mu.RUnlock()
	if ok && prev.checksum == checksum && prev.chunker == chunkerKey {
		return s.refresh(ctx, prev, doc)
	}

	meta := maps.Clone(doc.Metadata)
	if s.sanitizer != nil {
		var n int
		text, n = s.sanitizer.Sanitize(text)
		if n > 0 {
			if meta == nil {
				meta = make(map[string]string)
			}
			meta[RedactionsKey] = strconv.Itoa(n)
			s.logger.Info("redacted secrets from document",
				zap.String("document_id", doc.ID), zap.Int("count", n))
		}
	}

	spans := s.chunker.Split(text)
	if len(spans) == 0 {
		return nil, fmt.Errorf("%w: document %q has no content", ErrInvalidDocument, doc.ID)
	}

	texts := make([]string, len(spans))
	for i, sp := range spans {
		texts[i] = sp.Text
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return nil, fmt.Errorf("embedding document %q: %w", doc.ID, err)
	}
	if len(vectors) != len(spans) {
		return nil, fmt.Errorf("embedding document %q: %w: got %d vectors for %d chunks",
			doc.ID, embeddings.ErrEmbeddingFailed, len(vectors), len(spans))
	}

	chunks := make([]Chunk, 0, len(spans))
	entries := make([]vectorindex.Entry, 0, len(spans))
	ids := make([]string, 0, len(spans))
	for i, sp := range spans {
		id := ChunkID(doc.ID, sp.Position, sp.Text)
		chunks = append(chunks, Chunk{
			ID:         id,
			DocumentID: doc.ID,
			Text:       sp.Text,
			Embedding:  vectors[i],
			Position:   sp.Position,
		})
		entries = append(entries, vectorindex.Entry{ID: id, Vector: vectors[i]})
		ids = append(ids, id)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stored := &storedDocument{
		doc: Document{
			ID:        doc.ID,
			SourceURI: doc.SourceURI,
			RawText:   text,
			Metadata:  meta,
		},
		checksum:   checksum,
		chunker:    chunkerKey,
		chunkIDs:   ids,
		ingestedAt: time.Now().UTC(),
	}

	s.writeMu.Lock()
	s.mu.Lock()
	var old []string
	if prev, ok := s.docs[doc.ID]; ok {
		old = prev.chunkIDs
	}
	// The index batch must not be interrupted halfway by the caller.
	if err := s.index.Apply(context.WithoutCancel(ctx), old, entries); err != nil {
		s.mu.Unlock()
		s.writeMu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, "index write failed")
		if errors.Is(err, vectorindex.ErrIndexCorrupt) {
			// A partial batch may have dropped the previous version's vectors.
			s.repairIndex(ctx, doc.ID)
		}
		return nil, fmt.Errorf("indexing document %q: %w", doc.ID, err)
	}
	for _, id := range old {
		delete(s.chunks, id)
	}
	for _, c := range chunks {
		s.seq++
		s.chunks[c.ID] = storedChunk{chunk: c, seq: s.seq}
	}
	s.docs[doc.ID] = stored
	s.mu.Unlock()
	s.writeMu.Unlock()

	s.logger.Info("document ingested",
		zap.String("document_id", doc.ID),
		zap.Int("chunks", len(ids)),
		zap.Int("replaced", len(old)))
	span.SetAttributes(attribute.Int("document.chunks", len(ids)))

	s.publish(ctx, events.Event{Type: events.DocumentIngested, DocumentID: doc.ID, ChunkIDs: slices.Clone(ids)})
	return slices.Clone(ids), nil
}

// repairIndex rebuilds the index from the store after a failed write.
func (s *Store) repairIndex(ctx context.Context, documentID string) {
	if err := s.RebuildIndex(context.WithoutCancel(ctx)); err != nil {
		s.logger.Error("index repair after failed write did not complete",
			zap.String("document_id", documentID), zap.Error(err))
		return
	}
	s.logger.Warn("index rebuilt after failed write", zap.String("document_id", documentID))
}

// refresh handles a re-ingest whose text and chunking are unchanged. Chunks
// and vectors are kept; a changed source URI or metadata replaces the stored
// document.
func (s *Store) refresh(ctx context.Context, prev *storedDocument, doc Document) ([]string, error) {
	meta := maps.Clone(doc.Metadata)
	if n, ok := prev.doc.Metadata[RedactionsKey]; ok {
		if meta == nil {
			meta = make(map[string]string)
		}
		meta[RedactionsKey] = n
	}
	if prev.doc.SourceURI == doc.SourceURI && maps.Equal(prev.doc.Metadata, meta) {
		s.logger.Debug("document unchanged, skipping re-embedding",
			zap.String("document_id", doc.ID), zap.Int("chunks", len(prev.chunkIDs)))
		return slices.Clone(prev.chunkIDs), nil
	}

	s.writeMu.Lock()
	s.mu.Lock()
	if s.docs[doc.ID] != prev {
		// Replaced or removed since the check.
		s.mu.Unlock()
		s.writeMu.Unlock()
		return s.Ingest(ctx, doc)
	}
	updated := *prev
	updated.doc.SourceURI = doc.SourceURI
	updated.doc.Metadata = meta
	updated.ingestedAt = time.Now().UTC()
	s.docs[doc.ID] = &updated
	s.mu.Unlock()
	s.writeMu.Unlock()

	s.logger.Info("document metadata updated",
		zap.String("document_id", doc.ID), zap.String("source_uri", doc.SourceURI))
	return slices.Clone(prev.chunkIDs), nil
}

// Remove deletes a document and its chunks. It reports false when the
// document is not stored.
//
// The store is authoritative: if the index removal fails the document is
// still removed and the stale index entries are reported as dangling by
// Search until the next rebuild.
func (s *Store) Remove(ctx context.Context, documentID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "document.Remove")
	defer span.End()
	span.SetAttributes(attribute.String("document.id", documentID))

	s.writeMu.Lock()
	s.mu.Lock()
	prev, ok := s.docs[documentID]
	if !ok {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return false, nil
	}
	if err := s.index.Apply(context.WithoutCancel(ctx), prev.chunkIDs, nil); err != nil {
		s.logger.Warn("index removal failed, entries left dangling",
			zap.String("document_id", documentID), zap.Error(err))
		span.RecordError(err)
	}
	for _, id := range prev.chunkIDs {
		delete(s.chunks, id)
	}
	delete(s.docs, documentID)
	s.mu.Unlock()
	s.writeMu.Unlock()

	s.logger.Info("document removed",
		zap.String("document_id", documentID), zap.Int("chunks", len(prev.chunkIDs)))
	s.publish(ctx, events.Event{Type: events.DocumentRemoved, DocumentID: documentID, ChunkIDs: slices.Clone(prev.chunkIDs)})
	return true, nil
}

// GetChunk returns a stored chunk.
func (s *Store) GetChunk(chunkID string) (Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.chunks[chunkID]
	if !ok {
		return Chunk{}, fmt.Errorf("chunk %q: %w", chunkID, ErrNotFound)
	}
	return sc.chunk, nil
}

// GetDocument returns a stored document.
func (s *Store) GetDocument(documentID string) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[documentID]
	if !ok {
		return Info{}, fmt.Errorf("document %q: %w", documentID, ErrNotFound)
	}
	return d.info(), nil
}

// Documents lists stored documents sorted by ID.
func (s *Store) Documents() []Info {
	s.mu.RLock()
	out := make([]Info, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d.info())
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// ChunkCount returns the number of stored chunks.
func (s *Store) ChunkCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// Entries returns every chunk vector in insertion order.
func (s *Store) Entries() []vectorindex.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entriesLocked()
}

func (s *Store) entriesLocked() []vectorindex.Entry {
	ordered := make([]storedChunk, 0, len(s.chunks))
	for _, sc := range s.chunks {
		ordered = append(ordered, sc)
	}
	slices.SortFunc(ordered, func(a, b storedChunk) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	out := make([]vectorindex.Entry, len(ordered))
	for i, sc := range ordered {
		out[i] = vectorindex.Entry{ID: sc.chunk.ID, Vector: sc.chunk.Embedding}
	}
	return out
}

// Search queries the index and resolves matches to chunks. Matches the store
// does not know are returned as dangling IDs, in score order.
func (s *Store) Search(ctx context.Context, vector []float32, k int) ([]Hit, []string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := s.index.Search(ctx, vector, k)
	if err != nil {
		return nil, nil, err
	}
	hits := make([]Hit, 0, len(matches))
	var dangling []string
	for _, m := range matches {
		sc, ok := s.chunks[m.ID]
		if !ok {
			dangling = append(dangling, m.ID)
			continue
		}
		if _, ok := s.docs[sc.chunk.DocumentID]; !ok {
			dangling = append(dangling, m.ID)
			continue
		}
		hits = append(hits, Hit{Chunk: sc.chunk, Score: m.Score})
	}
	return hits, dangling, nil
}

// RebuildIndex replaces the index contents with the stored chunks. Chunks
// whose vectors no longer match the embedder's dimension are re-embedded.
// Concurrent calls share one rebuild.
func (s *Store) RebuildIndex(ctx context.Context) error {
	ch := s.rebuild.DoChan("rebuild", func() (any, error) {
		return nil, s.rebuildIndex(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) rebuildIndex(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "document.RebuildIndex")
	defer span.End()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.reembedStale(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "re-embedding failed")
		return err
	}

	s.mu.RLock()
	entries := s.entriesLocked()
	s.mu.RUnlock()

	start := time.Now()
	if err := s.index.Rebuild(ctx, entries); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rebuild failed")
		return fmt.Errorf("rebuilding index: %w", err)
	}
	s.logger.Info("index rebuilt",
		zap.Int("chunks", len(entries)), zap.Duration("duration", time.Since(start)))
	span.SetAttributes(attribute.Int("index.entries", len(entries)))

	s.publish(ctx, events.Event{Type: events.IndexRebuilt})
	return nil
}

// reembedStale re-embeds chunks whose vector width differs from the
// embedder's. The caller holds writeMu.
func (s *Store) reembedStale(ctx context.Context) error {
	dim := s.embedder.Dimension()

	s.mu.RLock()
	var stale []storedChunk
	for _, sc := range s.chunks {
		if len(sc.chunk.Embedding) != dim {
			stale = append(stale, sc)
		}
	}
	s.mu.RUnlock()
	if len(stale) == 0 {
		return nil
	}

	texts := make([]string, len(stale))
	for i, sc := range stale {
		texts[i] = sc.chunk.Text
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("re-embedding %d chunks: %w", len(stale), err)
	}
	if len(vectors) != len(stale) {
		return fmt.Errorf("re-embedding: %w: got %d vectors for %d chunks",
			embeddings.ErrEmbeddingFailed, len(vectors), len(stale))
	}

	s.mu.Lock()
	for i, sc := range stale {
		sc.chunk.Embedding = vectors[i]
		s.chunks[sc.chunk.ID] = sc
	}
	s.mu.Unlock()
	s.logger.Info("re-embedded chunks with stale dimension", zap.Int("chunks", len(stale)))
	return nil
}

func (s *Store) validate(doc Document) error {
	if err := sanitize.ValidateID(doc.ID, "document id"); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if strings.TrimSpace(doc.RawText) == "" {
		return fmt.Errorf("%w: document %q has empty text", ErrInvalidDocument, doc.ID)
	}
	if s.cfg.MaxDocumentSize > 0 && len(doc.RawText) > s.cfg.MaxDocumentSize {
		return fmt.Errorf("%w: document %q is %d bytes, limit is %d",
			ErrInvalidDocument, doc.ID, len(doc.RawText), s.cfg.MaxDocumentSize)
	}
	return nil
}

func (s *Store) publish(ctx context.Context, e events.Event) {
	if s.bus == nil {
		return
	}
	e.At = time.Now().UTC()
	if err := s.bus.Publish(ctx, e); err != nil {
		s.logger.Warn("failed to publish corpus event",
			zap.String("type", string(e.Type)), zap.Error(err))
	}
}

func (d *storedDocument) info() Info {
	doc := d.doc
	doc.Metadata = maps.Clone(d.doc.Metadata)
	return Info{
		Document:   doc,
		Checksum:   d.checksum,
		ChunkIDs:   slices.Clone(d.chunkIDs),
		IngestedAt: d.ingestedAt,
	}
}

func checksumOf(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
