package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/ragd/internal/vectorindex")

const seqKey = "seq"

// ChromemConfig configures the chromem-go index.
type ChromemConfig struct {
	// Path enables on-disk persistence; empty keeps the index in memory.
	Path       string
	Collection string
	Dimension  int
}

// Chromem stores vectors in a chromem-go collection. Rebuilds fill a fresh
// collection and swap it in, so readers never see a partial rebuild.
type Chromem struct {
	mu     sync.RWMutex
	db     *chromem.DB
	base   string
	active *chromem.Collection
	name   string
	dim    int
	seq    uint64
	closed bool
}

// NewChromem opens or creates the collection. With a persistent path the
// most recent generation left by an earlier rebuild is reused.
func NewChromem(cfg ChromemConfig) (*Chromem, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	if cfg.Collection == "" {
		cfg.Collection = "ragd_chunks"
	}
	base := collectionBase(cfg.Collection)

	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(filepath.Clean(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("creating chromem directory: %w", err)
		}
		db, err = chromem.NewPersistentDB(cfg.Path, false)
		if err != nil {
			return nil, fmt.Errorf("opening chromem database: %w", err)
		}
	}

	name := latestGeneration(base, collectionNames(db))
	coll, err := db.GetOrCreateCollection(name, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("opening collection %s: %w", name, err)
	}

	c := &Chromem{
		db:     db,
		base:   base,
		active: coll,
		name:   name,
		dim:    cfg.Dimension,
		seq:    uint64(coll.Count()),
	}
	indexSize.WithLabelValues("chromem").Set(float64(coll.Count()))
	return c, nil
}

// noEmbedding is installed as the collection embedding function; every
// document and query arrives with its vector precomputed.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem index requires precomputed embeddings")
}

// Add inserts or replaces id.
func (c *Chromem) Add(ctx context.Context, id string, vector []float32) error {
	return c.Apply(ctx, nil, []Entry{{ID: id, Vector: vector}})
}

// Remove deletes id.
func (c *Chromem) Remove(ctx context.Context, id string) error {
	return c.Apply(ctx, []string{id}, nil)
}

// Apply removes then adds under the write lock.
func (c *Chromem) Apply(ctx context.Context, remove []string, add []Entry) error {
	ctx, span := tracer.Start(ctx, "Chromem.Apply")
	defer span.End()
	span.SetAttributes(attribute.Int("remove", len(remove)), attribute.Int("add", len(add)))

	docs, err := c.documents(add)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if len(remove) > 0 {
		if err := c.active.Delete(ctx, nil, nil, remove...); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("%w: deleting %d vectors: %v", ErrIndexCorrupt, len(remove), err)
		}
	}
	if len(docs) > 0 {
		for i := range docs {
			c.seq++
			docs[i].Metadata = map[string]string{seqKey: strconv.FormatUint(c.seq, 10)}
		}
		if err := c.active.AddDocuments(ctx, docs, 1); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("%w: adding %d vectors: %v", ErrIndexCorrupt, len(docs), err)
		}
	}
	indexSize.WithLabelValues("chromem").Set(float64(c.active.Count()))
	return nil
}

// Search queries the active collection.
func (c *Chromem) Search(ctx context.Context, query []float32, k int) ([]Match, error) {
	ctx, span := tracer.Start(ctx, "Chromem.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if k <= 0 {
		return []Match{}, nil
	}
	if len(query) != c.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrIndexCorrupt, len(query), c.dim)
	}
	q, err := normalize(query, c.dim)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { searchDuration.WithLabelValues("chromem").Observe(time.Since(start).Seconds()) }()

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	// chromem rejects nResults larger than the collection.
	n := min(k, c.active.Count())
	if n == 0 {
		return []Match{}, nil
	}
	results, err := c.active.QueryEmbedding(ctx, q, n, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if strings.Contains(err.Error(), "dimension") {
			return nil, fmt.Errorf("%w: %v", ErrIndexCorrupt, err)
		}
		return nil, fmt.Errorf("querying chromem: %w", err)
	}

	candidates := make([]ranked, len(results))
	for i, r := range results {
		seq, err := strconv.ParseUint(r.Metadata[seqKey], 10, 64)
		if err != nil {
			seq = 0
		}
		candidates[i] = ranked{Match: Match{ID: r.ID, Score: clampScore(r.Similarity)}, seq: seq}
	}
	span.SetAttributes(attribute.Int("results", len(candidates)))
	return topK(candidates, k), nil
}

// Rebuild fills a new collection generation and swaps it in.
func (c *Chromem) Rebuild(ctx context.Context, entries []Entry) error {
	ctx, span := tracer.Start(ctx, "Chromem.Rebuild")
	defer span.End()
	span.SetAttributes(attribute.Int("entries", len(entries)))

	docs, err := c.documents(entries)
	if err != nil {
		return err
	}

	name := generationName(c.base, time.Now().UnixNano())
	next, err := c.db.CreateCollection(name, nil, noEmbedding)
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", name, err)
	}
	for i := range docs {
		docs[i].Metadata = map[string]string{seqKey: strconv.Itoa(i + 1)}
	}
	if len(docs) > 0 {
		if err := next.AddDocuments(ctx, docs, 1); err != nil {
			_ = c.db.DeleteCollection(name)
			span.RecordError(err)
			return fmt.Errorf("filling collection %s: %w", name, err)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = c.db.DeleteCollection(name)
		return ErrClosed
	}
	old := c.name
	c.active, c.name, c.seq = next, name, uint64(len(docs))
	c.mu.Unlock()

	if err := c.db.DeleteCollection(old); err != nil {
		span.RecordError(err)
	}
	indexRebuilds.WithLabelValues("chromem").Inc()
	indexSize.WithLabelValues("chromem").Set(float64(len(docs)))
	return nil
}

// Len returns the number of vectors in the active collection.
func (c *Chromem) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active.Count()
}

// Dimension returns the vector width.
func (c *Chromem) Dimension() int { return c.dim }

// Close stops accepting requests. Persistent data is already on disk.
func (c *Chromem) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Chromem) documents(entries []Entry) ([]chromem.Document, error) {
	docs := make([]chromem.Document, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("%w: entry %d has empty id", ErrInvalidVector, i)
		}
		v, err := normalize(e.Vector, c.dim)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		docs[i] = chromem.Document{ID: e.ID, Content: e.ID, Embedding: v}
	}
	return docs, nil
}

func collectionNames(db *chromem.DB) []string {
	cols := db.ListCollections()
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	return names
}

// latestGeneration picks base or the newest base_g<N> among names.
func latestGeneration(base string, names []string) string {
	best, bestGen := base, int64(-1)
	for _, n := range names {
		if n == base && bestGen < 0 {
			bestGen = 0
			continue
		}
		suffix, ok := strings.CutPrefix(n, base+"_g")
		if !ok {
			continue
		}
		gen, err := strconv.ParseInt(suffix, 10, 64)
		if err != nil {
			continue
		}
		if gen > bestGen {
			best, bestGen = n, gen
		}
	}
	return best
}
