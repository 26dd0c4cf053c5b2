package vectorindex

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc"
)

const (
	chunkIDKey = "chunk_id"

	defaultMaxMessageSize = 50 * 1024 * 1024
)

// pointNamespace derives point UUIDs for IDs that are not UUIDs already.
var pointNamespace = uuid.MustParse("6f1c1f0e-3c55-4b8a-9d2e-52a6d1f1b0a7")

// QdrantConfig configures the Qdrant index.
type QdrantConfig struct {
	Host       string
	Port       int
	Collection string
	UseTLS     bool
	APIKey     string
	Dimension  int
}

// Qdrant stores vectors in a Qdrant collection over gRPC.
type Qdrant struct {
	client *qdrant.Client
	base   string
	dim    int

	mu     sync.RWMutex
	name   string
	seq    uint64
	count  atomic.Int64
	closed bool
}

// NewQdrant connects, verifies health, and opens or creates the collection.
func NewQdrant(ctx context.Context, cfg QdrantConfig) (*Qdrant, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: qdrant host required", ErrInvalidConfig)
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "ragd_chunks"
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(defaultMaxMessageSize),
				grpc.MaxCallSendMsgSize(defaultMaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	q := &Qdrant{client: client, base: collectionBase(cfg.Collection), dim: cfg.Dimension}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(hctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("qdrant health check: %w", err)
	}

	names, err := client.ListCollections(hctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	q.name = latestGeneration(q.base, names)
	exists := false
	for _, n := range names {
		if n == q.name {
			exists = true
			break
		}
	}
	if !exists {
		if err := q.createCollection(hctx, q.name); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	if err := q.refreshCount(hctx, q.name); err != nil {
		_ = client.Close()
		return nil, err
	}
	q.seq = uint64(q.count.Load())
	return q, nil
}

func (q *Qdrant) createCollection(ctx context.Context, name string) error {
	err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", name, err)
	}
	return nil
}

func (q *Qdrant) refreshCount(ctx context.Context, name string) error {
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: name,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("counting points in %s: %w", name, err)
	}
	q.count.Store(int64(n))
	indexSize.WithLabelValues("qdrant").Set(float64(n))
	return nil
}

// PointID maps a chunk ID onto a Qdrant point UUID.
func PointID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(pointNamespace, []byte(id)).String()
}

// Add inserts or replaces id.
func (q *Qdrant) Add(ctx context.Context, id string, vector []float32) error {
	return q.Apply(ctx, nil, []Entry{{ID: id, Vector: vector}})
}

// Remove deletes id.
func (q *Qdrant) Remove(ctx context.Context, id string) error {
	return q.Apply(ctx, []string{id}, nil)
}

// Apply deletes then upserts with wait=true under the write lock.
func (q *Qdrant) Apply(ctx context.Context, remove []string, add []Entry) error {
	ctx, span := tracer.Start(ctx, "Qdrant.Apply")
	defer span.End()
	span.SetAttributes(attribute.Int("remove", len(remove)), attribute.Int("add", len(add)))

	for i, e := range add {
		if e.ID == "" {
			return fmt.Errorf("%w: entry %d has empty id", ErrInvalidVector, i)
		}
		if _, err := normalize(e.Vector, q.dim); err != nil {
			return fmt.Errorf("entry %s: %w", e.ID, err)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	if len(remove) > 0 {
		ids := make([]*qdrant.PointId, len(remove))
		for i, id := range remove {
			ids[i] = qdrant.NewIDUUID(PointID(id))
		}
		_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: q.name,
			Wait:           qdrant.PtrOf(true),
			Points:         qdrant.NewPointsSelector(ids...),
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("%w: deleting points: %v", ErrIndexCorrupt, err)
		}
	}
	if len(add) > 0 {
		points := make([]*qdrant.PointStruct, len(add))
		for i, e := range add {
			q.seq++
			points[i] = q.point(e, q.seq)
		}
		if err := q.upsert(ctx, q.name, points); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("%w: %v", ErrIndexCorrupt, err)
		}
	}
	return q.refreshCount(ctx, q.name)
}

func (q *Qdrant) point(e Entry, seq uint64) *qdrant.PointStruct {
	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(PointID(e.ID)),
		Vectors: qdrant.NewVectors(e.Vector...),
		Payload: qdrant.NewValueMap(map[string]any{
			chunkIDKey: e.ID,
			seqKey:     int64(seq),
		}),
	}
}

func (q *Qdrant) upsert(ctx context.Context, collection string, points []*qdrant.PointStruct) error {
	const batch = 256
	for start := 0; start < len(points); start += batch {
		end := min(start+batch, len(points))
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points[start:end],
		})
		if err != nil {
			return fmt.Errorf("upserting points to %s: %w", collection, err)
		}
	}
	return nil
}

// Search queries the active collection.
func (q *Qdrant) Search(ctx context.Context, query []float32, k int) ([]Match, error) {
	ctx, span := tracer.Start(ctx, "Qdrant.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if k <= 0 {
		return []Match{}, nil
	}
	if len(query) != q.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrIndexCorrupt, len(query), q.dim)
	}
	if _, err := normalize(query, q.dim); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { searchDuration.WithLabelValues("qdrant").Observe(time.Since(start).Seconds()) }()

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, ErrClosed
	}

	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.name,
		Query:          qdrant.NewQuery(query...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying qdrant: %w", err)
	}

	candidates := make([]ranked, 0, len(points))
	for _, p := range points {
		id := p.GetPayload()[chunkIDKey].GetStringValue()
		if id == "" {
			return nil, fmt.Errorf("%w: point %s has no chunk id", ErrIndexCorrupt, p.GetId().GetUuid())
		}
		seq := p.GetPayload()[seqKey].GetIntegerValue()
		candidates = append(candidates, ranked{
			Match: Match{ID: id, Score: clampScore(p.GetScore())},
			seq:   uint64(seq),
		})
	}
	return topK(candidates, k), nil
}

// Rebuild fills a new collection generation and swaps it in.
func (q *Qdrant) Rebuild(ctx context.Context, entries []Entry) error {
	ctx, span := tracer.Start(ctx, "Qdrant.Rebuild")
	defer span.End()

	for i, e := range entries {
		if _, err := normalize(e.Vector, q.dim); err != nil {
			return fmt.Errorf("entry %d (%s): %w", i, e.ID, err)
		}
	}

	name := generationName(q.base, time.Now().UnixNano())
	if err := q.createCollection(ctx, name); err != nil {
		return err
	}
	points := make([]*qdrant.PointStruct, len(entries))
	for i, e := range entries {
		points[i] = q.point(e, uint64(i+1))
	}
	if err := q.upsert(ctx, name, points); err != nil {
		_ = q.client.DeleteCollection(ctx, name)
		span.RecordError(err)
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		_ = q.client.DeleteCollection(ctx, name)
		return ErrClosed
	}
	old := q.name
	q.name, q.seq = name, uint64(len(entries))
	q.count.Store(int64(len(entries)))
	q.mu.Unlock()

	if err := q.client.DeleteCollection(ctx, old); err != nil {
		span.RecordError(err)
	}
	indexRebuilds.WithLabelValues("qdrant").Inc()
	indexSize.WithLabelValues("qdrant").Set(float64(len(entries)))
	return nil
}

// Len returns the point count observed after the last write.
func (q *Qdrant) Len() int { return int(q.count.Load()) }

// Dimension returns the vector width.
func (q *Qdrant) Dimension() int { return q.dim }

// Close closes the gRPC connection.
func (q *Qdrant) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.client.Close()
}
