package vectorindex

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// snapshot is immutable once published.
type snapshot struct {
	ids  []string
	vecs [][]float32
	seqs []uint64
	pos  map[string]int
}

func (s *snapshot) clone() *snapshot {
	n := &snapshot{
		ids:  make([]string, len(s.ids)),
		vecs: make([][]float32, len(s.vecs)),
		seqs: make([]uint64, len(s.seqs)),
		pos:  make(map[string]int, len(s.pos)),
	}
	copy(n.ids, s.ids)
	copy(n.vecs, s.vecs)
	copy(n.seqs, s.seqs)
	for k, v := range s.pos {
		n.pos[k] = v
	}
	return n
}

func (s *snapshot) remove(id string) {
	i, ok := s.pos[id]
	if !ok {
		return
	}
	last := len(s.ids) - 1
	if i != last {
		s.ids[i], s.vecs[i], s.seqs[i] = s.ids[last], s.vecs[last], s.seqs[last]
		s.pos[s.ids[i]] = i
	}
	s.ids, s.vecs, s.seqs = s.ids[:last], s.vecs[:last], s.seqs[:last]
	delete(s.pos, id)
}

func (s *snapshot) add(id string, vec []float32, seq uint64) {
	s.remove(id)
	s.pos[id] = len(s.ids)
	s.ids = append(s.ids, id)
	s.vecs = append(s.vecs, vec)
	s.seqs = append(s.seqs, seq)
}

// Memory is an exact linear-scan index. Writers build a new snapshot and
// publish it atomically; searches never take a lock.
type Memory struct {
	dim     int
	current atomic.Pointer[snapshot]
	writeMu sync.Mutex
	seq     uint64
	closed  atomic.Bool
}

// NewMemory creates an empty index of the given dimension.
func NewMemory(dim int) *Memory {
	m := &Memory{dim: dim}
	m.current.Store(&snapshot{pos: map[string]int{}})
	return m
}

// Add inserts or replaces id.
func (m *Memory) Add(ctx context.Context, id string, vector []float32) error {
	return m.Apply(ctx, nil, []Entry{{ID: id, Vector: vector}})
}

// Remove deletes id.
func (m *Memory) Remove(ctx context.Context, id string) error {
	return m.Apply(ctx, []string{id}, nil)
}

// Apply publishes one snapshot containing every removal and addition.
func (m *Memory) Apply(ctx context.Context, remove []string, add []Entry) error {
	if m.closed.Load() {
		return ErrClosed
	}
	normalized, err := m.normalizeAll(add)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	next := m.current.Load().clone()
	for _, id := range remove {
		next.remove(id)
	}
	for i, e := range add {
		m.seq++
		next.add(e.ID, normalized[i], m.seq)
	}
	m.current.Store(next)
	indexSize.WithLabelValues("memory").Set(float64(len(next.ids)))
	return nil
}

// Rebuild replaces the content with entries, in order.
func (m *Memory) Rebuild(ctx context.Context, entries []Entry) error {
	if m.closed.Load() {
		return ErrClosed
	}
	normalized, err := m.normalizeAll(entries)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	next := &snapshot{pos: make(map[string]int, len(entries))}
	for i, e := range entries {
		m.seq++
		next.add(e.ID, normalized[i], m.seq)
	}
	m.current.Store(next)
	indexRebuilds.WithLabelValues("memory").Inc()
	indexSize.WithLabelValues("memory").Set(float64(len(next.ids)))
	return nil
}

// Search scans every vector in the current snapshot.
func (m *Memory) Search(ctx context.Context, query []float32, k int) ([]Match, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if k <= 0 {
		return []Match{}, nil
	}
	if len(query) != m.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrIndexCorrupt, len(query), m.dim)
	}
	q, err := normalize(query, m.dim)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { searchDuration.WithLabelValues("memory").Observe(time.Since(start).Seconds()) }()

	snap := m.current.Load()
	candidates := make([]ranked, len(snap.ids))
	for i, v := range snap.vecs {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		candidates[i] = ranked{Match: Match{ID: snap.ids[i], Score: dot(q, v)}, seq: snap.seqs[i]}
	}
	return topK(candidates, k), nil
}

// Len returns the number of vectors.
func (m *Memory) Len() int { return len(m.current.Load().ids) }

// Dimension returns the vector width.
func (m *Memory) Dimension() int { return m.dim }

// Close marks the index closed.
func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *Memory) normalizeAll(entries []Entry) ([][]float32, error) {
	out := make([][]float32, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("%w: entry %d has empty id", ErrInvalidVector, i)
		}
		v, err := normalize(e.Vector, m.dim)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		out[i] = v
	}
	return out, nil
}
