package events

import (
	"context"
	"sync"
	"time"
)

// Local delivers events synchronously to in-process subscribers.
type Local struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	next     int
	closed   bool
}

// NewLocal creates an empty in-process bus.
func NewLocal() *Local {
	return &Local{handlers: make(map[int]Handler)}
}

// Publish calls every subscriber in registration order before returning.
func (b *Local) Publish(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	hs := b.snapshot()
	b.mu.RUnlock()

	for _, h := range hs {
		h(ctx, e)
	}
	return nil
}

// Subscribe registers h.
func (b *Local) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.handlers[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Close drops all subscribers.
func (b *Local) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = map[int]Handler{}
	return nil
}

// snapshot returns handlers ordered by registration. Caller holds b.mu.
func (b *Local) snapshot() []Handler {
	out := make([]Handler, 0, len(b.handlers))
	for id := 0; id < b.next; id++ {
		if h, ok := b.handlers[id]; ok {
			out = append(out, h)
		}
	}
	return out
}
