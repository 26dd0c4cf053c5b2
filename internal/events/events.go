// Package events distributes corpus change notifications.
//
// The document store publishes an Event after every ingest or removal; the
// answer pipeline subscribes to drop cached answers that may no longer be
// correct. The local bus serves a single process, the NATS bus lets replicas
// sharing a server invalidate together.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Type names a corpus change.
type Type string

const (
	DocumentIngested Type = "document.ingested"
	DocumentRemoved  Type = "document.removed"
	IndexRebuilt     Type = "index.rebuilt"
)

// Event describes one corpus change.
type Event struct {
	Type       Type      `json:"type"`
	DocumentID string    `json:"document_id,omitempty"`
	ChunkIDs   []string  `json:"chunk_ids,omitempty"`
	At         time.Time `json:"at"`
	// Origin identifies the publishing process.
	Origin string `json:"origin,omitempty"`
}

// Handler receives events. It must not block for long.
type Handler func(ctx context.Context, e Event)

// Bus publishes and delivers events.
type Bus interface {
	Publish(ctx context.Context, e Event) error
	// Subscribe registers h; the returned func removes it.
	Subscribe(h Handler) (unsubscribe func())
	Close() error
}

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event bus closed")

// Config selects a bus implementation.
type Config struct {
	Provider string
	NATSURL  string
	Subject  string
}

// New returns the configured bus.
func New(cfg Config, logger *zap.Logger) (Bus, error) {
	switch cfg.Provider {
	case "local", "":
		return NewLocal(), nil
	case "nats":
		return NewNATS(cfg.NATSURL, cfg.Subject, logger)
	default:
		return nil, fmt.Errorf("unknown events provider %q", cfg.Provider)
	}
}
