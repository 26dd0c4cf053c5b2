package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubject is the NATS subject for corpus events.
const DefaultSubject = "ragd.corpus.events"

// NATS publishes events as JSON on a subject. Local subscribers receive
// their own process's events synchronously; events from other processes
// arrive through the NATS subscription.
type NATS struct {
	conn    *nats.Conn
	subject string
	origin  string
	local   *Local
	sub     *nats.Subscription
	owned   bool
	logger  *zap.Logger
}

// NewNATS connects to url and subscribes to subject.
func NewNATS(url, subject string, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if subject == "" {
		subject = DefaultSubject
	}
	nc, err := nats.Connect(url,
		nats.Name("ragd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	b, err := newNATS(nc, subject, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

// NewNATSFromConn uses an existing connection. Close drains the
// subscription but leaves the connection open.
func NewNATSFromConn(nc *nats.Conn, subject string, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if subject == "" {
		subject = DefaultSubject
	}
	return newNATS(nc, subject, logger)
}

func newNATS(nc *nats.Conn, subject string, logger *zap.Logger) (*NATS, error) {
	b := &NATS{
		conn:    nc,
		subject: subject,
		origin:  uuid.NewString(),
		local:   NewLocal(),
		logger:  logger.Named("events"),
	}
	sub, err := nc.Subscribe(subject, b.receive)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	b.sub = sub
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	return b, nil
}

// Publish delivers e locally and then to NATS.
func (b *NATS) Publish(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	e.Origin = b.origin
	if err := b.local.Publish(ctx, e); err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	return nil
}

func (b *NATS) receive(msg *nats.Msg) {
	var e Event
	if err := json.Unmarshal(msg.Data, &e); err != nil {
		b.logger.Warn("dropping malformed corpus event", zap.Error(err))
		return
	}
	if e.Origin == b.origin {
		return
	}
	if err := b.local.Publish(context.Background(), e); err != nil {
		b.logger.Debug("event after close", zap.String("type", string(e.Type)))
	}
}

// Subscribe registers h for local and remote events.
func (b *NATS) Subscribe(h Handler) func() {
	return b.local.Subscribe(h)
}

// Origin returns this bus instance's identifier.
func (b *NATS) Origin() string { return b.origin }

// Close unsubscribes and, when the bus opened the connection, closes it.
func (b *NATS) Close() error {
	_ = b.local.Close()
	var err error
	if uerr := b.sub.Unsubscribe(); uerr != nil && b.conn.IsConnected() {
		err = fmt.Errorf("unsubscribe: %w", uerr)
	}
	if b.owned {
		b.conn.Close()
	}
	return err
}
