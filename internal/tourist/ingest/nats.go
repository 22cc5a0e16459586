package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// DefaultPositionsSubject carries position batches published by trackers.
const DefaultPositionsSubject = "tourist.positions"

var errNATSNotConnected = errors.New("nats connection not available")

// NATSTransport treats every message on a subject as one batch.
type NATSTransport struct {
	conn    *nats.Conn
	subject string
	buffer  int
}

// NewNATSTransport subscribes to subject, or DefaultPositionsSubject when empty.
func NewNATSTransport(conn *nats.Conn, subject string) *NATSTransport {
	if subject == "" {
		subject = DefaultPositionsSubject
	}
	return &NATSTransport{conn: conn, subject: subject, buffer: 256}
}

// Open subscribes to the subject.
func (t *NATSTransport) Open(_ context.Context) (Stream, error) {
	if t.conn == nil || !t.conn.IsConnected() {
		return nil, errNATSNotConnected
	}
	ch := make(chan *nats.Msg, t.buffer)
	sub, err := t.conn.ChanSubscribe(t.subject, ch)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", t.subject, err)
	}
	return &natsStream{sub: sub, msgs: ch, closed: make(chan struct{})}, nil
}

type natsStream struct {
	sub       *nats.Subscription
	msgs      chan *nats.Msg
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *natsStream) Next(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-s.msgs:
		return msg.Data, nil
	case <-s.closed:
		return nil, ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *natsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.sub.Unsubscribe()
	})
	return err
}
