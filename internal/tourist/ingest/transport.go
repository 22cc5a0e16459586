package ingest

import (
	"context"
	"errors"
)

// ErrStreamClosed is returned by Stream.Next once the feed has ended.
var ErrStreamClosed = errors.New("feed stream closed")

// Transport opens connections to a server-push location feed.
type Transport interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream yields one raw batch per call. Next must return when ctx is
// cancelled or Close is called.
type Stream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}
