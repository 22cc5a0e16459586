// Package relay accepts position batches pushed by trackers over gRPC and
// hands them to the ingestion controller as a feed transport.
package relay

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/touristwatch/internal/tourist/ingest"
)

var errFeedClosed = status.Error(codes.Unavailable, "position feed is not connected")

// Server implements RelayServer and ingest.Transport. Batches are accepted
// only while the controller holds an open stream.
type Server struct {
	logger *zap.Logger
	buffer int

	mu   sync.Mutex
	sink *stream
}

// NewServer constructs a server.
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{logger: logger, buffer: 64}
}

// PushBatches forwards every received batch to the open feed stream.
func (s *Server) PushBatches(rs Relay_PushBatchesServer) error {
	accepted := 0
	for {
		msg, err := rs.Recv()
		if errors.Is(err, io.EOF) {
			return rs.SendAndClose(&Ack{Accepted: accepted})
		}
		if err != nil {
			return err
		}
		if len(msg.Positions) == 0 {
			continue
		}
		if err := s.deliver(rs.Context(), msg.Positions); err != nil {
			s.logger.Debug("relay batch rejected", zap.Error(err), zap.Int("accepted", accepted))
			return err
		}
		accepted++
	}
}

func (s *Server) deliver(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		return errFeedClosed
	}
	select {
	case sink.batches <- payload:
		return nil
	case <-sink.closed:
		return errFeedClosed
	case <-ctx.Done():
		return status.FromContextError(ctx.Err()).Err()
	}
}

// Open attaches a new feed stream, detaching any previous one.
func (s *Server) Open(_ context.Context) (ingest.Stream, error) {
	st := &stream{server: s, batches: make(chan []byte, s.buffer), closed: make(chan struct{})}
	s.mu.Lock()
	prev := s.sink
	s.sink = st
	s.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	return st, nil
}

type stream struct {
	server  *Server
	batches chan []byte
	closed  chan struct{}
	once    sync.Once
}

func (st *stream) Next(ctx context.Context) ([]byte, error) {
	select {
	case b := <-st.batches:
		return b, nil
	case <-st.closed:
		return nil, ingest.ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (st *stream) Close() error {
	st.once.Do(func() {
		close(st.closed)
		st.server.mu.Lock()
		if st.server.sink == st {
			st.server.sink = nil
		}
		st.server.mu.Unlock()
	})
	return nil
}
