package mockfeed

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink receives every generated batch besides the SSE subscribers.
type Sink func(ctx context.Context, batch []byte) error

// Feed ticks a generator and fans each batch out to SSE clients and sinks.
type Feed struct {
	gen      *Generator
	interval time.Duration
	logger   *zap.Logger
	sinks    []Sink

	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	latest []byte
}

// NewFeed builds a feed. A non-positive interval means one batch per second.
func NewFeed(gen *Generator, interval time.Duration, logger *zap.Logger, sinks ...Sink) *Feed {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		gen:      gen,
		interval: interval,
		logger:   logger,
		sinks:    sinks,
		subs:     make(map[chan []byte]struct{}),
	}
}

// Run generates batches until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		f.emit(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *Feed) emit(ctx context.Context) {
	batch, err := f.gen.Tick()
	if err != nil {
		f.logger.Error("generate batch", zap.Error(err))
		return
	}

	f.mu.Lock()
	f.latest = batch
	for ch := range f.subs {
		select {
		case ch <- batch:
		default:
			// subscriber still writing the previous batch
		}
	}
	f.mu.Unlock()

	for _, sink := range f.sinks {
		if err := sink(ctx, batch); err != nil {
			f.logger.Warn("sink rejected batch", zap.Error(err))
		}
	}
}

// ServeHTTP streams batches as server-sent events, starting with the latest.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := make(chan []byte, 1)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	latest := f.latest
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.subs, ch)
		f.mu.Unlock()
	}()

	if latest != nil {
		if err := writeEvent(w, latest); err != nil {
			return
		}
		flusher.Flush()
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case batch := <-ch:
			if err := writeEvent(w, batch); err != nil {
				f.logger.Debug("sse client gone", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

// Subscribers reports the number of connected SSE clients.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func writeEvent(w http.ResponseWriter, batch []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", batch)
	return err
}
