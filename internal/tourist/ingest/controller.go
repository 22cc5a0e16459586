// Package ingest owns the connection to the location feed and merges every
// batch it receives into the position store.
package ingest

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/touristwatch/internal/tourist/domain"
)

// Config defines tunables for the controller.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
	// PositionMaxAge expires positions not refreshed for this long. Zero keeps
	// the last known position forever.
	PositionMaxAge time.Duration
	PruneInterval  time.Duration
	// ResetOnDisconnect discards the store on an explicit Disconnect.
	ResetOnDisconnect bool
}

// Change is delivered to subscribers after an event altered the connection
// status or the store.
type Change struct {
	Status       domain.ConnectionStatus
	StoreChanged bool
}

// Controller runs the connection state machine on a single goroutine. Events
// from the transport, the retry timer and callers are queued on one channel,
// so no two handlers ever run concurrently and every store mutation is
// complete before the next event is taken.
type Controller struct {
	transport Transport
	store     domain.PositionWriter
	parser    *Parser
	clock     domain.Clock
	logger    *zap.Logger
	tracer    trace.Tracer
	cfg       Config

	events chan queued
	done   chan struct{}

	// owned by the Run goroutine
	machine    Machine
	gen        uint64
	current    *attempt
	retryGen   uint64
	retryTimer *time.Timer
	lastErr    error

	mu     sync.RWMutex
	status domain.ConnectionStatus
	subs   []func(Change)
}

type queued struct {
	Event
	gen uint64
}

// NewController constructs a controller. A nil parser uses DefaultSafetyScore.
func NewController(transport Transport, store domain.PositionWriter, parser *Parser, clock domain.Clock, logger *zap.Logger, cfg Config) *Controller {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 3 * time.Second
	}
	if cfg.PositionMaxAge > 0 && cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Minute
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if parser == nil {
		parser = NewParser(DefaultSafetyScore, clock)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	machine := NewMachine(cfg.MaxRetries, cfg.RetryDelay)
	c := &Controller{
		transport: transport,
		store:     store,
		parser:    parser,
		clock:     clock,
		logger:    logger,
		tracer:    otel.Tracer("tourist.ingest"),
		cfg:       cfg,
		events:    make(chan queued, 64),
		done:      make(chan struct{}),
		machine:   machine,
	}
	c.status = c.statusOf(machine)
	return c
}

// Connect asks the controller to open the feed. It is a no-op while already
// connecting or connected, and after Run has returned.
func (c *Controller) Connect() { c.request(EventConnect) }

// Disconnect closes the feed and cancels any pending retry.
func (c *Controller) Disconnect() { c.request(EventDisconnect) }

func (c *Controller) request(t EventType) {
	select {
	case c.events <- queued{Event: Event{Type: t}}:
	case <-c.done:
	}
}

// Status returns the last published connection status.
func (c *Controller) Status() domain.ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Subscribe registers fn to run on the controller goroutine after each change.
// fn must not block and must not call Connect or Disconnect.
func (c *Controller) Subscribe(fn func(Change)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

// Run processes events until ctx is cancelled. On return the transport is
// closed and no retry is pending. Run must be called once.
func (c *Controller) Run(ctx context.Context) error {
	var pruneC <-chan time.Time
	if c.cfg.PositionMaxAge > 0 {
		ticker := time.NewTicker(c.cfg.PruneInterval)
		defer ticker.Stop()
		pruneC = ticker.C
	}
	defer close(c.done)
	defer c.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.events:
			c.handle(ctx, ev)
		case <-pruneC:
			c.prune(ctx)
		}
	}
}

func (c *Controller) handle(ctx context.Context, ev queued) {
	switch ev.Type {
	case EventOpened, EventMessage, EventTransportError:
		if c.current == nil || ev.gen != c.gen {
			return
		}
	case EventRetryFired:
		if ev.gen != c.retryGen {
			return
		}
		c.retryTimer = nil
	}

	prev := c.machine
	next, effects := c.machine.Step(ev.Event)
	c.machine = next

	switch {
	case ev.Type == EventTransportError:
		c.lastErr = ev.Err
		c.logger.Warn("feed transport error", zap.Error(ev.Err), zap.String("state", string(prev.State)))
	case ev.Type == EventOpened && next.State == domain.StateConnected:
		c.lastErr = nil
		c.logger.Info("feed connection established")
	}

	storeChanged := false
	for _, eff := range effects {
		if c.apply(ctx, eff) {
			storeChanged = true
		}
	}

	if ev.Type == EventDisconnect && c.cfg.ResetOnDisconnect {
		if err := c.store.Reset(ctx); err != nil {
			c.logger.Error("reset position store", zap.Error(err))
		} else {
			storeChanged = true
		}
	}
	if ev.Type == EventTransportError && next.State == domain.StateDisconnected {
		c.logger.Error("max retry attempts reached, feed disconnected", zap.Int("max_retries", next.MaxRetries))
	}

	if next != prev || storeChanged {
		c.publish(storeChanged)
	}
}

// apply runs one effect and reports whether the store changed.
func (c *Controller) apply(ctx context.Context, eff Effect) bool {
	switch eff.Type {
	case EffectOpen:
		c.open(ctx)
	case EffectClose:
		c.closeCurrent()
	case EffectScheduleRetry:
		c.scheduleRetry(ctx, eff.Delay)
	case EffectCancelRetry:
		c.cancelRetry()
	case EffectApplyBatch:
		return c.applyBatch(ctx, eff.Payload)
	}
	return false
}

func (c *Controller) open(ctx context.Context) {
	c.closeCurrent()
	c.gen++
	attemptCtx, cancel := context.WithCancel(ctx)
	att := &attempt{cancel: cancel}
	c.current = att
	go c.runAttempt(attemptCtx, c.gen, att)
}

func (c *Controller) runAttempt(ctx context.Context, gen uint64, att *attempt) {
	stream, err := c.transport.Open(ctx)
	if err != nil {
		c.post(ctx, queued{Event: Event{Type: EventTransportError, Err: err}, gen: gen})
		return
	}
	if !att.setStream(stream) {
		return
	}
	c.post(ctx, queued{Event: Event{Type: EventOpened}, gen: gen})
	for {
		payload, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.post(ctx, queued{Event: Event{Type: EventTransportError, Err: err}, gen: gen})
			return
		}
		if !c.post(ctx, queued{Event: Event{Type: EventMessage, Payload: payload}, gen: gen}) {
			return
		}
	}
}

// post queues an event unless ctx ends first.
func (c *Controller) post(ctx context.Context, ev queued) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Controller) closeCurrent() {
	if c.current == nil {
		return
	}
	if err := c.current.close(); err != nil {
		c.logger.Debug("close feed stream", zap.Error(err))
	}
	c.current = nil
}

func (c *Controller) scheduleRetry(ctx context.Context, delay time.Duration) {
	c.cancelRetry()
	gen := c.retryGen
	attemptNo := c.machine.Retries + 1
	reconnectsTotal.Inc()
	c.logger.Info("retrying feed connection",
		zap.Duration("delay", delay),
		zap.Int("attempt", attemptNo),
		zap.Int("max_retries", c.machine.MaxRetries))
	c.retryTimer = time.AfterFunc(delay, func() {
		c.post(ctx, queued{Event: Event{Type: EventRetryFired}, gen: gen})
	})
}

// cancelRetry stops the timer and invalidates a fire that may already be queued.
func (c *Controller) cancelRetry() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.retryGen++
}

func (c *Controller) applyBatch(ctx context.Context, payload []byte) bool {
	ctx, span := c.tracer.Start(ctx, "ingest.batch")
	defer span.End()

	positions, entryErrs, err := c.parser.Parse(payload)
	if err != nil {
		batchesTotal.WithLabelValues("malformed").Inc()
		span.RecordError(err)
		c.logger.Error("discarding feed batch", zap.Error(err), zap.Int("bytes", len(payload)))
		return false
	}
	for _, entryErr := range entryErrs {
		entriesTotal.WithLabelValues("malformed").Inc()
		c.logger.Warn("skipping feed entry", zap.Error(entryErr))
	}

	applied := 0
	for _, pos := range positions {
		if err := c.store.Upsert(ctx, pos); err != nil {
			entriesTotal.WithLabelValues("store_error").Inc()
			c.logger.Error("upsert position", zap.String("tourist_id", pos.ID), zap.Error(err))
			continue
		}
		applied++
	}
	entriesTotal.WithLabelValues("applied").Add(float64(applied))
	batchesTotal.WithLabelValues("applied").Inc()
	span.SetAttributes(
		attribute.Int("ingest.applied", applied),
		attribute.Int("ingest.malformed", len(entryErrs)),
	)
	return applied > 0
}

func (c *Controller) prune(ctx context.Context) {
	cutoff := c.clock.Now().Add(-c.cfg.PositionMaxAge)
	removed, err := c.store.Prune(ctx, cutoff)
	if err != nil {
		c.logger.Error("prune stale positions", zap.Error(err))
		return
	}
	if removed == 0 {
		return
	}
	prunedTotal.Add(float64(removed))
	c.logger.Info("pruned stale positions", zap.Int("removed", removed), zap.Time("cutoff", cutoff))
	c.publish(true)
}

func (c *Controller) publish(storeChanged bool) {
	status := c.statusOf(c.machine)
	c.mu.Lock()
	c.status = status
	subs := slices.Clone(c.subs)
	c.mu.Unlock()

	for _, state := range []domain.ConnectionState{domain.StateDisconnected, domain.StateConnecting, domain.StateConnected, domain.StateError} {
		v := 0.0
		if state == status.State {
			v = 1
		}
		connectionState.WithLabelValues(string(state)).Set(v)
	}
	for _, fn := range subs {
		fn(Change{Status: status, StoreChanged: storeChanged})
	}
}

func (c *Controller) statusOf(m Machine) domain.ConnectionStatus {
	status := domain.ConnectionStatus{
		State:      m.State,
		Retries:    m.Retries,
		MaxRetries: m.MaxRetries,
		ChangedAt:  c.clock.Now(),
	}
	if c.lastErr != nil {
		status.LastError = c.lastErr.Error()
	}
	return status
}

func (c *Controller) shutdown() {
	c.cancelRetry()
	c.closeCurrent()
}

// attempt is one open transport connection.
type attempt struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	stream Stream
	closed bool
}

// setStream records the opened stream; it reports false and closes the
// stream when the attempt was already abandoned.
func (a *attempt) setStream(s Stream) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		_ = s.Close()
		return false
	}
	a.stream = s
	return true
}

func (a *attempt) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.cancel()
	if a.stream == nil {
		return nil
	}
	err := a.stream.Close()
	if errors.Is(err, ErrStreamClosed) {
		return nil
	}
	return err
}
