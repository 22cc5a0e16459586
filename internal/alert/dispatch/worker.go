// Package dispatch publishes newly created alerts to NATS.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/touristwatch/internal/alert/domain"
	tourist "github.com/example/touristwatch/internal/tourist/domain"
	"github.com/example/touristwatch/pkg/events"
)

var (
	dispatchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alert_dispatch_total",
		Help: "Total number of alerts published to the broker.",
	})
	dispatchFailTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alert_dispatch_fail_total",
		Help: "Total number of alert publish failures after exhausting retries.",
	})
	dispatchLagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alert_dispatch_lag_seconds",
		Help: "Age of the oldest alert in the last dispatched batch.",
	})
)

// WorkerConfig defines tunables for the dispatcher worker.
type WorkerConfig struct {
	Subject      string
	PollInterval time.Duration
	BatchSize    int
	RetryMax     int
	// RetryBase scales the quadratic backoff between attempts.
	RetryBase time.Duration
}

type natsPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Worker loads undispatched alerts and publishes them.
type Worker struct {
	repo      domain.Repository
	publisher natsPublisher
	clock     tourist.Clock
	logger    *zap.Logger
	cfg       WorkerConfig
	tracer    trace.Tracer
}

// NewWorker constructs a dispatcher worker.
func NewWorker(repo domain.Repository, publisher natsPublisher, clock tourist.Clock, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if cfg.Subject == "" {
		cfg.Subject = events.SubjectAlerts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 100 * time.Millisecond
	}
	if clock == nil {
		clock = tourist.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		repo:      repo,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
		cfg:       cfg,
		tracer:    otel.Tracer("alert.dispatch.worker"),
	}
}

// Run starts the polling loop until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.repo == nil || w.publisher == nil {
		return errors.New("alert dispatcher requires repository and NATS connection")
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := w.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("alert dispatch batch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessOnce publishes one batch. Alerts published before a failure are
// still marked so they are not sent twice.
func (w *Worker) ProcessOnce(ctx context.Context) error {
	ctx, span := w.tracer.Start(ctx, "alert.dispatch.batch")
	defer span.End()
	pending, err := w.repo.Pending(ctx, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("load pending alerts: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(pending))
	maxLag := 0.0
	var publishErr error
	for _, alert := range pending {
		if err := w.publishWithRetry(ctx, alert); err != nil {
			publishErr = err
			break
		}
		ids = append(ids, alert.ID)
		dispatchTotal.Inc()
		if lag := w.clock.Now().Sub(alert.Timestamp).Seconds(); lag > maxLag {
			maxLag = lag
		}
	}
	dispatchLagSeconds.Set(maxLag)
	if len(ids) > 0 {
		if err := w.repo.MarkDispatched(ctx, ids, w.clock.Now()); err != nil {
			return fmt.Errorf("mark dispatched: %w", err)
		}
	}
	return publishErr
}

func (w *Worker) publishWithRetry(ctx context.Context, alert domain.Alert) error {
	ctx, span := w.tracer.Start(ctx, "alert.dispatch.publish")
	defer span.End()
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", alert.ID, err)
	}
	msg := nats.NewMsg(w.cfg.Subject)
	msg.Data = payload
	msg.Header.Set("x-event-type", "alert.created")
	msg.Header.Set("x-alert-priority", fmt.Sprint(alert.Type.Priority()))
	if sc := span.SpanContext(); sc.IsValid() {
		msg.Header.Set("traceparent", fmt.Sprintf("00-%s-%s-01", sc.TraceID(), sc.SpanID()))
	}
	var attempt int
	for {
		attempt++
		err := w.publisher.PublishMsg(msg)
		if err == nil {
			return nil
		}
		w.logger.Warn("publish failed", zap.Error(err), zap.Int("attempt", attempt), zap.String("alert_id", alert.ID.String()))
		if attempt >= w.cfg.RetryMax {
			dispatchFailTotal.Inc()
			return fmt.Errorf("publish alert %s: %w", alert.ID, err)
		}
		backoff := time.Duration(attempt*attempt) * w.cfg.RetryBase
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
