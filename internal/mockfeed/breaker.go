package mockfeed

import (
	"context"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// BreakerConfig tunes the circuit breaker around a sink.
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// WithBreaker stops calling sink after FailureThreshold consecutive failures
// until OpenTimeout has passed. While open the returned sink fails with
// gobreaker.ErrOpenState.
func WithBreaker(sink Sink, cfg BreakerConfig, logger *zap.Logger) Sink {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("sink breaker state changed",
				zap.String("sink", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return func(ctx context.Context, batch []byte) error {
		_, err := cb.Execute(func() (struct{}, error) {
			return struct{}{}, sink(ctx, batch)
		})
		return err
	}
}
