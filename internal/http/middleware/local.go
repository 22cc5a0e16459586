package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalRateLimiter keeps its buckets in process memory, for a single replica
// without Redis. Buckets idle for longer than idleTTL are dropped.
type LocalRateLimiter struct {
	limits  Limits
	idleTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]*localBucket
	lastGC  time.Time
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLocalRateLimiter(limits Limits) *LocalRateLimiter {
	return &LocalRateLimiter{
		limits:  limits,
		idleTTL: 10 * time.Minute,
		now:     time.Now,
		buckets: make(map[string]*localBucket),
	}
}

func (l *LocalRateLimiter) Middleware(next http.Handler) http.Handler {
	return guard(next, l.limits, l.take)
}

func (l *LocalRateLimiter) take(_ context.Context, bucket string, cfg RateConfig) (time.Duration, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastGC) > l.idleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.idleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastGC = now
	}
	b, ok := l.buckets[bucket]
	if !ok {
		b = &localBucket{limiter: rate.NewLimiter(rate.Limit(cfg.Rate), max(1, int(cfg.Burst)))}
		l.buckets[bucket] = b
	}
	b.lastSeen = now

	res := b.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return delay, nil
	}
	return 0, nil
}
