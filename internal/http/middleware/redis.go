package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter shares buckets between replicas through Redis. Each bucket
// is one key holding its theoretical arrival time (GCRA).
type RedisRateLimiter struct {
	client redis.Scripter
	limits Limits
	prefix string
	script *redis.Script
	now    func() time.Time
}

// NewRedisRateLimiter returns nil when client is nil; a nil limiter passes
// every request through.
func NewRedisRateLimiter(client redis.Scripter, limits Limits) *RedisRateLimiter {
	if client == nil {
		return nil
	}
	return &RedisRateLimiter{client: client, limits: limits, prefix: "touristwatch:rl:", script: redis.NewScript(gcraLua), now: time.Now}
}

func (l *RedisRateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return guard(next, l.limits, l.take)
}

func (l *RedisRateLimiter) take(ctx context.Context, bucket string, cfg RateConfig) (time.Duration, error) {
	interval := 1000 / cfg.Rate
	res, err := l.script.Run(ctx, l.client, []string{l.prefix + bucket}, l.now().UnixMilli(), interval, cfg.Burst).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	if res[0] == 1 {
		return 0, nil
	}
	return time.Duration(res[1]) * time.Millisecond, nil
}

// gcraLua: ARGV is now (ms), emission interval (ms per token) and burst.
// Replies {1, 0} when allowed or {0, wait_ms}.
const gcraLua = `
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])

local tat = tonumber(redis.call('GET', KEYS[1])) or now
if tat < now then
  tat = now
end

local tolerance = math.max(0, (burst - 1) * interval)
local ahead = tat - now
if ahead > tolerance then
  return {0, math.ceil(ahead - tolerance)}
end

tat = tat + interval
redis.call('SET', KEYS[1], tostring(tat), 'PX', math.ceil(tat - now))
return {1, 0}
`
