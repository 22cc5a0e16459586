// Package middleware holds HTTP middleware shared by the dashboard API.
package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/example/touristwatch/internal/auth"
)

// RateConfig is a token bucket: Rate tokens per second up to Burst.
type RateConfig struct {
	Rate  float64 `koanf:"rate"`
	Burst float64 `koanf:"burst"`
}

func (c RateConfig) enabled() bool { return c.Rate > 0 && c.Burst > 0 }

// Limits configures a limiter. Query covers dashboard reads, Control covers
// feed controls and alert creation. A nil Key charges by client address.
type Limits struct {
	Query   RateConfig
	Control RateConfig
	Key     KeyFunc
}

// KeyFunc names the bucket a request is charged to.
type KeyFunc func(r *http.Request) string

// OperatorKey charges requests with a valid dashboard token to the operator
// named by its subject, so officers sharing a station NAT do not starve each
// other. Other requests are charged to their address.
func OperatorKey(secret string) KeyFunc {
	return func(r *http.Request) string {
		if secret != "" {
			if claims, err := auth.FromRequest(secret, r); err == nil && claims.Subject != "" {
				return "operator:" + claims.Subject
			}
		}
		return AddrKey(r)
	}
}

// AddrKey charges by remote host. chi's RealIP runs first on the dashboard
// router, so proxies are already unwrapped.
func AddrKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "addr:" + host
}

type takeFunc func(ctx context.Context, bucket string, cfg RateConfig) (time.Duration, error)

// guard rejects a request with 429 when take reports a non-zero wait.
func guard(next http.Handler, limits Limits, take takeFunc) http.Handler {
	if !limits.Query.enabled() && !limits.Control.enabled() {
		return next
	}
	key := limits.Key
	if key == nil {
		key = AddrKey
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, cfg := "control", limits.Control
		if isQuery(r.Method) {
			scope, cfg = "query", limits.Query
		}
		if !cfg.enabled() {
			next.ServeHTTP(w, r)
			return
		}

		wait, err := take(r.Context(), scope+":"+key(r), cfg)
		if err != nil {
			http.Error(w, "rate limit unavailable", http.StatusServiceUnavailable)
			return
		}
		if wait > 0 {
			w.Header().Set("Retry-After", retryAfterSeconds(wait))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isQuery(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(max(1, int(math.Ceil(d.Seconds()))))
}
