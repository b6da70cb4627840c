package server

import (
	"context"
	"net"
	"net/http"

	"go.uber.org/zap"

	"agentkyc/internal/telemetry"
)

// Limiter is satisfied by ratelimit.TokenBucket.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// newRateLimitMiddleware throttles POST requests to verifyPath by client address.
// Limiter errors let the request through.
func newRateLimitMiddleware(verifyPath string, limiter Limiter, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Method != http.MethodPost || req.URL.Path != verifyPath {
				next.ServeHTTP(w, req)
				return
			}
			key := "verify:" + clientIP(req)
			allowed, _, err := limiter.Allow(req.Context(), key)
			if err != nil {
				log.Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
				next.ServeHTTP(w, req)
				return
			}
			if !allowed {
				telemetry.RateLimitRejects.Inc()
				w.Header().Set("Retry-After", "10")
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many requests", nil))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
