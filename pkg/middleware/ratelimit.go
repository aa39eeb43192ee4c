package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/releasegate/pkg/httputil"
	"github.com/platinummonkey/releasegate/pkg/observability"
	"github.com/platinummonkey/releasegate/pkg/reqctx"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
}

// RateLimiter is a fixed-window limiter shared across instances through Redis
type RateLimiter struct {
	redis  *redis.Client
	config RateLimitConfig
	prefix string
	logger *observability.Logger
}

// NewRateLimiter creates a Redis-backed rate limiter. logger may be nil.
func NewRateLimiter(client *redis.Client, config RateLimitConfig, prefix string, logger *observability.Logger) *RateLimiter {
	if prefix == "" {
		prefix = "releasegate:ratelimit"
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &RateLimiter{redis: client, config: config, prefix: prefix, logger: logger}
}

// Decision is the outcome of one Allow call
type Decision struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// Allow counts one request for key. The increment and the window expiry run
// in one MULTI/EXEC; EXPIRE NX only starts a clock on a key without one, so a
// counter can never be left without a TTL.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	var (
		incr   *redis.IntCmd
		ttlCmd *redis.DurationCmd
	)
	_, err := rl.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, rl.config.WindowDuration)
		ttlCmd = pipe.TTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		return Decision{Allowed: true}, fmt.Errorf("redis error: %w", err)
	}

	count := incr.Val()
	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = rl.config.WindowDuration
	}

	remaining := rl.config.RequestsPerWindow - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(rl.config.RequestsPerWindow),
		Remaining: remaining,
		ResetIn:   ttl,
	}, nil
}

// Middleware limits authenticated callers per subject. Anonymous requests
// pass through to be denied by the permission check.
func (rl *RateLimiter) Middleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := reqctx.FromContext(r.Context())
			if rc.Anonymous() {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := rl.Allow(r.Context(), "subject:"+rc.Subject.ID)
			if err != nil {
				// Fail open.
				rl.logger.WithError(err).Warn("Rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.config.RequestsPerWindow))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", decision.ResetIn.Seconds()))
				httputil.WriteErrorMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
