package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/CSroseX/traced-gateway/internal/tenant"
)

// Store is the part of a Redis client the limiter needs.
type Store interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
}

// RateLimiter allows each tenant limit requests per refill window. Counts
// live in Redis so every gateway instance shares them.
type RateLimiter struct {
	redis     Store
	limit     int
	refill    time.Duration
	logger    *zap.Logger
	onLimited func(tenantID string)
}

type Option func(*RateLimiter)

func WithLogger(l *zap.Logger) Option {
	return func(rl *RateLimiter) { rl.logger = l }
}

// OnLimited is called for every rejected request.
func OnLimited(fn func(tenantID string)) Option {
	return func(rl *RateLimiter) { rl.onLimited = fn }
}

func NewRateLimiter(store Store, limit int, refill time.Duration, opts ...Option) *RateLimiter {
	rl := &RateLimiter{
		redis:  store,
		limit:  limit,
		refill: refill,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Allow counts one request for tenantID. When the window is used up it
// returns false and the time left until it resets. Redis failures let the
// request through.
func (rl *RateLimiter) Allow(ctx context.Context, tenantID string) (bool, time.Duration) {
	key := "ratelimit:" + tenantID

	n, err := rl.redis.Incr(ctx, key).Result()
	if err != nil {
		rl.logger.Warn("rate limit store unavailable", zap.String("tenant", tenantID), zap.Error(err))
		return true, 0
	}
	if n == 1 {
		if err := rl.redis.Expire(ctx, key, rl.refill).Err(); err != nil {
			rl.logger.Warn("setting rate limit window failed", zap.String("tenant", tenantID), zap.Error(err))
		}
	}
	if n <= int64(rl.limit) {
		return true, 0
	}

	ttl, err := rl.redis.TTL(ctx, key).Result()
	if err == nil && ttl < 0 {
		// The window lost its expiry; start a new one.
		_ = rl.redis.Expire(ctx, key, rl.refill).Err()
		ttl = rl.refill
	}
	return false, ttl
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, ok := tenant.FromContext(r.Context())
		if !ok {
			http.Error(w, "Tenant not found", http.StatusUnauthorized)
			return
		}

		allowed, retry := rl.Allow(r.Context(), t.ID)
		if !allowed {
			trace.SpanFromContext(r.Context()).AddEvent("rate_limited")
			if rl.onLimited != nil {
				rl.onLimited(t.ID)
			}
			if retry > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Round(time.Second)/time.Second)))
			}
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
