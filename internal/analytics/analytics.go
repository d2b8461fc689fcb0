package analytics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	reqPrefix = "analytics:req:"
	latPrefix = "analytics:lat:"
	errPrefix = "analytics:err:"
)

// Store is the part of a Redis client analytics needs.
type Store interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Keys(ctx context.Context, pattern string) *redis.StringSliceCmd
}

type Analytics struct {
	redis Store
}

func NewAnalytics(r Store) *Analytics {
	return &Analytics{redis: r}
}

// RouteStats is what is known about one route of one tenant.
type RouteStats struct {
	Requests      int64 `json:"requests"`
	Errors        int64 `json:"errors"`
	LastLatencyMs int64 `json:"last_latency_ms"`
}

// RecordRequest counts a request of tenantID on path. Statuses of 400 and
// above also count as errors.
func (a *Analytics) RecordRequest(ctx context.Context, tenantID, path string, duration time.Duration, statusCode int) error {
	suffix := tenantID + ":" + path

	if err := a.redis.Incr(ctx, reqPrefix+suffix).Err(); err != nil {
		return fmt.Errorf("analytics: counting request: %w", err)
	}
	if err := a.redis.Set(ctx, latPrefix+suffix, duration.Milliseconds(), time.Hour).Err(); err != nil {
		return fmt.Errorf("analytics: storing latency: %w", err)
	}
	if statusCode >= 400 {
		if err := a.redis.Incr(ctx, errPrefix+suffix).Err(); err != nil {
			return fmt.Errorf("analytics: counting error: %w", err)
		}
	}
	return nil
}

// FetchTenantAnalytics returns the stats of every path tenantID has
// requested, keyed by path.
func (a *Analytics) FetchTenantAnalytics(ctx context.Context, tenantID string) (map[string]RouteStats, error) {
	prefix := reqPrefix + tenantID + ":"
	keys, err := a.redis.Keys(ctx, prefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("analytics: listing keys: %w", err)
	}

	result := make(map[string]RouteStats, len(keys))
	for _, k := range keys {
		path := strings.TrimPrefix(k, prefix)
		var stats RouteStats
		if stats.Requests, err = a.counter(ctx, k); err != nil {
			return nil, err
		}
		if stats.Errors, err = a.counter(ctx, errPrefix+tenantID+":"+path); err != nil {
			return nil, err
		}
		if stats.LastLatencyMs, err = a.counter(ctx, latPrefix+tenantID+":"+path); err != nil {
			return nil, err
		}
		result[path] = stats
	}
	return result, nil
}

// counter reads an integer key; a missing key is zero.
func (a *Analytics) counter(ctx context.Context, key string) (int64, error) {
	val, err := a.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("analytics: reading %s: %w", key, err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("analytics: reading %s: %w", key, err)
	}
	return n, nil
}
