package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window per-owner limiter on Redis, applied to the
// submission endpoint so one client cannot monopolize the worker pool.
type RateLimiter struct {
	rdb      *redis.Client
	perMin   int
	disabled bool
}

// NewRateLimiter constructs a RateLimiter. A non-positive limit disables it.
func NewRateLimiter(rdb *redis.Client, perMinute int) *RateLimiter {
	return &RateLimiter{rdb: rdb, perMin: perMinute, disabled: perMinute <= 0}
}

// Allow reports whether the owner may submit another photo this minute. Redis
// outages fail open: throttling is protective, not authoritative.
func (l *RateLimiter) Allow(ctx context.Context, ownerID string) bool {
	if l.disabled {
		return true
	}
	window := time.Now().UTC().Format("200601021504")
	key := fmt.Sprintf("ratelimit:submit:%s:%s", ownerID, window)
	pipe := l.rdb.TxPipeline()
	count := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return true
	}
	return count.Val() <= int64(l.perMin)
}
