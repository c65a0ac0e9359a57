// Package ratelimit provides a sliding-window rate limiter backed by a
// shared counter store, so overlapping dispatch invocations draw from
// one budget.
package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CounterStore is what the limiter needs from the shared store.
// SlideAndCount is the write path: record an entry in the bucket, drop
// entries older than the window, and return the count inside the
// window, atomically. Count is the read path: the in-window count with
// no entry recorded. Implementations must be safe for concurrent
// callers across processes.
type CounterStore interface {
	SlideAndCount(ctx context.Context, bucket, entryID string, now time.Time, window, ttl time.Duration) (int, error)
	Count(ctx context.Context, bucket string, now time.Time, window time.Duration) (int, error)
}

// BucketConfig holds a window and ceiling for one limiter bucket.
type BucketConfig struct {
	Window      time.Duration
	MaxRequests int
}

// Pre-configured bucket names.
const (
	BucketAPI       = "api"
	BucketAuth      = "auth"
	BucketMessaging = "messaging"
	BucketAdmin     = "admin"
)

// DefaultBuckets returns the standard bucket set.
func DefaultBuckets() map[string]BucketConfig {
	return map[string]BucketConfig{
		BucketAPI:       {Window: time.Minute, MaxRequests: 120},
		BucketAuth:      {Window: 15 * time.Minute, MaxRequests: 10},
		BucketMessaging: {Window: time.Minute, MaxRequests: 30},
		BucketAdmin:     {Window: time.Minute, MaxRequests: 60},
	}
}

// ttlBuffer is added to the window when refreshing the bucket TTL so
// abandoned keys self-clean.
const ttlBuffer = time.Minute

// Limiter enforces sliding-window limits per bucket. Store failures
// fail open: a reminder that goes out past the budget beats one that
// never goes out.
type Limiter struct {
	store   CounterStore
	buckets map[string]BucketConfig
	now     func() time.Time
	logger  *zap.Logger
}

// NewLimiter creates a limiter over the given counter store.
func NewLimiter(store CounterStore, buckets map[string]BucketConfig, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buckets == nil {
		buckets = DefaultBuckets()
	}
	return &Limiter{
		store:   store,
		buckets: buckets,
		now:     time.Now,
		logger:  logger,
	}
}

// Allow records a request against the bucket and reports whether it is
// within budget. Unknown buckets and store errors are allowed through.
func (l *Limiter) Allow(ctx context.Context, bucket string) bool {
	cfg, ok := l.buckets[bucket]
	if !ok {
		l.logger.Warn("unknown rate limit bucket, allowing", zap.String("bucket", bucket))
		return true
	}

	count, err := l.store.SlideAndCount(ctx, bucket, uuid.New().String(), l.now(), cfg.Window, cfg.Window+ttlBuffer)
	if err != nil {
		l.logger.Warn("rate limit store unavailable, failing open",
			zap.String("bucket", bucket),
			zap.Error(err))
		return true
	}

	allowed := count <= cfg.MaxRequests
	if !allowed {
		l.logger.Debug("rate limit exceeded",
			zap.String("bucket", bucket),
			zap.Int("count", count),
			zap.Int("max", cfg.MaxRequests))
	}
	return allowed
}

// Remaining reports the unused budget for the bucket. It is a pure
// read: no entry is recorded, so polling it never consumes budget. On
// store failure it reports the full ceiling, matching Allow's
// fail-open behavior.
func (l *Limiter) Remaining(ctx context.Context, bucket string) int {
	cfg, ok := l.buckets[bucket]
	if !ok {
		return 0
	}

	count, err := l.store.Count(ctx, bucket, l.now(), cfg.Window)
	if err != nil {
		return cfg.MaxRequests
	}

	remaining := cfg.MaxRequests - count
	if remaining < 0 {
		return 0
	}
	return remaining
}
