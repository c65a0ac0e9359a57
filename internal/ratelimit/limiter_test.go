package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory CounterStore with the same prune-insert-count
// semantics as the Postgres store.
type memStore struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	err     error
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string][]time.Time)}
}

func (m *memStore) SlideAndCount(_ context.Context, bucket, _ string, now time.Time, window, _ time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return 0, m.err
	}

	cutoff := now.Add(-window)
	var kept []time.Time
	for _, ts := range m.entries[bucket] {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	m.entries[bucket] = kept
	return len(kept), nil
}

func (m *memStore) Count(_ context.Context, bucket string, now time.Time, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return 0, m.err
	}

	cutoff := now.Add(-window)
	count := 0
	for _, ts := range m.entries[bucket] {
		if !ts.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

func testBuckets(window time.Duration, max int) map[string]BucketConfig {
	return map[string]BucketConfig{
		BucketMessaging: {Window: window, MaxRequests: max},
	}
}

func TestAllowExactBudget(t *testing.T) {
	store := newMemStore()
	limiter := NewLimiter(store, testBuckets(time.Minute, 5), nil)

	base := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		if !limiter.Allow(context.Background(), BucketMessaging) {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if limiter.Allow(context.Background(), BucketMessaging) {
		t.Fatal("6th call inside the window should be rejected")
	}
}

func TestWindowSlides(t *testing.T) {
	store := newMemStore()
	limiter := NewLimiter(store, testBuckets(time.Minute, 2), nil)

	now := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.Allow(context.Background(), BucketMessaging)
	limiter.Allow(context.Background(), BucketMessaging)
	if limiter.Allow(context.Background(), BucketMessaging) {
		t.Fatal("budget should be spent")
	}

	// Move past the window; old entries fall out.
	now = now.Add(61 * time.Second)
	if !limiter.Allow(context.Background(), BucketMessaging) {
		t.Fatal("call after the window slid should be allowed")
	}
}

func TestFailOpenOnStoreError(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("connection refused")
	limiter := NewLimiter(store, testBuckets(time.Minute, 1), nil)

	if !limiter.Allow(context.Background(), BucketMessaging) {
		t.Fatal("store failure must fail open")
	}
	if got := limiter.Remaining(context.Background(), BucketMessaging); got != 1 {
		t.Fatalf("Remaining on store failure = %d, want full budget 1", got)
	}
}

func TestUnknownBucketAllowed(t *testing.T) {
	limiter := NewLimiter(newMemStore(), testBuckets(time.Minute, 1), nil)
	if !limiter.Allow(context.Background(), "nonexistent") {
		t.Fatal("unknown bucket should be allowed through")
	}
}

func TestRemainingIsReadOnly(t *testing.T) {
	store := newMemStore()
	limiter := NewLimiter(store, testBuckets(time.Minute, 3), nil)

	base := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }

	// Polling Remaining must not consume budget.
	for i := 0; i < 5; i++ {
		if got := limiter.Remaining(context.Background(), BucketMessaging); got != 3 {
			t.Fatalf("Remaining read %d = %d, want untouched budget 3", i+1, got)
		}
	}

	for i := 0; i < 3; i++ {
		if !limiter.Allow(context.Background(), BucketMessaging) {
			t.Fatalf("call %d should be allowed after read-only polling", i+1)
		}
	}
	if limiter.Allow(context.Background(), BucketMessaging) {
		t.Fatal("4th call should be rejected")
	}
	if got := limiter.Remaining(context.Background(), BucketMessaging); got != 0 {
		t.Fatalf("Remaining after spend = %d, want 0", got)
	}
}
