package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PGStore implements CounterStore on Postgres. A single statement
// prunes expired entries, records the new one, and counts the window,
// so concurrent callers from separate invocations see an atomic
// increment-prune-read.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPGStore creates a Postgres-backed counter store.
func NewPGStore(pool *pgxpool.Pool, logger *zap.Logger) *PGStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGStore{pool: pool, logger: logger}
}

// SlideAndCount implements CounterStore.
func (s *PGStore) SlideAndCount(ctx context.Context, bucket, entryID string, now time.Time, window, ttl time.Duration) (int, error) {
	query := `
		WITH pruned AS (
			DELETE FROM rate_limit_entries
			WHERE bucket = $1 AND recorded_at < $3
		), inserted AS (
			INSERT INTO rate_limit_entries (bucket, entry_id, recorded_at, expires_at)
			VALUES ($1, $2, $4, $5)
		)
		SELECT COUNT(*) + 1
		FROM rate_limit_entries
		WHERE bucket = $1 AND recorded_at >= $3
	`
	cutoff := now.Add(-window)
	expiresAt := now.Add(ttl)

	var count int
	err := s.pool.QueryRow(ctx, query, bucket, entryID, cutoff, now, expiresAt).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("slide and count bucket %s: %w", bucket, err)
	}
	return count, nil
}

// Count returns the in-window entry count without recording anything.
// Expired rows are left for the next write or Cleanup to prune; the
// recorded_at filter keeps them out of the count either way.
func (s *PGStore) Count(ctx context.Context, bucket string, now time.Time, window time.Duration) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM rate_limit_entries
		WHERE bucket = $1 AND recorded_at >= $2
	`
	var count int
	if err := s.pool.QueryRow(ctx, query, bucket, now.Add(-window)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count bucket %s: %w", bucket, err)
	}
	return count, nil
}

// Cleanup drops entries past their TTL across all buckets. Run
// opportunistically; correctness only depends on the per-call prune.
func (s *PGStore) Cleanup(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rate_limit_entries WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("rate limit cleanup: %w", err)
	}
	if tag.RowsAffected() > 0 {
		s.logger.Debug("rate limit entries cleaned", zap.Int64("deleted", tag.RowsAffected()))
	}
	return tag.RowsAffected(), nil
}
