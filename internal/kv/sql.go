package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/pmassist/internal/storage"
)

// SQL is a Backend stored in the kv_entries and kv_counters tables.
// Expiry times are unix milliseconds so comparisons stay portable across
// dialects.
type SQL struct {
	db  *storage.DB
	now Clock
}

// NewSQL creates a SQL-backed store. The clock may be nil.
func NewSQL(db *storage.DB, clock Clock) *SQL {
	if clock == nil {
		clock = time.Now
	}
	return &SQL{db: db, now: clock}
}

func (s *SQL) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value string
	var expiresAt sql.NullInt64
	err := s.db.QueryRow(ctx,
		`SELECT value, expires_at FROM kv_entries WHERE key = $1`, key).
		Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get: %w", err)
	}
	if expiresAt.Valid && expiresAt.Int64 <= s.now().UnixMilli() {
		if _, err := s.db.Exec(ctx,
			`DELETE FROM kv_entries WHERE key = $1 AND expires_at = $2`, key, expiresAt.Int64); err != nil {
			return nil, false, fmt.Errorf("kv expire: %w", err)
		}
		return nil, false, nil
	}
	return []byte(value), true, nil
}

func (s *SQL) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO kv_entries (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, string(value), s.expiry(ttl))
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

func (s *SQL) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM kv_counters WHERE key = $1`, key); err != nil {
		return fmt.Errorf("kv delete counter: %w", err)
	}
	return nil
}

func (s *SQL) Expire(ctx context.Context, key string, ttl time.Duration) error {
	res, err := s.db.Exec(ctx,
		`UPDATE kv_entries SET expires_at = $2
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > $3)`,
		key, s.expiry(ttl), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("kv expire: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("kv expire: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQL) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	now := s.now()
	nowMs := now.UnixMilli()
	nextReset := now.Add(window).UnixMilli()

	var count, resetAt int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO kv_counters (key, count, reset_at) VALUES ($1, 1, $2)
		 ON CONFLICT (key) DO UPDATE SET
		   count = CASE WHEN kv_counters.reset_at <= $3 THEN 1 ELSE kv_counters.count + 1 END,
		   reset_at = CASE WHEN kv_counters.reset_at <= $3 THEN $2 ELSE kv_counters.reset_at END
		 RETURNING count, reset_at`,
		key, nextReset, nowMs).Scan(&count, &resetAt)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("kv increment: %w", err)
	}
	return count, time.UnixMilli(resetAt), nil
}

// PruneExpired deletes expired entries and elapsed counters.
func (s *SQL) PruneExpired(ctx context.Context) (int64, error) {
	nowMs := s.now().UnixMilli()
	res, err := s.db.Exec(ctx,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= $1`, nowMs)
	if err != nil {
		return 0, fmt.Errorf("prune kv_entries: %w", err)
	}
	entries, _ := res.RowsAffected()

	res, err = s.db.Exec(ctx, `DELETE FROM kv_counters WHERE reset_at <= $1`, nowMs)
	if err != nil {
		return entries, fmt.Errorf("prune kv_counters: %w", err)
	}
	counters, _ := res.RowsAffected()
	return entries + counters, nil
}

func (s *SQL) expiry(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return s.now().Add(ttl).UnixMilli()
}
