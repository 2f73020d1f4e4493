package metacache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLStore persists entries in the metadata_cache table. Values are stored
// as JSON, so V must round-trip through encoding/json.
type SQLStore[V any] struct {
	db *sql.DB
}

// NewSQLStore returns a store over db. The metadata_cache table is created by
// the embedded migrations.
func NewSQLStore[V any](db *sql.DB) *SQLStore[V] {
	return &SQLStore[V]{db: db}
}

// Get implements Store.
func (s *SQLStore[V]) Get(ctx context.Context, key string) (Entry[V], bool, error) {
	var (
		e          Entry[V]
		raw        string
		storedAt   int64
		accessedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT value, stored_at, accessed_at FROM metadata_cache WHERE cache_key = ?", key,
	).Scan(&raw, &storedAt, &accessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, false, nil
	}
	if err != nil {
		return e, false, fmt.Errorf("querying cache entry: %w", err)
	}

	if err := json.Unmarshal([]byte(raw), &e.Value); err != nil {
		return e, false, fmt.Errorf("decoding cache entry: %w", err)
	}
	e.StoredAt = time.UnixMilli(storedAt)
	e.AccessedAt = time.UnixMilli(accessedAt)
	return e, true, nil
}

// Set implements Store.
func (s *SQLStore[V]) Set(ctx context.Context, key string, entry Entry[V]) error {
	raw, err := json.Marshal(entry.Value)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO metadata_cache (cache_key, value, stored_at, accessed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			value = excluded.value,
			stored_at = excluded.stored_at,
			accessed_at = excluded.accessed_at`,
		key, string(raw), entry.StoredAt.UnixMilli(), entry.AccessedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("storing cache entry: %w", err)
	}
	return nil
}

// Touch implements Store.
func (s *SQLStore[V]) Touch(ctx context.Context, key string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE metadata_cache SET accessed_at = ? WHERE cache_key = ?", at.UnixMilli(), key); err != nil {
		return fmt.Errorf("touching cache entry: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLStore[V]) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM metadata_cache WHERE cache_key = ?", key); err != nil {
		return fmt.Errorf("deleting cache entry: %w", err)
	}
	return nil
}

// Clear implements Store.
func (s *SQLStore[V]) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM metadata_cache"); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	return nil
}

// Len implements Store.
func (s *SQLStore[V]) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM metadata_cache").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting cache entries: %w", err)
	}
	return n, nil
}

// Oldest implements Store.
func (s *SQLStore[V]) Oldest(ctx context.Context) (string, bool, error) {
	var key string
	err := s.db.QueryRowContext(ctx,
		"SELECT cache_key FROM metadata_cache ORDER BY accessed_at ASC, cache_key ASC LIMIT 1",
	).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("finding oldest cache entry: %w", err)
	}
	return key, true, nil
}
