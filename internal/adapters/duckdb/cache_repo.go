package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetCacheEntry returns the value for (namespace, key) if present and
// unexpired. Expired rows are deleted on the way out (lazy reap) and
// reported as absent.
func (r *Repository) GetCacheEntry(ctx context.Context, namespace, key string, now time.Time) ([]byte, bool, error) {
	query := `SELECT value, expires_at FROM cache_entries WHERE namespace = ? AND key = ?`
	var value string
	var expiresAt time.Time
	err := r.db.QueryRowContext(ctx, query, namespace, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry %s/%s: %w", namespace, key, err)
	}

	if !expiresAt.After(now.UTC()) {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
			r.logger.Warn("failed to reap expired cache entry", "namespace", namespace, "key", key, "error", err)
		}
		return nil, false, nil
	}
	return []byte(value), true, nil
}

// PutCacheEntry overwrites the entry wholesale.
func (r *Repository) PutCacheEntry(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	query := `
	INSERT INTO cache_entries (namespace, key, value, created_at, expires_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (namespace, key) DO UPDATE SET
		value = excluded.value,
		created_at = excluded.created_at,
		expires_at = excluded.expires_at;
	`
	_, err := r.db.ExecContext(ctx, query, namespace, key, string(value), now, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to write cache entry %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (r *Repository) DeleteCacheEntry(ctx context.Context, namespace, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE namespace = ? AND key = ?`, namespace, key)
	return err
}

// CountCacheEntries counts unexpired entries.
func (r *Repository) CountCacheEntries(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries WHERE expires_at > ?`, now.UTC()).Scan(&n)
	return n, err
}

// ReapCache removes expired entries. Returns the number removed.
func (r *Repository) ReapCache(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reap cache: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
