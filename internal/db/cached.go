package db

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/models"
)

// PutCacheEntry inserts or replaces a cached query result.
func (s *Store) PutCacheEntry(ctx context.Context, e *models.CacheEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cached_data (key, data, updated_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at, expires_at = excluded.expires_at`,
		e.Key, string(e.Data), e.UpdatedAt, e.ExpiresAt)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "put cache entry", err)
	}
	return nil
}

// GetCacheEntry returns the entry for key, or nil when absent.
func (s *Store) GetCacheEntry(ctx context.Context, key string) (*models.CacheEntry, error) {
	var (
		e    models.CacheEntry
		data []byte
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT key, data, updated_at, expires_at FROM cached_data WHERE key = ?", key).
		Scan(&e.Key, &data, &e.UpdatedAt, &e.ExpiresAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "get cache entry", err)
	}
	e.Data = data
	return &e, nil
}

// ListCacheEntries returns every cached entry ordered by key.
func (s *Store) ListCacheEntries(ctx context.Context) ([]*models.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, data, updated_at, expires_at FROM cached_data ORDER BY key")
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "list cache entries", err)
	}
	defer rows.Close()

	var entries []*models.CacheEntry
	for rows.Next() {
		var (
			e    models.CacheEntry
			data []byte
		)
		if err := rows.Scan(&e.Key, &data, &e.UpdatedAt, &e.ExpiresAt); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "scan cache entry", err)
		}
		e.Data = data
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// DeleteExpiredCacheEntries removes entries that expired before nowMillis.
func (s *Store) DeleteExpiredCacheEntries(ctx context.Context, nowMillis int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM cached_data WHERE expires_at > 0 AND expires_at < ?", nowMillis)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "delete expired cache entries", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ClearCache removes every cached entry.
func (s *Store) ClearCache(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cached_data"); err != nil {
		return errors.Wrap(errors.ErrDatabase, "clear cache", err)
	}
	return nil
}
