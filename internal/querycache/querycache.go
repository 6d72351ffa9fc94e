// Package querycache keeps the last fetched result of remote queries so that
// views can render while the remote is unreachable.
package querycache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/logging"
	"github.com/dogtale/companion-core/internal/models"
)

// DefaultTTL is applied when Put is called with a zero ttl.
const DefaultTTL = 24 * time.Hour

// Store persists cache entries.
type Store interface {
	PutCacheEntry(ctx context.Context, e *models.CacheEntry) error
	GetCacheEntry(ctx context.Context, key string) (*models.CacheEntry, error)
	ListCacheEntries(ctx context.Context) ([]*models.CacheEntry, error)
	DeleteExpiredCacheEntries(ctx context.Context, nowMillis int64) (int, error)
	ClearCache(ctx context.Context) error
}

// Stats summarizes the cache contents.
type Stats struct {
	Total   int `json:"total"`
	Expired int `json:"expired"`
}

// Cache is a TTL cache of JSON-encoded query results.
type Cache struct {
	store      Store
	defaultTTL time.Duration
	now        func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithDefaultTTL overrides DefaultTTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache over store.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{store: store, defaultTTL: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put stores value under key. A zero ttl uses the default; a negative ttl
// never expires.
func (c *Cache) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "encode cached value", err)
	}
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	now := c.now()
	entry := &models.CacheEntry{Key: key, Data: data, UpdatedAt: now.UnixMilli()}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl).UnixMilli()
	}
	return c.store.PutCacheEntry(ctx, entry)
}

// Get decodes the value under key into dst. found is false when nothing is
// cached, or when the entry is expired and ignoreExpired is false.
func (c *Cache) Get(ctx context.Context, key string, dst interface{}, ignoreExpired bool) (found bool, expired bool, err error) {
	entry, err := c.store.GetCacheEntry(ctx, key)
	if err != nil || entry == nil {
		return false, false, err
	}
	expired = entry.Expired(c.now())
	if expired && !ignoreExpired {
		return false, true, nil
	}
	if err := json.Unmarshal(entry.Data, dst); err != nil {
		return false, expired, errors.Wrap(errors.ErrInvalid, "decode cached value", err)
	}
	return true, expired, nil
}

// ClearExpired deletes expired entries and returns how many were removed.
func (c *Cache) ClearExpired(ctx context.Context) (int, error) {
	n, err := c.store.DeleteExpiredCacheEntries(ctx, c.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Debug("Cleared expired cache entries", map[string]interface{}{"count": n})
	}
	return n, nil
}

// Clear removes everything.
func (c *Cache) Clear(ctx context.Context) error {
	return c.store.ClearCache(ctx)
}

// Keys lists cached keys.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	entries, err := c.store.ListCacheEntries(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys, nil
}

// Stats counts total and expired entries.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	entries, err := c.store.ListCacheEntries(ctx)
	if err != nil {
		return Stats{}, err
	}
	now := c.now()
	st := Stats{Total: len(entries)}
	for _, e := range entries {
		if e.Expired(now) {
			st.Expired++
		}
	}
	return st, nil
}
