// Package badgerstore keeps cached query results in BadgerDB, as an
// alternative to the SQLite cached_data table.
package badgerstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/logging"
	"github.com/dogtale/companion-core/internal/models"
)

const keyPrefix = "cache/"

// Config configures the Badger store.
type Config struct {
	// Path is the on-disk directory. Required unless InMemory is set.
	Path string

	InMemory bool

	SyncWrites bool

	// StaleRetention is how long an expired entry stays readable with
	// ignoreExpired before Badger evicts it.
	StaleRetention time.Duration
}

// DefaultConfig returns the persistent configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		StaleRetention: 7 * 24 * time.Hour,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{
		InMemory:       true,
		StaleRetention: 7 * 24 * time.Hour,
	}
}

type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	logging.Error("badger", fmt.Errorf(format, args...))
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	logging.Warn(fmt.Sprintf(format, args...), map[string]interface{}{"component": "badger"})
}

func (badgerLogger) Infof(format string, args ...interface{}) {}

func (badgerLogger) Debugf(format string, args ...interface{}) {}

// Store is a cached data store backed by BadgerDB.
type Store struct {
	db        *badger.DB
	retention time.Duration
}

// Open opens the store.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("path is required for persistent cache store")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache store: %w", err)
	}
	return &Store{db: db, retention: cfg.StaleRetention}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutCacheEntry inserts or replaces an entry.
func (s *Store) PutCacheEntry(ctx context.Context, e *models.CacheEntry) error {
	value, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "encode cache entry", err)
	}
	entry := badger.NewEntry([]byte(keyPrefix+e.Key), value)
	if e.ExpiresAt > 0 {
		ttl := time.Until(time.UnixMilli(e.ExpiresAt)) + s.retention
		if ttl <= 0 {
			return nil
		}
		entry = entry.WithTTL(ttl)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "put cache entry", err)
	}
	return nil
}

// GetCacheEntry returns the entry for key, or nil when absent.
func (s *Store) GetCacheEntry(ctx context.Context, key string) (*models.CacheEntry, error) {
	var out *models.CacheEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if stderrors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var e models.CacheEntry
			if err := json.Unmarshal(val, &e); err != nil {
				return err
			}
			out = &e
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "get cache entry", err)
	}
	return out, nil
}

// ListCacheEntries returns every entry in key order.
func (s *Store) ListCacheEntries(ctx context.Context) ([]*models.CacheEntry, error) {
	var entries []*models.CacheEntry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var e models.CacheEntry
			if err := json.Unmarshal(val, &e); err != nil {
				return err
			}
			entries = append(entries, &e)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "list cache entries", err)
	}
	return entries, nil
}

// DeleteExpiredCacheEntries removes entries that expired before nowMillis.
func (s *Store) DeleteExpiredCacheEntries(ctx context.Context, nowMillis int64) (int, error) {
	entries, err := s.ListCacheEntries(ctx)
	if err != nil {
		return 0, err
	}
	var expired [][]byte
	for _, e := range entries {
		if e.ExpiresAt > 0 && e.ExpiresAt < nowMillis {
			expired = append(expired, []byte(keyPrefix+e.Key))
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, k := range expired {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "delete expired cache entries", err)
	}
	return len(expired), nil
}

// ClearCache removes every entry.
func (s *Store) ClearCache(ctx context.Context) error {
	if err := s.db.DropPrefix([]byte(keyPrefix)); err != nil {
		return errors.Wrap(errors.ErrDatabase, "clear cache", err)
	}
	return nil
}
