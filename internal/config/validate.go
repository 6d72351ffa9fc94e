package config

import (
	"fmt"
	"slices"
)

// KnownProviders are the provider names accepted in providers.order.
var KnownProviders = []string{"claude", "openai", "huggingface"}

// Validate performs rule validation on the loaded configuration.
func (c *Config) Validate() error {
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be > 0 (got %d)", c.Sync.BatchSize)
	}
	for table, n := range c.Sync.TableBatchSize {
		if n <= 0 {
			return fmt.Errorf("sync.table_batch_size[%s] must be > 0 (got %d)", table, n)
		}
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be > 0 (got %s)", c.Sync.Interval)
	}
	if c.Sync.BatchRate <= 0 {
		return fmt.Errorf("sync.batch_rate must be > 0 (got %v)", c.Sync.BatchRate)
	}
	if c.Sync.BatchBurst <= 0 {
		return fmt.Errorf("sync.batch_burst must be > 0 (got %d)", c.Sync.BatchBurst)
	}

	switch c.Store.CacheBackend {
	case "sqlite", "badger":
	default:
		return fmt.Errorf("store.cache_backend must be sqlite or badger (got %q)", c.Store.CacheBackend)
	}

	if c.Quota.DailyLimit <= 0 {
		return fmt.Errorf("quota.daily_limit must be > 0 (got %d)", c.Quota.DailyLimit)
	}

	if len(c.Providers.Order) == 0 {
		return fmt.Errorf("providers.order must not be empty")
	}
	for _, name := range c.Providers.Order {
		if !slices.Contains(KnownProviders, name) {
			return fmt.Errorf("providers.order: unknown provider %q", name)
		}
	}

	if c.Analytics.BatchSize <= 0 || c.Analytics.MaxLocalEvents <= 0 {
		return fmt.Errorf("analytics batch_size and max_local_events must be > 0")
	}
	if c.Analytics.FlushInterval <= 0 {
		return fmt.Errorf("analytics.flush_interval must be > 0 (got %s)", c.Analytics.FlushInterval)
	}
	return nil
}
