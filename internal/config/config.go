// Package config loads companion-core configuration from YAML and ENV.
package config

import (
	"time"
)

// Config is the root configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Sync      SyncConfig      `yaml:"sync"`
	Remote    RemoteConfig    `yaml:"remote"`
	Quota     QuotaConfig     `yaml:"quota"`
	Providers ProvidersConfig `yaml:"providers"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// StoreConfig selects where local state lives.
type StoreConfig struct {
	DataDir      string        `yaml:"data_dir"      env:"STORE_DATA_DIR"      env-default:"./data"`
	CacheBackend string        `yaml:"cache_backend" env:"STORE_CACHE_BACKEND" env-default:"sqlite"`
	CacheTTL     time.Duration `yaml:"cache_ttl"     env:"STORE_CACHE_TTL"     env-default:"24h"`
	InMemory     bool          `yaml:"in_memory"     env:"STORE_IN_MEMORY"     env-default:"false"`
}

// SyncConfig tunes the drain loop.
type SyncConfig struct {
	BatchSize      int            `yaml:"batch_size"       env:"SYNC_BATCH_SIZE"       env-default:"50"`
	TableBatchSize map[string]int `yaml:"table_batch_size" env:"SYNC_TABLE_BATCH_SIZE"`
	Interval       time.Duration  `yaml:"interval"         env:"SYNC_INTERVAL"         env-default:"30s"`
	BatchRate      float64        `yaml:"batch_rate"       env:"SYNC_BATCH_RATE"       env-default:"5"`
	BatchBurst     int            `yaml:"batch_burst"      env:"SYNC_BATCH_BURST"      env-default:"5"`
	DrainTimeout   time.Duration  `yaml:"drain_timeout"    env:"SYNC_DRAIN_TIMEOUT"    env-default:"2m"`
}

// RemoteConfig points at the cloud data service and its push channels.
type RemoteConfig struct {
	PostgresDSN   string        `yaml:"postgres_dsn"   env:"REMOTE_POSTGRES_DSN"`
	RealtimeURL   string        `yaml:"realtime_url"   env:"REMOTE_REALTIME_URL"`
	NATSURL       string        `yaml:"nats_url"       env:"REMOTE_NATS_URL"`
	HealthURL     string        `yaml:"health_url"     env:"REMOTE_HEALTH_URL"`
	ProbeInterval time.Duration `yaml:"probe_interval" env:"REMOTE_PROBE_INTERVAL" env-default:"15s"`
}

// QuotaConfig configures the daily generation allowance.
type QuotaConfig struct {
	RedisAddr     string `yaml:"redis_addr"     env:"QUOTA_REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"QUOTA_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db"       env:"QUOTA_REDIS_DB"       env-default:"0"`
	DailyLimit    int    `yaml:"daily_limit"    env:"QUOTA_DAILY_LIMIT"    env-default:"5"`
}

// ProviderConfig configures a single content provider.
type ProviderConfig struct {
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"base_url"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ProvidersConfig lists the content providers in preference order.
type ProvidersConfig struct {
	Order        []string       `yaml:"order"         env:"PROVIDERS_ORDER" env-separator:"," env-default:"claude,openai,huggingface"`
	Claude       ProviderConfig `yaml:"claude"`
	OpenAI       ProviderConfig `yaml:"openai"`
	HuggingFace  ProviderConfig `yaml:"huggingface"`
	TemplateSeed uint64         `yaml:"template_seed" env:"PROVIDERS_TEMPLATE_SEED"`
}

// AnalyticsConfig tunes event batching.
type AnalyticsConfig struct {
	BatchSize      int           `yaml:"batch_size"       env:"ANALYTICS_BATCH_SIZE"       env-default:"50"`
	FlushInterval  time.Duration `yaml:"flush_interval"   env:"ANALYTICS_FLUSH_INTERVAL"   env-default:"30s"`
	MaxLocalEvents int           `yaml:"max_local_events" env:"ANALYTICS_MAX_LOCAL_EVENTS" env-default:"1000"`
}

// MetricsConfig toggles the Prometheus collectors.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"METRICS_ENABLED" env-default:"false"`
	Addr    string `yaml:"addr"    env:"METRICS_ADDR"    env-default:":9464"`
}

// BatchSizeFor returns the drain batch size for a table.
func (s SyncConfig) BatchSizeFor(table string) int {
	if n, ok := s.TableBatchSize[table]; ok && n > 0 {
		return n
	}
	return s.BatchSize
}

// applyProviderDefaults fills per-provider defaults that cannot be expressed
// as env-default tags on a shared struct type.
func (p *ProvidersConfig) applyProviderDefaults() {
	fill := func(c *ProviderConfig, model, baseURL string, maxTokens int, timeout time.Duration) {
		if c.Model == "" {
			c.Model = model
		}
		if c.BaseURL == "" {
			c.BaseURL = baseURL
		}
		if c.MaxTokens == 0 {
			c.MaxTokens = maxTokens
		}
		if c.Timeout == 0 {
			c.Timeout = timeout
		}
	}
	fill(&p.Claude, "claude-3-haiku-20240307", "https://api.anthropic.com", 1024, 45*time.Second)
	fill(&p.OpenAI, "gpt-4o-mini", "https://api.openai.com/v1", 1024, 45*time.Second)
	fill(&p.HuggingFace, "mistralai/Mistral-7B-Instruct-v0.2", "https://api-inference.huggingface.co", 1024, 60*time.Second)
}
