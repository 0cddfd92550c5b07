package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigFileName is the default TOML config file name.
const ConfigFileName = "convsearch.toml"

// Config represents the service configuration in TOML format.
type Config struct {
	// DBPath is the SQLite database file path
	DBPath string `toml:"db_path"`

	// Pool defines connection pool settings for the storage engine
	Pool PoolSettings `toml:"pool"`

	// Search defines query, cache and audit settings
	Search SearchSettings `toml:"search"`

	// Import defines ingestion settings
	Import ImportSettings `toml:"import"`

	// Web defines HTTP API settings
	Web WebSettings `toml:"web"`

	// Logs defines logging settings
	Logs LogSettings `toml:"logs"`
}

// PoolSettings defines storage connection pool configuration.
type PoolSettings struct {
	// Size is the maximum number of concurrent connections (default: 10)
	Size int `toml:"size"`

	// AcquireTimeoutSecs bounds waiting for a free connection (default: 5)
	AcquireTimeoutSecs int `toml:"acquire_timeout_secs"`

	// BusyTimeoutMillis is the SQLite busy handler timeout (default: 5000)
	BusyTimeoutMillis int `toml:"busy_timeout_ms"`
}

// SearchSettings defines search, cache and audit configuration.
type SearchSettings struct {
	// QueryTimeoutSecs bounds a single search or count query (default: 5)
	QueryTimeoutSecs int `toml:"query_timeout_secs"`

	// RedisAddr is the cache backend address. Empty disables caching.
	RedisAddr string `toml:"redis_addr"`

	// CacheTTLSecs is how long search responses stay cached (default: 300)
	CacheTTLSecs int `toml:"cache_ttl_secs"`

	// AuditRetentionDays is how long search audit rows are kept (default: 90)
	AuditRetentionDays int `toml:"audit_retention_days"`
}

// ImportSettings defines ingestion configuration.
type ImportSettings struct {
	// Concurrency is the number of parallel ingest workers (default: 4)
	Concurrency int `toml:"concurrency"`

	// WatchDebounceSecs is the quiet period before a changed file is
	// re-imported in watch mode (default: 2)
	WatchDebounceSecs int `toml:"watch_debounce_secs"`

	// WatchRatePerMinute caps watch-mode import triggers (default: 6)
	WatchRatePerMinute int `toml:"watch_rate_per_minute"`
}

// WebSettings defines HTTP API configuration.
type WebSettings struct {
	// ListenAddr is the HTTP listen address (default: 127.0.0.1:8585)
	ListenAddr string `toml:"listen_addr"`
}

// LogSettings defines logging configuration.
type LogSettings struct {
	// Dir is the log directory. Empty logs to stderr.
	Dir string `toml:"dir"`

	// Level is "debug", "info" (default), "warn", or "error"
	Level string `toml:"level"`

	// Format is "json" (default) or "text"
	Format string `toml:"format"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a TOML config file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "conversations.db"
	}
	if c.Pool.Size <= 0 {
		c.Pool.Size = 10
	}
	if c.Pool.AcquireTimeoutSecs <= 0 {
		c.Pool.AcquireTimeoutSecs = 5
	}
	if c.Pool.BusyTimeoutMillis <= 0 {
		c.Pool.BusyTimeoutMillis = 5000
	}
	if c.Search.QueryTimeoutSecs <= 0 {
		c.Search.QueryTimeoutSecs = 5
	}
	if c.Search.CacheTTLSecs <= 0 {
		c.Search.CacheTTLSecs = 300
	}
	if c.Search.AuditRetentionDays <= 0 {
		c.Search.AuditRetentionDays = 90
	}
	if c.Import.Concurrency <= 0 {
		c.Import.Concurrency = 4
	}
	if c.Import.WatchDebounceSecs <= 0 {
		c.Import.WatchDebounceSecs = 2
	}
	if c.Import.WatchRatePerMinute <= 0 {
		c.Import.WatchRatePerMinute = 6
	}
	if c.Web.ListenAddr == "" {
		c.Web.ListenAddr = "127.0.0.1:8585"
	}
}

// AcquireTimeout returns the pool acquire timeout as a duration.
func (c *Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Pool.AcquireTimeoutSecs) * time.Second
}

// QueryTimeout returns the search query timeout as a duration.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.Search.QueryTimeoutSecs) * time.Second
}

// CacheTTL returns the cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Search.CacheTTLSecs) * time.Second
}

// AuditRetention returns the audit retention window as a duration.
func (c *Config) AuditRetention() time.Duration {
	return time.Duration(c.Search.AuditRetentionDays) * 24 * time.Hour
}
