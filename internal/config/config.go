// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Cache backends understood by the composition root.
const (
	CacheBackendMemory   = "memory"
	CacheBackendLocal    = "local"
	CacheBackendSQLite   = "sqlite"
	CacheBackendPostgres = "postgres"
	CacheBackendGCS      = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Site      SiteConfig      `mapstructure:"site"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Stats     StatsConfig     `mapstructure:"stats"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SiteConfig names the retail origin being scraped and the session cookies
// used to authenticate against it.
type SiteConfig struct {
	Host       string `mapstructure:"host"`
	CookieFile string `mapstructure:"cookie_file"`
}

// SchedulerConfig governs request orchestration.
type SchedulerConfig struct {
	MaxConcurrent     int     `mapstructure:"max_concurrent"`
	RequestTimeoutSec int     `mapstructure:"request_timeout_seconds"`
	MaxRetries        int     `mapstructure:"max_retries"`
	BackoffInitialMs  int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs      int     `mapstructure:"backoff_max_ms"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// FetchConfig configures the HTTP fetcher.
type FetchConfig struct {
	UserAgent            string `mapstructure:"user_agent"`
	HeadlessTransactions bool   `mapstructure:"headless_transactions"`
}

// HeadlessConfig configures the chromedp fetcher.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// CacheConfig selects and configures the page cache backend.
type CacheConfig struct {
	Backend  string              `mapstructure:"backend"`
	Local    LocalCacheConfig    `mapstructure:"local"`
	SQLite   SQLiteCacheConfig   `mapstructure:"sqlite"`
	Postgres PostgresCacheConfig `mapstructure:"postgres"`
	GCS      GCSCacheConfig      `mapstructure:"gcs"`
}

// LocalCacheConfig points the filesystem backend at a directory.
type LocalCacheConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// SQLiteCacheConfig points the SQLite backend at a database file.
type SQLiteCacheConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresCacheConfig controls the Postgres connection pool.
type PostgresCacheConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// GCSCacheConfig names the bucket and object prefix for cached pages.
type GCSCacheConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// StatsConfig controls statistics publication.
type StatsConfig struct {
	PublishIntervalMs int `mapstructure:"publish_interval_ms"`
}

// ProgressConfig tunes the progress hub and its sinks.
type ProgressConfig struct {
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	LogEnabled     bool `mapstructure:"log_enabled"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry tracing. Spans are only exported
// when an OTLP endpoint is set.
type TelemetryConfig struct {
	ServiceName  string            `mapstructure:"service_name"`
	OTLPEndpoint string            `mapstructure:"otlp_endpoint"`
	Headers      map[string]string `mapstructure:"headers"`
	SampleRatio  float64           `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("site.host", "www.amazon.com")
	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("scheduler.request_timeout_seconds", 30)
	v.SetDefault("scheduler.max_retries", 2)
	v.SetDefault("scheduler.backoff_initial_ms", 500)
	v.SetDefault("scheduler.backoff_max_ms", 10000)
	v.SetDefault("scheduler.requests_per_second", 0)
	v.SetDefault("scheduler.burst", 1)
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (X11; Linux x86_64) order-history-scraper/0.1")
	v.SetDefault("fetch.headless_transactions", false)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("cache.backend", CacheBackendSQLite)
	v.SetDefault("cache.local.base_dir", ".cache/pages")
	v.SetDefault("cache.sqlite.path", "order-history-cache.db")
	v.SetDefault("cache.postgres.table", "page_cache")
	v.SetDefault("cache.gcs.prefix", "page-cache")
	v.SetDefault("stats.publish_interval_ms", 2000)
	v.SetDefault("progress.buffer_size", 256)
	v.SetDefault("progress.max_batch_events", 32)
	v.SetDefault("progress.max_batch_wait_ms", 250)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.service_name", "order-history-scraper")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Site.Host) == "" {
		return fmt.Errorf("site.host is required")
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.max_concurrent must be > 0")
	}
	if c.Scheduler.RequestTimeoutSec <= 0 {
		return fmt.Errorf("scheduler.request_timeout_seconds must be > 0")
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must be >= 0")
	}
	if c.Scheduler.RequestsPerSecond < 0 {
		return fmt.Errorf("scheduler.requests_per_second must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Fetch.HeadlessTransactions && !c.Headless.Enabled {
		return fmt.Errorf("fetch.headless_transactions requires headless.enabled")
	}
	if c.Stats.PublishIntervalMs <= 0 {
		return fmt.Errorf("stats.publish_interval_ms must be > 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return c.validateCache()
}

func (c Config) validateCache() error {
	switch c.Cache.Backend {
	case CacheBackendMemory:
	case CacheBackendLocal:
		if strings.TrimSpace(c.Cache.Local.BaseDir) == "" {
			return fmt.Errorf("cache.local.base_dir is required for the local backend")
		}
	case CacheBackendSQLite:
		if strings.TrimSpace(c.Cache.SQLite.Path) == "" {
			return fmt.Errorf("cache.sqlite.path is required for the sqlite backend")
		}
	case CacheBackendPostgres:
		if c.Cache.Postgres.DSN == "" {
			return fmt.Errorf("cache.postgres.dsn is required for the postgres backend")
		}
	case CacheBackendGCS:
		if c.Cache.GCS.Bucket == "" {
			return fmt.Errorf("cache.gcs.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}
	return nil
}

// RequestTimeout converts the per-request timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Scheduler.RequestTimeoutSec) * time.Second
}

// PublishInterval converts the statistics cadence into a duration.
func (c Config) PublishInterval() time.Duration {
	return time.Duration(c.Stats.PublishIntervalMs) * time.Millisecond
}

// Origin returns the https origin for the configured site.
func (c Config) Origin() string {
	return "https://" + strings.TrimSuffix(c.Site.Host, "/")
}
