// Package postgres stores cached pages in a Postgres table so several
// scraper instances can share one cache.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/order-history-scraper/internal/cache"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for cached pages.
type Config struct {
	DSN             string
	Table           string
	Namespace       string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Cache reads and writes page payloads keyed by (origin, key).
type Cache struct {
	pool   pool
	table  string
	origin string
	logger *zap.Logger
}

// New connects a pool and ensures the cache table exists.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Cache, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("cache.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	c, err := NewWithPool(p, cfg.Table, cfg.Namespace, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := c.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return c, nil
}

// NewWithPool constructs a cache from an existing pool (primarily for testing).
func NewWithPool(p pool, table, namespace string, logger *zap.Logger) (*Cache, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "page_cache"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		pool:   p,
		table:  table,
		origin: cache.Namespace(namespace),
		logger: logger.Named("cache.postgres"),
	}, nil
}

// EnsureSchema creates the cache table when missing.
func (c *Cache) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	origin     TEXT NOT NULL,
	cache_key  TEXT NOT NULL,
	payload    BYTEA NOT NULL,
	stored_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (origin, cache_key)
)`, c.table)
	if _, err := c.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create cache table: %w", err)
	}
	return nil
}

// Get returns the payload for key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE origin = $1 AND cache_key = $2`, c.table)
	var payload []byte
	if err := c.pool.QueryRow(ctx, query, c.origin, key).Scan(&payload); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return payload, true
}

// Set upserts the payload for key.
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	query := fmt.Sprintf(`
INSERT INTO %s (origin, cache_key, payload, stored_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (origin, cache_key) DO UPDATE SET payload = EXCLUDED.payload, stored_at = EXCLUDED.stored_at`, c.table)
	if _, err := c.pool.Exec(ctx, query, c.origin, key, value); err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Clear deletes this namespace's rows.
func (c *Cache) Clear(ctx context.Context) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE origin = $1`, c.table)
	if _, err := c.pool.Exec(ctx, query, c.origin); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (c *Cache) Close() {
	if c == nil || c.pool == nil {
		return
	}
	c.pool.Close()
}
