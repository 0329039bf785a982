// Package sqlite implements the page cache on an embedded SQLite database.
//
// The database carries a schema version in a meta table. Opening a database
// written under a different version drops every cached page, since stale
// payloads cannot be interpreted safely.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/order-history-scraper/internal/cache"
)

// SchemaVersion identifies the layout of cached payloads.
const SchemaVersion = "2"

// Config points the cache at a database file.
type Config struct {
	Path      string
	Namespace string
}

// Cache stores pages in the page_cache table scoped by origin.
type Cache struct {
	db     *sql.DB
	origin string
	now    func() time.Time
	logger *zap.Logger
}

// Open opens (or creates) the database, applies pragmas, and migrates.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Cache, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	c, err := NewWithDB(ctx, db, cfg.Namespace, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// NewWithDB wraps an existing handle. The handle is owned by the cache
// afterwards and released by Close.
func NewWithDB(ctx context.Context, db *sql.DB, namespace string, logger *zap.Logger) (*Cache, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Single writer; avoids SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	c := &Cache{
		db:     db,
		origin: cache.Namespace(namespace),
		now:    time.Now,
		logger: logger.Named("cache.sqlite"),
	}
	if err := c.migrate(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cache_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS page_cache (
			origin    TEXT NOT NULL,
			key       TEXT NOT NULL,
			value     BLOB NOT NULL,
			stored_at INTEGER NOT NULL,
			PRIMARY KEY (origin, key)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite cache: %w", err)
		}
	}

	var version string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM cache_meta WHERE key = 'schema_version'`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version == SchemaVersion:
		return nil
	}

	if version != "" {
		c.logger.Info("cache schema changed; dropping cached pages",
			zap.String("from", version), zap.String("to", SchemaVersion))
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM page_cache`); err != nil {
		return fmt.Errorf("reset page cache: %w", err)
	}
	if _, err := c.db.ExecContext(ctx,
		`INSERT INTO cache_meta (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, SchemaVersion); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return nil
}

// Get returns the stored payload for key within the namespace.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	var value []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT value FROM page_cache WHERE origin = ? AND key = ?`, c.origin, key).Scan(&value)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return value, true
}

// Set upserts the payload for key.
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO page_cache (origin, key, value, stored_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(origin, key) DO UPDATE SET value = excluded.value, stored_at = excluded.stored_at`,
		c.origin, key, value, c.now().Unix())
	if err != nil {
		return fmt.Errorf("store cache entry: %w", err)
	}
	return nil
}

// Clear deletes every entry for this namespace.
func (c *Cache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM page_cache WHERE origin = ?`, c.origin); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}
