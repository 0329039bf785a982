// Package local implements a filesystem-backed page cache.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/order-history-scraper/internal/cache"
)

// Config captures the parameters for the filesystem cache.
type Config struct {
	// BaseDir is the root directory shared by every namespace.
	BaseDir string
	// Namespace scopes entries to one origin.
	Namespace string
}

// Cache stores sealed payloads under BaseDir/Namespace/hh/hash.
type Cache struct {
	root   string
	hasher cache.Hasher
	logger *zap.Logger
}

// New creates the namespace directory and verifies it is writable.
func New(cfg Config, hasher cache.Hasher, logger *zap.Logger) (*Cache, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ns := cache.Namespace(cfg.Namespace)
	root := filepath.Join(cfg.BaseDir, ns)

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case err == nil && !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	case err != nil && !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	probe := filepath.Join(root, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("cache directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Cache{
		root:   root,
		hasher: hasher,
		logger: logger.Named("cache.local").With(zap.String("namespace", ns)),
	}, nil
}

func (c *Cache) path(key string) (string, error) {
	sum := c.hasher.Hash(key)
	if len(sum) < 3 {
		return "", fmt.Errorf("hash too short for key %q", key)
	}
	full := filepath.Clean(filepath.Join(c.root, sum[:2], sum))
	if !strings.HasPrefix(full, filepath.Clean(c.root)+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return full, nil
}

// Get reads and validates the stored object.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool) {
	p, err := c.path(key)
	if err != nil {
		return nil, false
	}
	// #nosec G304 -- path is derived from a hash under the cache root.
	raw, err := os.ReadFile(p)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	payload, ok := cache.Open(raw)
	if !ok {
		c.logger.Warn("discarding corrupt cache entry", zap.String("key", key))
		_ = os.Remove(p)
		return nil, false
	}
	return payload, true
}

// Set writes the sealed payload through a temp file and rename.
func (c *Cache) Set(_ context.Context, key string, value []byte) error {
	p, err := c.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".pending-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(cache.Seal(value)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename cache entry: %w", err)
	}
	return nil
}

// Clear removes the namespace directory and recreates it empty.
func (c *Cache) Clear(_ context.Context) error {
	if err := os.RemoveAll(c.root); err != nil {
		return fmt.Errorf("remove cache directory: %w", err)
	}
	if err := os.MkdirAll(c.root, 0o750); err != nil {
		return fmt.Errorf("recreate cache directory: %w", err)
	}
	return nil
}
