// Package gcs stores cached pages as objects in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/order-history-scraper/internal/cache"
)

// ErrNotFound is returned by a Bucket when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Config names the bucket and object prefix.
type Config struct {
	Bucket    string
	Prefix    string
	Namespace string
}

// Bucket is the subset of object storage the cache needs.
type Bucket interface {
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, data []byte) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Cache stores sealed payloads at <prefix>/<namespace>/<hash>.
type Cache struct {
	bucket Bucket
	dir    string
	hasher cache.Hasher
	logger *zap.Logger
}

// New wraps bucket as a page cache.
func New(bucket Bucket, cfg Config, hasher cache.Hasher, logger *zap.Logger) (*Cache, error) {
	if bucket == nil {
		return nil, fmt.Errorf("bucket is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ns := cache.Namespace(cfg.Namespace)
	return &Cache{
		bucket: bucket,
		dir:    path.Join(strings.Trim(cfg.Prefix, "/"), ns) + "/",
		hasher: hasher,
		logger: logger.Named("cache.gcs").With(zap.String("namespace", ns)),
	}, nil
}

// ObjectName returns the object path used for key.
func (c *Cache) ObjectName(key string) string {
	return c.dir + c.hasher.Hash(key)
}

// Get downloads and validates the object for key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	raw, err := c.bucket.Read(ctx, c.ObjectName(key))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	payload, ok := cache.Open(raw)
	if !ok {
		c.logger.Warn("ignoring corrupt cache object", zap.String("key", key))
		return nil, false
	}
	return payload, true
}

// Set uploads the sealed payload.
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	if err := c.bucket.Write(ctx, c.ObjectName(key), cache.Seal(value)); err != nil {
		return fmt.Errorf("upload cache object: %w", err)
	}
	return nil
}

// Clear deletes every object under the namespace directory.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.bucket.DeletePrefix(ctx, c.dir); err != nil {
		return fmt.Errorf("clear cache objects: %w", err)
	}
	return nil
}

// StorageBucket adapts a storage.Client bucket handle.
type StorageBucket struct {
	handle *storage.BucketHandle
}

// NewStorageBucket binds client to bucket.
func NewStorageBucket(client *storage.Client, bucket string) (*StorageBucket, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &StorageBucket{handle: client.Bucket(bucket)}, nil
}

// Read downloads an object.
func (b *StorageBucket) Read(ctx context.Context, name string) ([]byte, error) {
	r, err := b.handle.Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open object: %w", err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// Write uploads an object, replacing any existing one.
func (b *StorageBucket) Write(ctx context.Context, name string, data []byte) error {
	w := b.handle.Object(name).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		closeErr := w.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// DeletePrefix removes every object whose name starts with prefix.
func (b *StorageBucket) DeletePrefix(ctx context.Context, prefix string) error {
	it := b.handle.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list objects: %w", err)
		}
		if err := b.handle.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("delete %s: %w", attrs.Name, err)
		}
	}
}
