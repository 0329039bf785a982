// Package memory keeps cached pages in process memory for tests and
// short-lived runs.
package memory

import (
	"context"
	"sync"
)

// Cache stores payloads in a map guarded by a RWMutex.
type Cache struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an empty in-memory cache.
func New() *Cache {
	return &Cache{data: make(map[string][]byte)}
}

// Get returns a copy of the stored payload.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// Set stores a copy of value.
func (c *Cache) Set(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = append([]byte(nil), value...)
	return nil
}

// Clear drops every entry.
func (c *Cache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string][]byte)
	return nil
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
