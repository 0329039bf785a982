// Package cache defines the durable page cache consulted by the scheduler.
// Entries are raw page payloads keyed by URL and scoped to one site origin.
// Backends live in subpackages; all of them treat missing or unreadable
// entries as misses rather than errors.
package cache

import (
	"context"
	"net/url"
	"strings"
)

// Cache is a durable key to payload store scoped to a single origin.
type Cache interface {
	// Get returns the payload stored under key. A missing, expired, or
	// corrupt entry reports false.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores value under key, replacing any previous entry.
	Set(ctx context.Context, key string, value []byte) error
	// Clear removes every entry in the cache's namespace.
	Clear(ctx context.Context) error
}

// Hasher turns keys into fixed-length object names for blob backends.
type Hasher interface {
	Hash(key string) string
}

// Key builds the cache key for a request URL with an optional disambiguating
// context.
func Key(rawURL, context string) string {
	if context == "" {
		return rawURL
	}
	return rawURL + "#" + context
}

// Namespace derives a filesystem and SQL safe namespace from an origin such
// as "https://www.amazon.co.uk" or a bare host.
func Namespace(origin string) string {
	host := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Host
	}
	host = strings.ToLower(strings.TrimSpace(host))
	var b strings.Builder
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}
