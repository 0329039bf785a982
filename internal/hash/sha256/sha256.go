// Package sha256 provides SHA-256 hashing utilities used to derive cache
// object names from URLs.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements cache.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of key.
func (h *Hasher) Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
