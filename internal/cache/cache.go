// Package cache provides a small key-value store for enrichment data the
// sync pipeline wants to memoize between jobs.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Cache is a byte-oriented key-value store with per-entry TTL.
type Cache interface {
	// Get returns the cached value and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value. A zero ttl means no expiration.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Delete removes a value; deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// Close releases the backing connection.
	Close() error
}

// Hash computes a SHA-256 hash of data as a hex string, used for
// content-dedup keys.
func Hash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Null is a no-op cache for tests and disabled-cache deployments.
type Null struct{}

// NewNull creates a null cache.
func NewNull() Cache {
	return &Null{}
}

// Get always returns a cache miss.
func (c *Null) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, nil
}

// Set does nothing.
func (c *Null) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return nil
}

// Delete does nothing.
func (c *Null) Delete(ctx context.Context, key string) error {
	return nil
}

// Close does nothing.
func (c *Null) Close() error {
	return nil
}

var _ Cache = (*Null)(nil)
