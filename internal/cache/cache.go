// Package cache provides the proxy's in-memory caches: a generic TTL
// lookaside for small upstream payloads and the anonymized response
// cache keyed by request fingerprint.
package cache

import (
	"context"
	"time"
)

// Cache is a byte-value lookaside with per-entry TTL.
type Cache interface {
	// Get retrieves a cached value by key.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	// Delete removes a cached value.
	Delete(ctx context.Context, key string)
	// Purge removes all cached values.
	Purge(ctx context.Context)
}
