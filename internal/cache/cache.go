// Package cache defines the TTL key-value cache used for derived wiki
// structures, with an in-process backend for single-instance deployments
// and a shared SQLite backend for multi-instance ones.
package cache

import "time"

// Cache is a TTL-aware key-value store. Values are opaque bytes; callers
// JSON-encode what they need. Backends are best-effort: a failed read is a
// miss, a failed write is dropped, and the caller recomputes from source.
type Cache interface {
	// Get returns the value for key, or false on miss or expiry.
	Get(key string) ([]byte, bool)
	// Set stores value under key for ttl. ttl <= 0 means no expiry.
	Set(key string, value []byte, ttl time.Duration)
	// Delete removes the given keys.
	Delete(keys ...string)
}
