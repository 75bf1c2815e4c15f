// Package cache provides a generic, thread-safe LRU cache.
//
// The runtime uses it to keep compiled artifacts keyed by their source text:
// regular expressions in the expression evaluator and JSON Schemas for object
// config fields.
package cache

import (
	"github.com/c360/tripscope/errors"
)

// Cache is a bounded key/value cache.
type Cache[V any] interface {
	// Get returns the value and marks it recently used.
	Get(key string) (V, bool)

	// Set stores value. Returns true if a new entry was created.
	Set(key string, value V) (bool, error)

	// Delete removes key. Returns true if it existed.
	Delete(key string) bool

	// GetOrCreate returns the cached value or stores the result of create.
	// Errors from create are returned and nothing is cached.
	GetOrCreate(key string, create func() (V, error)) (V, error)

	Clear()
	Size() int
	Keys() []string
	Stats() *Statistics
}

// EvictCallback is called when an entry is evicted to make room.
type EvictCallback[V any] func(key string, value V)

// Option configures a cache.
type Option[V any] func(*lruCache[V])

// WithEvictionCallback sets the eviction callback.
func WithEvictionCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(c *lruCache[V]) {
		c.evictFn = fn
	}
}

// NewLRU creates an LRU cache holding at most maxSize entries.
func NewLRU[V any](maxSize int, opts ...Option[V]) (Cache[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewLRU", "maxSize must be positive")
	}
	c := newLRUCache[V](maxSize)
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
