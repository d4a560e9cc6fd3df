package cacheinfra

import (
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/viccon/sturdyc"
)

// Config holds the configuration for the sturdyc backed entry storage.
type Config struct {
	// Capacity defines the maximum number of entries the bounded storage keeps.
	// Pinned entries are held outside of this bound.
	// Must be greater than 0.
	Capacity int

	// NumShards determines the number of cache shards for concurrent access.
	// Must be greater than 0. Default: 256
	NumShards int

	// TTL is how long an unreferenced entry is retained before sturdyc drops it.
	// This is a retention bound, staleness is tracked per entry by the caller.
	// Must be greater than 0.
	TTL time.Duration

	// EvictionPercentage specifies what percentage of entries to evict
	// when a shard reaches its capacity. Must be between 1-100.
	EvictionPercentage int

	// EvictionInterval sets how often expired entries are swept.
	// Zero value uses the sturdyc default.
	EvictionInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults for most use cases.
func DefaultConfig() Config {
	return Config{
		Capacity:           10000,
		NumShards:          256,
		TTL:                30 * time.Minute,
		EvictionPercentage: 10,
		EvictionInterval:   0, // Use default
	}
}

// ToSturdycOptions converts the Config to sturdyc.Option slice.
// Capacity, NumShards, TTL, and EvictionPercentage are passed directly
// to sturdyc.New() and are not included in the options.
func (c Config) ToSturdycOptions() []sturdyc.Option {
	var options []sturdyc.Option

	if c.EvictionInterval > 0 {
		options = append(options, sturdyc.WithEvictionInterval(c.EvictionInterval))
	}

	return options
}

// Validate checks if the configuration values are valid.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return &ConfigError{Field: "Capacity", Message: "must be greater than 0"}
	}

	if c.NumShards <= 0 {
		return &ConfigError{Field: "NumShards", Message: "must be greater than 0"}
	}

	if c.TTL <= 0 {
		return &ConfigError{Field: "TTL", Message: "must be greater than 0"}
	}

	if c.EvictionPercentage < 1 || c.EvictionPercentage > 100 {
		return &ConfigError{Field: "EvictionPercentage", Message: "must be between 1 and 100"}
	}

	if c.EvictionInterval < 0 {
		return &ConfigError{Field: "EvictionInterval", Message: "must be non-negative"}
	}

	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "config error in field " + e.Field + ": " + e.Message
}

type pinnedValue[V any] struct {
	value V
	ok    bool
}

// Backend stores values in a bounded sturdyc client. Keys that are pinned
// are mirrored into a side map that eviction never touches.
//
// Individual calls are safe for concurrent use, but a Pin racing a Save for
// the same key may leave the pinned copy one write behind; callers that need
// a consistent view serialize access themselves.
type Backend[V any] struct {
	client *sturdyc.Client[V]
	pinned *xsync.MapOf[string, pinnedValue[V]]
}

// NewBackend creates a new bounded storage backend.
// It validates the configuration and initializes a sturdyc client with the provided settings.
func NewBackend[V any](cfg Config) (*Backend[V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := sturdyc.New[V](
		cfg.Capacity,
		cfg.NumShards,
		cfg.TTL,
		cfg.EvictionPercentage,
		cfg.ToSturdycOptions()...,
	)

	return &Backend[V]{
		client: client,
		pinned: xsync.NewMapOf[string, pinnedValue[V]](),
	}, nil
}

// Load returns the value stored under key, preferring the pinned copy.
func (b *Backend[V]) Load(key string) (V, bool) {
	if p, found := b.pinned.Load(key); found && p.ok {
		return p.value, true
	}
	return b.client.Get(key)
}

// Save writes value under key. Pinned keys are updated in both places so
// that unpinning hands the latest value back to the bounded store.
func (b *Backend[V]) Save(key string, value V) {
	if _, found := b.pinned.Load(key); found {
		b.pinned.Store(key, pinnedValue[V]{value: value, ok: true})
	}
	b.client.Set(key, value)
}

// Delete removes key from storage. A pinned key stays pinned with no value.
func (b *Backend[V]) Delete(key string) {
	if _, found := b.pinned.Load(key); found {
		b.pinned.Store(key, pinnedValue[V]{})
	}
	b.client.Delete(key)
}

// Pin protects key from eviction until Unpin is called.
func (b *Backend[V]) Pin(key string) {
	value, ok := b.client.Get(key)
	b.pinned.Store(key, pinnedValue[V]{value: value, ok: ok})
}

// Unpin releases key back to the bounded store.
func (b *Backend[V]) Unpin(key string) {
	p, found := b.pinned.LoadAndDelete(key)
	if found && p.ok {
		b.client.Set(key, p.value)
	}
}

// IsPinned reports whether key is currently pinned.
func (b *Backend[V]) IsPinned(key string) bool {
	_, found := b.pinned.Load(key)
	return found
}

// Keys returns every key that currently holds a value, sorted.
func (b *Backend[V]) Keys() []string {
	seen := make(map[string]struct{})
	for _, key := range b.client.ScanKeys() {
		seen[key] = struct{}{}
	}
	b.pinned.Range(func(key string, p pinnedValue[V]) bool {
		if p.ok {
			seen[key] = struct{}{}
		}
		return true
	})

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of keys holding a value.
func (b *Backend[V]) Len() int {
	return len(b.Keys())
}
