package cache

import (
	"time"

	"github.com/goliatone/go-resource-sync/internal/cacheinfra"
)

// Config exposes cache configuration options for consumers of the cache package.
type Config struct {
	Capacity           int           `env:"CAPACITY"`
	NumShards          int           `env:"NUM_SHARDS"`
	TTL                time.Duration `env:"TTL"`
	EvictionPercentage int           `env:"EVICTION_PERCENTAGE"`
	EvictionInterval   time.Duration `env:"EVICTION_INTERVAL"`
	// StaleAfter is how long a successful fetch is served without refetching.
	StaleAfter time.Duration `env:"STALE_AFTER"`
}

// DefaultStaleAfter is the freshness window used by DefaultConfig.
const DefaultStaleAfter = 30 * time.Second

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	cfg := convertFromInternal(cacheinfra.DefaultConfig())
	cfg.StaleAfter = DefaultStaleAfter
	return cfg
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	if err := c.toInternal().Validate(); err != nil {
		return err
	}
	if c.StaleAfter < 0 {
		return &cacheinfra.ConfigError{Field: "StaleAfter", Message: "must be non-negative"}
	}
	return nil
}

func (c Config) toInternal() cacheinfra.Config {
	return cacheinfra.Config{
		Capacity:           c.Capacity,
		NumShards:          c.NumShards,
		TTL:                c.TTL,
		EvictionPercentage: c.EvictionPercentage,
		EvictionInterval:   c.EvictionInterval,
	}
}

func convertFromInternal(cfg cacheinfra.Config) Config {
	return Config{
		Capacity:           cfg.Capacity,
		NumShards:          cfg.NumShards,
		TTL:                cfg.TTL,
		EvictionPercentage: cfg.EvictionPercentage,
		EvictionInterval:   cfg.EvictionInterval,
	}
}
