package di

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/tailscale/hujson"

	"github.com/goliatone/go-resource-sync/cache"
	"github.com/goliatone/go-resource-sync/filter"
	"github.com/goliatone/go-resource-sync/query"
	"github.com/goliatone/go-resource-sync/transport"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "RESOURCE_SYNC_"

var errConfigInvalid = errors.New("invalid config")

// Config aggregates the settings of every component the Container builds.
type Config struct {
	Cache     cache.Config      `envPrefix:"CACHE_"`
	Retry     query.RetryConfig `envPrefix:"RETRY_"`
	Transport transport.Config  `envPrefix:"API_"`
	LogLevel  string            `env:"LOG_LEVEL"`
	// Parallelism bounds concurrent page loads during prefetch.
	Parallelism int `env:"PARALLELISM"`
	// NoFilter is the dimension value treated as no filter in keys and
	// requests. Empty disables the sentinel.
	NoFilter string `env:"NO_FILTER"`
}

// DefaultConfig returns defaults for every component. Transport has no base
// URL, so remote resources are unavailable until one is set.
func DefaultConfig() Config {
	return Config{
		Cache:       cache.DefaultConfig(),
		Retry:       query.DefaultRetryConfig(),
		Transport:   transport.DefaultConfig(),
		LogLevel:    zerolog.LevelInfoValue,
		Parallelism: 3,
		NoFilter:    filter.NoFilterLiteral,
	}
}

// Validate checks every section. The transport section is checked only when
// a base URL is set.
func (c Config) Validate() error {
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if c.Transport.BaseURL != "" {
		if err := c.Transport.Validate(); err != nil {
			return fmt.Errorf("api: %w", err)
		}
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if c.Parallelism < 1 {
		return fmt.Errorf("parallelism: must be positive")
	}
	return nil
}

// LoadConfig starts from DefaultConfig, applies the JSONC file at path when
// path is not empty, then applies RESOURCE_SYNC_ environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path is supplied by the operator
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := applyFile(&cfg, data); err != nil {
			return Config{}, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %w", errConfigInvalid, err)
	}
	return cfg, nil
}

// fileConfig is the on-disk shape. Durations are strings such as "30s";
// absent fields keep their defaults.
type fileConfig struct {
	Cache struct {
		Capacity           *int   `json:"capacity"`
		NumShards          *int   `json:"num_shards"`
		TTL                string `json:"ttl"`
		EvictionPercentage *int   `json:"eviction_percentage"`
		EvictionInterval   string `json:"eviction_interval"`
		StaleAfter         string `json:"stale_after"`
	} `json:"cache"`
	Retry struct {
		MaxRetries *int   `json:"max_retries"`
		BaseDelay  string `json:"base_delay"`
		MaxDelay   string `json:"max_delay"`
	} `json:"retry"`
	API struct {
		BaseURL   string `json:"base_url"`
		Timeout   string `json:"timeout"`
		PageParam string `json:"page_param"`
	} `json:"api"`
	LogLevel    string  `json:"log_level"`
	Parallelism *int    `json:"parallelism"`
	NoFilter    *string `json:"no_filter"`
}

func applyFile(cfg *Config, data []byte) error {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fmt.Errorf("invalid JSONC: %w", err)
	}

	var fc fileConfig
	if err := json.Unmarshal(standardized, &fc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	setInt(&cfg.Cache.Capacity, fc.Cache.Capacity)
	setInt(&cfg.Cache.NumShards, fc.Cache.NumShards)
	setInt(&cfg.Cache.EvictionPercentage, fc.Cache.EvictionPercentage)
	setInt(&cfg.Retry.MaxRetries, fc.Retry.MaxRetries)
	setInt(&cfg.Parallelism, fc.Parallelism)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"cache.ttl", fc.Cache.TTL, &cfg.Cache.TTL},
		{"cache.eviction_interval", fc.Cache.EvictionInterval, &cfg.Cache.EvictionInterval},
		{"cache.stale_after", fc.Cache.StaleAfter, &cfg.Cache.StaleAfter},
		{"retry.base_delay", fc.Retry.BaseDelay, &cfg.Retry.BaseDelay},
		{"retry.max_delay", fc.Retry.MaxDelay, &cfg.Retry.MaxDelay},
		{"api.timeout", fc.API.Timeout, &cfg.Transport.Timeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	if fc.API.BaseURL != "" {
		cfg.Transport.BaseURL = fc.API.BaseURL
	}
	if fc.API.PageParam != "" {
		cfg.Transport.PageParam = fc.API.PageParam
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.NoFilter != nil {
		cfg.NoFilter = *fc.NoFilter
	}
	return nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
