package query

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/goliatone/go-resource-sync/cache"
)

// RetryPolicy decides whether a failed attempt is tried again.
// attempt is the 1-based number of the attempt that just failed.
type RetryPolicy interface {
	ShouldRetry(attempt int, err *cache.ErrorInfo) bool
}

// RetryConfig controls automatic retries of reads.
type RetryConfig struct {
	MaxRetries int           `env:"MAX_RETRIES"`
	BaseDelay  time.Duration `env:"BASE_DELAY"`
	MaxDelay   time.Duration `env:"MAX_DELAY"`
}

// DefaultRetryConfig returns two retries with exponential delays.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  250 * time.Millisecond,
		MaxDelay:   5 * time.Second,
	}
}

// Validate checks whether the configuration values are valid.
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return &ConfigError{Field: "MaxRetries", Message: "must be non-negative"}
	}
	if c.BaseDelay < 0 {
		return &ConfigError{Field: "BaseDelay", Message: "must be non-negative"}
	}
	if c.MaxDelay < 0 {
		return &ConfigError{Field: "MaxDelay", Message: "must be non-negative"}
	}
	return nil
}

// Policy returns the DefaultRetryPolicy for c.
func (c RetryConfig) Policy() RetryPolicy {
	return DefaultRetryPolicy{MaxRetries: c.MaxRetries}
}

func (c RetryConfig) newBackOff() backoff.BackOff {
	if c.BaseDelay <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseDelay
	if c.MaxDelay > 0 {
		b.MaxInterval = c.MaxDelay
	}
	return b
}

// DefaultRetryPolicy retries Network and ServerError failures up to
// MaxRetries times. Unauthorized, Forbidden and NotFound can not succeed on a
// second try and are never retried.
type DefaultRetryPolicy struct {
	MaxRetries int
}

// ShouldRetry implements RetryPolicy.
func (p DefaultRetryPolicy) ShouldRetry(attempt int, err *cache.ErrorInfo) bool {
	if err == nil || attempt > p.MaxRetries {
		return false
	}
	switch err.Kind {
	case cache.KindNetwork, cache.KindServerError:
		return true
	default:
		return false
	}
}

type noRetry struct{}

func (noRetry) ShouldRetry(int, *cache.ErrorInfo) bool { return false }

// NoRetry never retries. Writes use it since they are not idempotent.
var NoRetry RetryPolicy = noRetry{}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "config error in field " + e.Field + ": " + e.Message
}
