package query

import (
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/goliatone/go-resource-sync/cache"
)

const tracerName = "github.com/goliatone/go-resource-sync/query"

type options struct {
	logger      zerolog.Logger
	tracer      trace.Tracer
	policy      RetryPolicy
	retry       RetryConfig
	staleAfter  time.Duration
	parallelism int
}

func defaultOptions() options {
	retry := DefaultRetryConfig()
	return options{
		logger:      zerolog.Nop(),
		tracer:      otel.Tracer(tracerName),
		policy:      retry.Policy(),
		retry:       retry,
		staleAfter:  cache.DefaultStaleAfter,
		parallelism: 3,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures a Fetcher, Pager or Mutation.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTracer sets the tracer used for fetch and mutation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// WithRetryConfig sets retry delays and installs the DefaultRetryPolicy for
// cfg.MaxRetries.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(o *options) {
		o.retry = cfg
		o.policy = cfg.Policy()
	}
}

// WithRetryPolicy replaces the retry policy, keeping the configured delays.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(o *options) {
		o.policy = policy
	}
}

// WithStaleAfter sets how long successful fetches stay fresh.
func WithStaleAfter(d time.Duration) Option {
	return func(o *options) {
		o.staleAfter = d
	}
}

// WithParallelism bounds concurrent page loads in Pager.Prefetch.
func WithParallelism(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.parallelism = n
		}
	}
}
