package query

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goliatone/go-resource-sync/cache"
)

var (
	// ErrMutationInFlight is returned when Execute is called while a previous
	// call on the same Mutation has not returned.
	ErrMutationInFlight = errors.New("query: mutation already executing")
	ErrNilMutationFn    = errors.New("query: nil mutation function")
)

// InvalidationRule selects cache keys to mark stale after a successful write.
type InvalidationRule struct {
	// KeyPrefix matches keys that start with it. An empty prefix matches
	// every key.
	KeyPrefix string
}

// Matches reports whether key falls under the rule.
func (r InvalidationRule) Matches(key cache.Key) bool {
	return key.HasPrefix(r.KeyPrefix)
}

// RuleForResource matches every key of resource, with or without params
// and pages.
func RuleForResource(resource string) InvalidationRule {
	return InvalidationRule{KeyPrefix: resource}
}

// RuleFor matches every key of the resource derived from T.
func RuleFor[T any]() InvalidationRule {
	return RuleForResource(cache.ResourceOf[T]())
}

// MutationFn performs a write against the server.
type MutationFn[R any] func(ctx context.Context) (R, error)

// Mutation runs a write and invalidates the configured keys when it
// succeeds. A Mutation executes at most one call at a time.
type Mutation[R any] struct {
	store     cache.EntryStore
	fn        MutationFn[R]
	rules     []InvalidationRule
	opts      options
	executing atomic.Bool
}

// NewMutation creates a Mutation. Writes are never retried.
func NewMutation[R any](store cache.EntryStore, fn MutationFn[R], rules []InvalidationRule, opts ...Option) *Mutation[R] {
	return &Mutation[R]{
		store: store,
		fn:    fn,
		rules: rules,
		opts:  applyOptions(opts),
	}
}

// IsExecuting reports whether a call is running.
func (m *Mutation[R]) IsExecuting() bool {
	return m.executing.Load()
}

// Execute runs the write. On success every matching entry is marked stale
// before Execute returns; on failure the cache is left untouched and the
// write error is returned as is.
func (m *Mutation[R]) Execute(ctx context.Context) (R, error) {
	var zero R
	if m.fn == nil {
		return zero, cache.ValidationError(ErrNilMutationFn)
	}
	if !m.executing.CompareAndSwap(false, true) {
		return zero, ErrMutationInFlight
	}
	defer m.executing.Store(false)

	ctx, span := m.opts.tracer.Start(ctx, "query.mutation", trace.WithAttributes(
		attribute.String("mutation.rules", m.rulesString()),
	))
	defer span.End()

	result, err := m.fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.opts.logger.Error().Err(err).
			Str("kind", cache.KindOf(err).String()).
			Msg("mutation failed")
		return zero, err
	}

	count := m.store.Invalidate(func(key cache.Key) bool {
		for _, rule := range m.rules {
			if rule.Matches(key) {
				return true
			}
		}
		return false
	})
	span.SetAttributes(attribute.Int("mutation.invalidated", count))

	m.opts.logger.Debug().
		Str("rules", m.rulesString()).
		Int("invalidated", count).
		Msg("mutation succeeded")
	return result, nil
}

func (m *Mutation[R]) rulesString() string {
	prefixes := make([]string, len(m.rules))
	for i, rule := range m.rules {
		prefixes[i] = rule.KeyPrefix
	}
	return strings.Join(prefixes, ",")
}

// Execute runs fn once and invalidates rules on success.
func Execute[R any](ctx context.Context, store cache.EntryStore, fn MutationFn[R], rules ...InvalidationRule) (R, error) {
	return NewMutation(store, fn, rules).Execute(ctx)
}
