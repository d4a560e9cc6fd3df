package query

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/goliatone/go-resource-sync/cache"
)

var (
	// ErrInvalidResultType is returned when a cached value does not have the requested type.
	ErrInvalidResultType = errors.New("query: cached value has unexpected type")
	ErrEmptyKey          = errors.New("query: empty cache key")
	ErrNilFetchFn        = errors.New("query: nil fetch function")
	// ErrSuperseded is returned to callers whose response arrived after the
	// fetch was canceled; the response is not written to the cache.
	ErrSuperseded = &cache.ErrorInfo{Kind: cache.KindCanceled, Message: "response superseded"}
)

type inflight struct {
	generation uint64
	cancel     context.CancelFunc
}

// Fetcher drives requests through Idle, Fetching, Success and Error,
// sharing a single in-flight call between concurrent callers of a key.
type Fetcher struct {
	store cache.EntryStore
	group singleflight.Group
	opts  options

	mu      sync.Mutex
	running map[cache.Key]inflight
	waiters map[cache.Key]int
}

// NewFetcher creates a Fetcher writing into store.
func NewFetcher(store cache.EntryStore, opts ...Option) *Fetcher {
	return &Fetcher{
		store:   store,
		opts:    applyOptions(opts),
		running: make(map[cache.Key]inflight),
		waiters: make(map[cache.Key]int),
	}
}

// Store returns the entry store the fetcher writes to.
func (f *Fetcher) Store() cache.EntryStore {
	return f.store
}

// Run fetches key with fn, joining an in-flight fetch for the same key when
// there is one. The shared call is not tied to ctx; a caller whose ctx ends
// stops waiting and the fetch completes for the others.
func (f *Fetcher) Run(ctx context.Context, key cache.Key, fn cache.FetchFn[any]) (any, error) {
	if key == "" {
		return nil, cache.ValidationError(ErrEmptyKey)
	}
	if fn == nil {
		return nil, cache.ValidationError(ErrNilFetchFn)
	}

	f.addWaiter(key, 1)
	defer f.addWaiter(key, -1)

	detached := context.WithoutCancel(ctx)
	ch := f.group.DoChan(string(key), func() (any, error) {
		return f.fetch(detached, key, fn)
	})

	select {
	case res := <-ch:
		if res.Shared {
			f.opts.logger.Debug().Str("key", string(key)).Msg("joined in-flight fetch")
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, cache.Classify(ctx.Err())
	}
}

// Waiters returns the number of callers currently blocked in Run for key.
func (f *Fetcher) Waiters(key cache.Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waiters[key]
}

func (f *Fetcher) addWaiter(key cache.Key, delta int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.waiters[key] + delta; n > 0 {
		f.waiters[key] = n
	} else {
		delete(f.waiters, key)
	}
}

// GetOrFetch returns the cached data for key when it is fresh and runs fn otherwise.
func (f *Fetcher) GetOrFetch(ctx context.Context, key cache.Key, fn cache.FetchFn[any]) (any, error) {
	if entry, ok := f.store.Get(key); ok && entry.IsFresh(f.store.Now()) {
		return entry.Data, nil
	}
	return f.Run(ctx, key, fn)
}

// Cancel abandons the in-flight fetch for key. Its response, if it still
// arrives, is discarded and the entry returns to its last settled status.
func (f *Fetcher) Cancel(key cache.Key) {
	f.group.Forget(string(key))

	f.store.Update(key, func(cur cache.Entry, exists bool) (cache.Entry, bool) {
		if !exists || cur.Status != cache.StatusFetching {
			return cur, false
		}
		cur.Generation++
		cur.Status = settledStatus(cur)
		return cur, true
	})

	f.mu.Lock()
	run, ok := f.running[key]
	delete(f.running, key)
	f.mu.Unlock()
	if ok {
		run.cancel()
	}

	f.opts.logger.Debug().Str("key", string(key)).Msg("fetch canceled")
}

func settledStatus(e cache.Entry) cache.Status {
	switch {
	case e.Err != nil:
		return cache.StatusError
	case e.HasData:
		return cache.StatusSuccess
	default:
		return cache.StatusIdle
	}
}

func (f *Fetcher) fetch(ctx context.Context, key cache.Key, fn cache.FetchFn[any]) (any, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	started, _ := f.store.Update(key, func(cur cache.Entry, _ bool) (cache.Entry, bool) {
		cur.Status = cache.StatusFetching
		cur.Generation++
		return cur, true
	})
	gen := started.Generation
	invalidations := started.Invalidations
	f.track(key, gen, cancel)
	defer f.untrack(key, gen)

	logger := f.opts.logger.With().
		Str("key", string(key)).
		Str("key_hash", strconv.FormatUint(key.Hash(), 16)).
		Logger()

	ctx, span := f.opts.tracer.Start(ctx, "query.fetch", trace.WithAttributes(
		attribute.String("cache.key", string(key)),
		attribute.String("cache.resource", key.Resource()),
	))
	defer span.End()

	attempt := 0
	value, err := backoff.Retry(ctx, func() (any, error) {
		attempt++
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		info := cache.Classify(err)
		if !f.opts.policy.ShouldRetry(attempt, info) {
			return nil, backoff.Permanent(info)
		}
		logger.Warn().Err(info).Int("attempt", attempt).Str("kind", info.Kind.String()).Msg("fetch failed, retrying")
		return nil, info
	}, backoff.WithBackOff(f.opts.retry.newBackOff()))
	span.SetAttributes(attribute.Int("fetch.attempts", attempt))

	if err != nil {
		info := cache.Classify(err)
		span.RecordError(info)
		span.SetStatus(codes.Error, info.Error())
		logger.Error().Err(info).Int("attempt", attempt).Str("kind", info.Kind.String()).Msg("fetch failed")

		if !f.commit(key, gen, func(e cache.Entry) cache.Entry {
			e.Status = cache.StatusError
			e.Err = info
			return e
		}) {
			return nil, ErrSuperseded
		}
		return nil, info
	}

	now := f.store.Now()
	if !f.commit(key, gen, func(e cache.Entry) cache.Entry {
		e.Status = cache.StatusSuccess
		e.Data = value
		e.HasData = true
		e.Err = nil
		e.FetchedAt = now
		e.StaleAfter = f.opts.staleAfter
		// an invalidation that overlapped the fetch may postdate the data
		if e.Invalidations != invalidations {
			e.StaleAfter = 0
		}
		return e
	}) {
		logger.Debug().Msg("discarded superseded response")
		return nil, ErrSuperseded
	}

	logger.Debug().Int("attempt", attempt).Msg("fetch succeeded")
	return value, nil
}

// commit writes the outcome of the fetch started at gen, unless a newer
// fetch or a cancellation has taken over the entry.
func (f *Fetcher) commit(key cache.Key, gen uint64, apply func(cache.Entry) cache.Entry) bool {
	_, wrote := f.store.Update(key, func(cur cache.Entry, exists bool) (cache.Entry, bool) {
		if exists && cur.Generation != gen {
			return cur, false
		}
		cur.Generation = gen
		return apply(cur), true
	})
	return wrote
}

func (f *Fetcher) track(key cache.Key, gen uint64, cancel context.CancelFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[key] = inflight{generation: gen, cancel: cancel}
}

func (f *Fetcher) untrack(key cache.Key, gen uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run, ok := f.running[key]; ok && run.generation == gen {
		delete(f.running, key)
	}
}

// Run is a type-safe wrapper around Fetcher.Run.
func Run[T any](ctx context.Context, f *Fetcher, key cache.Key, fn cache.FetchFn[T]) (T, error) {
	return cast[T](f.Run(ctx, key, erase(fn)))
}

// GetOrFetch is a type-safe wrapper around Fetcher.GetOrFetch.
func GetOrFetch[T any](ctx context.Context, f *Fetcher, key cache.Key, fn cache.FetchFn[T]) (T, error) {
	return cast[T](f.GetOrFetch(ctx, key, erase(fn)))
}

func erase[T any](fn cache.FetchFn[T]) cache.FetchFn[any] {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context) (any, error) {
		return fn(ctx)
	}
}

func cast[T any](v any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %T, want %T", ErrInvalidResultType, v, zero)
	}
	return typed, nil
}
