package query

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-resource-sync/cache"
)

// State is the typed view of a cache entry.
type State[T any] struct {
	Status    cache.Status
	Data      T
	HasData   bool
	Err       *cache.ErrorInfo
	Stale     bool
	FetchedAt time.Time
}

// IsLoading reports whether a fetch is running.
func (s State[T]) IsLoading() bool {
	return s.Status == cache.StatusFetching
}

func stateOf[T any](e cache.Entry, now time.Time) State[T] {
	data, ok := cache.Typed[T](e)
	return State[T]{
		Status:    e.Status,
		Data:      data,
		HasData:   ok,
		Err:       e.Err,
		Stale:     e.IsStale(now),
		FetchedAt: e.FetchedAt,
	}
}

// Resource binds one key and fetch function for a view. It is the handle a
// screen holds for a single, non-paged read.
type Resource[T any] struct {
	fetcher *Fetcher
	key     cache.Key
	fn      cache.FetchFn[T]

	mu     sync.Mutex
	unsubs []func()
	closed bool
	// calls of this resource blocked in the fetcher
	waiting atomic.Int32
}

// NewResource creates a Resource for key.
func NewResource[T any](f *Fetcher, key cache.Key, fn cache.FetchFn[T]) *Resource[T] {
	return &Resource[T]{fetcher: f, key: key, fn: fn}
}

// Key returns the resource key.
func (r *Resource[T]) Key() cache.Key {
	return r.key
}

// Load returns fresh cached data or fetches it.
func (r *Resource[T]) Load(ctx context.Context) (T, error) {
	r.waiting.Add(1)
	defer r.waiting.Add(-1)
	return GetOrFetch(ctx, r.fetcher, r.key, r.fn)
}

// Refetch fetches regardless of freshness. Existing data stays readable
// while the fetch runs.
func (r *Resource[T]) Refetch(ctx context.Context) (T, error) {
	r.waiting.Add(1)
	defer r.waiting.Add(-1)
	return Run(ctx, r.fetcher, r.key, r.fn)
}

// State returns the current state of the resource.
func (r *Resource[T]) State() State[T] {
	store := r.fetcher.Store()
	entry, ok := store.Get(r.key)
	if !ok {
		entry = cache.Entry{Key: r.key}
	}
	return stateOf[T](entry, store.Now())
}

// Subscribe calls fn with the new state after every write to the key.
// Subscribing keeps the entry pinned in the store. A closed resource does
// not subscribe and returns a no-op.
func (r *Resource[T]) Subscribe(fn func(State[T])) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return func() {}
	}

	store := r.fetcher.Store()
	unsub := store.Subscribe(r.key, func(e cache.Entry) {
		fn(stateOf[T](e, store.Now()))
	})
	r.unsubs = append(r.unsubs, unsub)
	return unsub
}

// Close drops the resource's subscriptions. When no other view is
// subscribed to the key and no other caller is waiting on it, an in-flight
// fetch is canceled so a late response cannot overwrite newer state.
func (r *Resource[T]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	if r.fetcher.Store().SubscriberCount(r.key) > 0 {
		return
	}
	if others := r.fetcher.Waiters(r.key) - int(r.waiting.Load()); others > 0 {
		return
	}
	r.fetcher.Cancel(r.key)
}
