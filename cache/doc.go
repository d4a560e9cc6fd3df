// Package cache provides cache keys, cache entries and the entry store that
// the query package builds request coordination on.
//
// # Overview
//
// This package exports:
//
//   - KeyCodec: builds canonical keys from a resource name and a Params object
//   - EntryStore: holds one Entry per key, with subscriptions and invalidation
//   - ErrorInfo: the error taxonomy stored on entries and returned to callers
//
// # Key Encoding
//
// Keys are the resource name followed by the sorted, query-escaped params:
//
//	codec := cache.NewKeyCodec(cache.WithSentinel("category", "all"))
//	key := codec.Encode("events", cache.Params{"page": 1, "category": "all"})
//	// key == "events::page=1"
//
// Param order never matters. Nil values, nil pointers, cache.NoFilter and
// declared sentinels are dropped, so "category: all" and a missing category
// land on the same entry. Composite values are serialized recursively with
// sorted map keys; values implementing encoding.TextMarshaler use their text.
//
// # Entries and Staleness
//
// An Entry keeps its data through refetches and errors. Invalidate marks
// entries stale by zeroing StaleAfter instead of deleting them, so a mounted
// list keeps rendering while the refetch runs.
//
// # Store
//
// NewStore builds an isolated store; there is no package level instance.
// Entries live in a bounded sturdyc backend. Subscribing to a key pins it,
// so size based eviction never removes data a view is showing.
//
//	store, err := cache.NewStore(cache.DefaultConfig())
//	unsubscribe := store.Subscribe(key, func(e cache.Entry) { render(e) })
//	defer unsubscribe()
//
// Listeners run synchronously after the write, outside the store lock. A
// listener may unsubscribe itself or others while being notified.
package cache
