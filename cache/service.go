package cache

import (
	"context"
	"time"
)

// KeyCodec builds canonical cache keys from a resource name and params.
// It is responsible for producing identical keys for logically identical requests.
type KeyCodec interface {
	Encode(resource string, params Params) Key
	// Normalize drops unset and no-filter entries, leaving exactly the params
	// that take part in the key and the outgoing request.
	Normalize(params Params) Params
}

// FetchFn is the function signature used to fetch from the source of truth.
type FetchFn[T any] func(ctx context.Context) (T, error)

// Listener receives the new state of an entry after every write.
type Listener func(Entry)

// EntryStore holds one Entry per key and notifies subscribers on writes.
type EntryStore interface {
	Get(key Key) (Entry, bool)
	Set(key Key, entry Entry)
	Has(key Key) bool
	// Update runs fn with the current entry and writes the result when fn
	// returns true. The read and write happen atomically.
	Update(key Key, fn func(current Entry, exists bool) (Entry, bool)) (Entry, bool)
	// Invalidate marks every entry whose key matches as stale without
	// dropping its data, and returns how many entries were marked.
	Invalidate(match func(Key) bool) int
	Delete(key Key)
	Keys() []Key
	Subscribe(key Key, fn Listener) (unsubscribe func())
	SubscriberCount(key Key) int
	Now() time.Time
}
