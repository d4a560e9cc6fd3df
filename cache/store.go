package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/goliatone/go-resource-sync/internal/cacheinfra"
)

var _ EntryStore = (*Store)(nil)

type subscription struct {
	id     uuid.UUID
	fn     Listener
	active atomic.Bool

	// delivery state; seq orders writes to the key
	mu         sync.Mutex
	delivering bool
	pending    *Entry
	pendingSeq uint64
	lastSeq    uint64
}

// deliver hands entry to the listener unless a later write already reached
// it. Writes arriving while the listener runs are coalesced, and only the
// newest is delivered next, so the last call always carries the latest
// entry. The listener never runs concurrently with itself.
func (sub *subscription) deliver(seq uint64, entry Entry) {
	sub.mu.Lock()
	if seq <= sub.lastSeq || seq <= sub.pendingSeq {
		sub.mu.Unlock()
		return
	}
	sub.pending, sub.pendingSeq = &entry, seq
	if sub.delivering {
		sub.mu.Unlock()
		return
	}

	sub.delivering = true
	for sub.pending != nil {
		next := *sub.pending
		sub.pending = nil
		sub.lastSeq = sub.pendingSeq
		sub.mu.Unlock()

		if sub.active.Load() {
			sub.fn(next)
		}

		sub.mu.Lock()
	}
	sub.delivering = false
	sub.mu.Unlock()
}

type notification struct {
	subs  []*subscription
	seq   uint64
	entry Entry
}

// Store is the default EntryStore. Entries live in a bounded backend; keys
// with at least one subscriber are pinned so eviction never drops them.
type Store struct {
	mu      sync.Mutex
	backend *cacheinfra.Backend[Entry]
	// seq increases with every write
	seq uint64
	// subscriber slices are replaced, never mutated in place, so a
	// notification can iterate a snapshot while listeners unsubscribe.
	subs   map[Key][]*subscription
	clock  clockwork.Clock
	logger zerolog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock sets the clock used for timestamps and staleness checks.
func WithClock(clock clockwork.Clock) StoreOption {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates an isolated Store.
func NewStore(cfg Config, opts ...StoreOption) (*Store, error) {
	backend, err := cacheinfra.NewBackend[Entry](cfg.toInternal())
	if err != nil {
		return nil, err
	}

	s := &Store{
		backend: backend,
		subs:    make(map[Key][]*subscription),
		clock:   clockwork.NewRealClock(),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Now returns the store clock time.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

// Get returns the entry stored under key.
func (s *Store) Get(key Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Load(string(key))
}

// Has reports whether key holds an entry.
func (s *Store) Has(key Key) bool {
	_, ok := s.Get(key)
	return ok
}

// Set writes entry under key and notifies the key's subscribers.
func (s *Store) Set(key Key, entry Entry) {
	entry.Key = key

	s.mu.Lock()
	s.backend.Save(string(key), entry)
	s.seq++
	n := notification{subs: s.subs[key], seq: s.seq, entry: entry}
	s.mu.Unlock()

	notify(n)
}

// Update implements EntryStore.Update.
func (s *Store) Update(key Key, fn func(current Entry, exists bool) (Entry, bool)) (Entry, bool) {
	s.mu.Lock()
	current, exists := s.backend.Load(string(key))
	if !exists {
		current = Entry{Key: key}
	}

	next, write := fn(current, exists)
	if !write {
		s.mu.Unlock()
		return current, false
	}

	next.Key = key
	s.backend.Save(string(key), next)
	s.seq++
	n := notification{subs: s.subs[key], seq: s.seq, entry: next}
	s.mu.Unlock()

	notify(n)
	return next, true
}

// Invalidate implements EntryStore.Invalidate. Matching entries keep their
// data and become immediately stale.
func (s *Store) Invalidate(match func(Key) bool) int {
	var pending []notification

	s.mu.Lock()
	for _, k := range s.backend.Keys() {
		key := Key(k)
		if !match(key) {
			continue
		}
		entry, ok := s.backend.Load(k)
		if !ok {
			continue
		}
		entry.StaleAfter = 0
		entry.Invalidations++
		s.backend.Save(k, entry)
		s.seq++
		pending = append(pending, notification{subs: s.subs[key], seq: s.seq, entry: entry})
	}
	s.mu.Unlock()

	for _, n := range pending {
		notify(n)
	}

	s.logger.Debug().Int("count", len(pending)).Msg("invalidated cache entries")
	return len(pending)
}

// Delete removes the entry stored under key.
func (s *Store) Delete(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend.Delete(string(key))
}

// Keys returns every key holding an entry.
func (s *Store) Keys() []Key {
	s.mu.Lock()
	raw := s.backend.Keys()
	s.mu.Unlock()

	keys := make([]Key, len(raw))
	for i, k := range raw {
		keys[i] = Key(k)
	}
	return keys
}

// Subscribe registers fn for writes to key. Deliveries follow write order
// and the last one carries the latest entry; writes made while fn runs are
// coalesced. The returned function removes the subscription and is safe to
// call more than once, including from inside fn.
func (s *Store) Subscribe(key Key, fn Listener) func() {
	sub := &subscription{id: uuid.New(), fn: fn}
	sub.active.Store(true)

	s.mu.Lock()
	current := s.subs[key]
	if len(current) == 0 {
		s.backend.Pin(string(key))
	}
	next := make([]*subscription, len(current), len(current)+1)
	copy(next, current)
	s.subs[key] = append(next, sub)
	s.mu.Unlock()

	s.logger.Debug().
		Str("key", string(key)).
		Str("subscription", sub.id.String()).
		Msg("subscribed")

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			s.unsubscribe(key, sub)
		})
	}
}

// SubscriberCount returns the number of live subscriptions for key.
func (s *Store) SubscriberCount(key Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[key])
}

func (s *Store) unsubscribe(key Key, sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.subs[key]
	next := make([]*subscription, 0, len(current))
	for _, candidate := range current {
		if candidate != sub {
			next = append(next, candidate)
		}
	}

	if len(next) == 0 {
		delete(s.subs, key)
		s.backend.Unpin(string(key))
		return
	}
	s.subs[key] = next
}

func notify(n notification) {
	for _, sub := range n.subs {
		if sub.active.Load() {
			sub.deliver(n.seq, n.entry)
		}
	}
}
