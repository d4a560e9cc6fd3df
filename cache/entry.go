package cache

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a cache entry.
type Status int

const (
	StatusIdle Status = iota
	StatusFetching
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusFetching:
		return "fetching"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Entry is the cached state of one key.
//
// Status=Success implies HasData and a nil Err. Status=Error implies a
// non-nil Err; Data then holds the last known-good value if there was one.
type Entry struct {
	Key    Key
	Status Status
	Data   any
	// HasData distinguishes a stored nil value from no value at all.
	HasData    bool
	Err        *ErrorInfo
	FetchedAt  time.Time
	StaleAfter time.Duration
	// Generation increases whenever a fetch starts or is canceled. A fetch
	// only writes its result if the generation it started with is current.
	Generation uint64
	// Invalidations counts invalidations. A fetch that overlaps one stores
	// its data as already stale.
	Invalidations uint64
}

// IsStale reports whether the entry must be refetched at now.
func (e Entry) IsStale(now time.Time) bool {
	if !e.HasData || e.FetchedAt.IsZero() || e.StaleAfter <= 0 {
		return true
	}
	return !now.Before(e.FetchedAt.Add(e.StaleAfter))
}

// IsFresh reports whether the entry can be served without a fetch.
func (e Entry) IsFresh(now time.Time) bool {
	return e.Status == StatusSuccess && !e.IsStale(now)
}

// Typed returns the entry data as T. The boolean is false when the entry has
// no data or holds a different type.
func Typed[T any](e Entry) (T, bool) {
	var zero T
	if !e.HasData {
		return zero, false
	}
	if e.Data == nil {
		return zero, true
	}
	v, ok := e.Data.(T)
	return v, ok
}
