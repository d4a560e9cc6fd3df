package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/goliatone/go-resource-sync/cache"
)

func newTestStore(t *testing.T, opts ...cache.StoreOption) *cache.Store {
	t.Helper()
	cfg := cache.DefaultConfig()
	cfg.Capacity = 1000
	cfg.NumShards = 4
	store, err := cache.NewStore(cfg, opts...)
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	return store
}

// noDelay keeps retry tests fast.
var noDelay = WithRetryConfig(RetryConfig{MaxRetries: 2})

func TestFetcher_RunStoresSuccess(t *testing.T) {
	store := newTestStore(t)
	fetcher := NewFetcher(store)
	key := cache.Key("crews")

	got, err := Run(context.Background(), fetcher, key, func(ctx context.Context) ([]string, error) {
		return []string{"alpha", "bravo"}, nil
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 crews, got %v", got)
	}

	entry, ok := store.Get(key)
	if !ok {
		t.Fatal("expected entry after Run")
	}
	if entry.Status != cache.StatusSuccess || !entry.HasData || entry.Err != nil {
		t.Errorf("unexpected entry %+v", entry)
	}
	if entry.Generation != 1 {
		t.Errorf("expected generation 1, got %d", entry.Generation)
	}
}

func TestFetcher_RunValidatesInput(t *testing.T) {
	fetcher := NewFetcher(newTestStore(t))

	_, err := fetcher.Run(context.Background(), "", func(context.Context) (any, error) { return nil, nil })
	if cache.KindOf(err) != cache.KindValidation || !errors.Is(err, ErrEmptyKey) {
		t.Errorf("expected validation error for empty key, got %v", err)
	}

	_, err = fetcher.Run(context.Background(), "crews", nil)
	if cache.KindOf(err) != cache.KindValidation || !errors.Is(err, ErrNilFetchFn) {
		t.Errorf("expected validation error for nil fn, got %v", err)
	}
}

func TestFetcher_ConcurrentCallersShareOneRequest(t *testing.T) {
	store := newTestStore(t)
	fetcher := NewFetcher(store)
	key := cache.Key("crews")

	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})

	fn := func(ctx context.Context) (int, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return 42, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan int, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		v, err := GetOrFetch(context.Background(), fetcher, key, fn)
		if err != nil {
			t.Errorf("GetOrFetch() failed: %v", err)
		}
		results <- v
	}()
	<-started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := GetOrFetch(context.Background(), fetcher, key, fn)
			if err != nil {
				t.Errorf("GetOrFetch() failed: %v", err)
			}
			results <- v
		}()
	}

	close(release)
	wg.Wait()
	close(results)

	for v := range results {
		if v != 42 {
			t.Errorf("expected 42, got %d", v)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected exactly one request, got %d", got)
	}
}

func TestFetcher_RetryBoundary(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int32
		wantKind  cache.ErrorKind
	}{
		{"unauthorized is not retried", cache.FromStatus(401, ""), 1, cache.KindUnauthorized},
		{"forbidden is not retried", cache.FromStatus(403, ""), 1, cache.KindForbidden},
		{"not found is not retried", cache.FromStatus(404, ""), 1, cache.KindNotFound},
		{"network is retried", cache.NewError(cache.KindNetwork, "connection reset"), 3, cache.KindNetwork},
		{"server error is retried", cache.FromStatus(502, ""), 3, cache.KindServerError},
		{"unknown is not retried", errors.New("boom"), 1, cache.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := NewFetcher(newTestStore(t), noDelay)

			var calls atomic.Int32
			_, err := Run(context.Background(), fetcher, "crews", func(ctx context.Context) (int, error) {
				calls.Add(1)
				return 0, tt.err
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := cache.KindOf(err); got != tt.wantKind {
				t.Errorf("expected kind %v, got %v", tt.wantKind, got)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, got)
			}
		})
	}
}

func TestFetcher_RetryRecovers(t *testing.T) {
	store := newTestStore(t)
	fetcher := NewFetcher(store, noDelay)

	var calls atomic.Int32
	got, err := Run(context.Background(), fetcher, "crews", func(ctx context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", cache.NewError(cache.KindNetwork, "timeout")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if got != "ok" || calls.Load() != 3 {
		t.Errorf("expected ok after 3 calls, got %q after %d", got, calls.Load())
	}
}

func TestFetcher_ErrorKeepsPreviousData(t *testing.T) {
	store := newTestStore(t)
	fetcher := NewFetcher(store, noDelay)
	key := cache.Key("crews")

	if _, err := Run(context.Background(), fetcher, key, func(context.Context) (string, error) {
		return "first", nil
	}); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	_, err := Run(context.Background(), fetcher, key, func(context.Context) (string, error) {
		return "", cache.FromStatus(401, "token expired")
	})
	if !errors.Is(err, cache.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	entry, _ := store.Get(key)
	if entry.Status != cache.StatusError {
		t.Errorf("expected error status, got %v", entry.Status)
	}
	if entry.Err == nil || entry.Err.Kind != cache.KindUnauthorized {
		t.Errorf("expected unauthorized error on entry, got %v", entry.Err)
	}
	if data, ok := cache.Typed[string](entry); !ok || data != "first" {
		t.Errorf("expected previous data to survive, got %q %v", data, ok)
	}

	// the next success clears the error
	if _, err := Run(context.Background(), fetcher, key, func(context.Context) (string, error) {
		return "second", nil
	}); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	entry, _ = store.Get(key)
	if entry.Err != nil || entry.Status != cache.StatusSuccess {
		t.Errorf("expected error cleared, got %+v", entry)
	}
}

func TestFetcher_CancelDiscardsLateResponse(t *testing.T) {
	store := newTestStore(t)
	fetcher := NewFetcher(store)
	key := cache.Key("events::page=1")

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, err := Run(context.Background(), fetcher, key, func(ctx context.Context) (string, error) {
			close(started)
			<-release
			return "late", nil
		})
		done <- err
	}()

	<-started
	fetcher.Cancel(key)

	entry, _ := store.Get(key)
	if entry.Status != cache.StatusIdle {
		t.Errorf("expected idle after cancel, got %v", entry.Status)
	}

	close(release)
	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Errorf("expected ErrSuperseded, got %v", err)
	}

	entry, _ = store.Get(key)
	if entry.HasData {
		t.Errorf("late response must not be written, got %+v", entry)
	}
}

func TestFetcher_CancelCancelsFetchContext(t *testing.T) {
	fetcher := NewFetcher(newTestStore(t))
	key := cache.Key("crews")

	started := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, err := Run(context.Background(), fetcher, key, func(ctx context.Context) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		})
		done <- err
	}()

	<-started
	fetcher.Cancel(key)

	select {
	case err := <-done:
		if !errors.Is(err, ErrSuperseded) {
			t.Errorf("expected ErrSuperseded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fetch context was not canceled")
	}
}

func TestFetcher_CallerCancelDoesNotAbortSharedFetch(t *testing.T) {
	store := newTestStore(t)
	fetcher := NewFetcher(store)
	key := cache.Key("crews")

	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(finished)
		_, err := Run(ctx, fetcher, key, func(ctx context.Context) (string, error) {
			close(started)
			<-release
			return "done", nil
		})
		if cache.KindOf(err) != cache.KindCanceled {
			t.Errorf("expected canceled for the caller, got %v", err)
		}
	}()

	<-started
	cancel()
	<-finished

	entry, _ := store.Get(key)
	if entry.Status != cache.StatusFetching {
		t.Fatalf("expected fetch to keep running, got %v", entry.Status)
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if entry, _ = store.Get(key); entry.Status == cache.StatusSuccess {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("expected shared fetch to complete, got %v", entry.Status)
}

func TestFetcher_GetOrFetchHonorsFreshness(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTestStore(t, cache.WithClock(clock))
	fetcher := NewFetcher(store, WithStaleAfter(time.Minute))
	key := cache.Key("crews")

	var calls atomic.Int32
	fn := func(context.Context) (int32, error) {
		return calls.Add(1), nil
	}

	for i := 0; i < 3; i++ {
		if _, err := GetOrFetch(context.Background(), fetcher, key, fn); err != nil {
			t.Fatalf("GetOrFetch() failed: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected fresh data to be served from cache, got %d calls", calls.Load())
	}

	clock.Advance(2 * time.Minute)
	got, err := GetOrFetch(context.Background(), fetcher, key, fn)
	if err != nil {
		t.Fatalf("GetOrFetch() failed: %v", err)
	}
	if got != 2 {
		t.Errorf("expected refetch after stale window, got %d", got)
	}
}

func TestFetcher_InvalidateTriggersRefetch(t *testing.T) {
	store := newTestStore(t)
	fetcher := NewFetcher(store, WithStaleAfter(time.Hour))
	key := cache.Key("crews::status=active")

	var calls atomic.Int32
	fn := func(context.Context) (int32, error) {
		return calls.Add(1), nil
	}

	if _, err := GetOrFetch(context.Background(), fetcher, key, fn); err != nil {
		t.Fatalf("GetOrFetch() failed: %v", err)
	}
	store.Invalidate(func(k cache.Key) bool { return k.HasPrefix("crews") })

	entry, _ := store.Get(key)
	if !entry.HasData {
		t.Fatal("invalidate must keep data")
	}

	got, err := GetOrFetch(context.Background(), fetcher, key, fn)
	if err != nil {
		t.Fatalf("GetOrFetch() failed: %v", err)
	}
	if got != 2 {
		t.Errorf("expected invalidated entry to refetch, got %d", got)
	}
}

func TestFetcher_InvalidationDuringFetchLeavesResultStale(t *testing.T) {
	store := newTestStore(t)
	fetcher := NewFetcher(store, WithStaleAfter(time.Hour))
	key := cache.Key("crews")

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, err := Run(context.Background(), fetcher, key, func(context.Context) (string, error) {
			close(started)
			<-release
			return "pre-write", nil
		})
		if err != nil {
			t.Errorf("Run() failed: %v", err)
		}
	}()

	<-started
	store.Invalidate(func(k cache.Key) bool { return k.HasPrefix("crews") })
	close(release)
	<-done

	entry, _ := store.Get(key)
	if entry.Status != cache.StatusSuccess {
		t.Fatalf("expected success, got %v", entry.Status)
	}
	if !entry.IsStale(store.Now()) {
		t.Error("data fetched across an invalidation must be stale")
	}
}

func TestFetcher_TypeMismatch(t *testing.T) {
	store := newTestStore(t)
	fetcher := NewFetcher(store)
	key := cache.Key("crews")

	if _, err := Run(context.Background(), fetcher, key, func(context.Context) (string, error) {
		return "text", nil
	}); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	_, err := GetOrFetch(context.Background(), fetcher, key, func(context.Context) (int, error) {
		return 1, nil
	})
	if !errors.Is(err, ErrInvalidResultType) {
		t.Errorf("expected ErrInvalidResultType, got %v", err)
	}
}
