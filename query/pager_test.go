package query

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/goliatone/go-resource-sync/cache"
)

type event struct {
	ID int
}

// pagedEvents serves ids 1..total in pages of limit.
type pagedEvents struct {
	total int
	limit int
	calls atomic.Int32
	// hook runs before page n is returned.
	hook func(n int)
}

func (s *pagedEvents) fetch(ctx context.Context, n int) (Page[event], error) {
	s.calls.Add(1)
	if s.hook != nil {
		s.hook(n)
	}

	totalPages := (s.total + s.limit - 1) / s.limit
	page := Page[event]{PageNumber: n, TotalPages: totalPages, TotalItems: s.total, Limit: s.limit}
	for id := (n-1)*s.limit + 1; id <= min(n*s.limit, s.total); id++ {
		page.Items = append(page.Items, event{ID: id})
	}
	return page, nil
}

func ids(items []event) []int {
	out := make([]int, len(items))
	for i, e := range items {
		out[i] = e.ID
	}
	return out
}

func TestPager_LoadsPagesInOrder(t *testing.T) {
	src := &pagedEvents{total: 5, limit: 2}
	pager := NewPager(NewFetcher(newTestStore(t)), "events", src.fetch)

	if !pager.HasMore() {
		t.Fatal("expected HasMore before the first load")
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := pager.LoadNext(ctx); err != nil {
			t.Fatalf("LoadNext() failed: %v", err)
		}
	}

	view := pager.View()
	if want := []int{1, 2, 3, 4, 5}; !slices.Equal(ids(view.Items), want) {
		t.Errorf("expected %v, got %v", want, ids(view.Items))
	}
	if view.Pages != 3 || view.TotalPages != 3 || view.TotalItems != 5 {
		t.Errorf("unexpected pagination %+v", view)
	}
	if view.HasMore {
		t.Error("expected HasMore false after the last page")
	}

	// past the last page LoadNext is a no-op
	if err := pager.LoadNext(ctx); err != nil {
		t.Fatalf("LoadNext() failed: %v", err)
	}
	if got := src.calls.Load(); got != 3 {
		t.Errorf("expected 3 page requests, got %d", got)
	}
}

func TestPager_UnsubscribeDuringNotification(t *testing.T) {
	src := &pagedEvents{total: 4, limit: 2}
	pager := NewPager(NewFetcher(newTestStore(t)), "events", src.fetch)

	// whichever listener runs first removes the other
	var calls int
	var unsubFirst, unsubSecond func()
	unsubFirst = pager.Subscribe(func(PagedView[event]) {
		calls++
		unsubSecond()
	})
	unsubSecond = pager.Subscribe(func(PagedView[event]) {
		calls++
		unsubFirst()
	})

	if err := pager.LoadNext(context.Background()); err != nil {
		t.Fatalf("LoadNext() failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a removed listener to be skipped, got %d calls", calls)
	}

	if err := pager.LoadNext(context.Background()); err != nil {
		t.Fatalf("LoadNext() failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected only the remaining listener to run, got %d calls", calls)
	}
}

func TestPager_EmptyResult(t *testing.T) {
	src := &pagedEvents{total: 0, limit: 10}
	pager := NewPager(NewFetcher(newTestStore(t)), "events", src.fetch)

	if err := pager.LoadNext(context.Background()); err != nil {
		t.Fatalf("LoadNext() failed: %v", err)
	}

	view := pager.View()
	if view.Items == nil || len(view.Items) != 0 {
		t.Errorf("expected empty non-nil items, got %#v", view.Items)
	}
	if view.HasMore {
		t.Error("expected no more pages for an empty result")
	}
}

func TestPager_PrefetchMergesOutOfOrderArrivals(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once

	src := &pagedEvents{total: 6, limit: 2}
	src.hook = func(n int) {
		if n == 2 {
			<-release
		}
	}

	pager := NewPager(NewFetcher(newTestStore(t)), "events", src.fetch, WithParallelism(3))

	var mu sync.Mutex
	var seen [][]int
	pager.Subscribe(func(view PagedView[event]) {
		mu.Lock()
		seen = append(seen, ids(view.Items))
		mu.Unlock()
		// page 3 has landed while page 2 is still held back
		if view.Pages == 1 && len(seen) > 1 {
			once.Do(func() { close(release) })
		}
	})

	if err := pager.Prefetch(context.Background(), 3); err != nil {
		t.Fatalf("Prefetch() failed: %v", err)
	}

	view := pager.View()
	if want := []int{1, 2, 3, 4, 5, 6}; !slices.Equal(ids(view.Items), want) {
		t.Fatalf("expected %v, got %v", want, ids(view.Items))
	}

	mu.Lock()
	defer mu.Unlock()
	for _, items := range seen {
		for i, id := range items {
			if id != i+1 {
				t.Fatalf("view exposed a gap: %v", items)
			}
		}
	}
}

func TestPager_PrefetchClampsToTotalPages(t *testing.T) {
	src := &pagedEvents{total: 3, limit: 2}
	pager := NewPager(NewFetcher(newTestStore(t)), "events", src.fetch)

	if err := pager.Prefetch(context.Background(), 10); err != nil {
		t.Fatalf("Prefetch() failed: %v", err)
	}
	if got := src.calls.Load(); got != 2 {
		t.Errorf("expected 2 page requests, got %d", got)
	}
	if pager.HasMore() {
		t.Error("expected all pages loaded")
	}
}

func TestPager_ResetStartsOver(t *testing.T) {
	src := &pagedEvents{total: 5, limit: 2}
	pager := NewPager(NewFetcher(newTestStore(t)), "events", src.fetch)
	ctx := context.Background()

	_ = pager.LoadNext(ctx)
	_ = pager.LoadNext(ctx)
	pager.Reset()

	view := pager.View()
	if view.Pages != 0 || len(view.Items) != 0 || !view.HasMore {
		t.Fatalf("expected empty view after reset, got %+v", view)
	}

	if err := pager.LoadNext(ctx); err != nil {
		t.Fatalf("LoadNext() failed: %v", err)
	}
	if got := ids(pager.View().Items); !slices.Equal(got, []int{1, 2}) {
		t.Errorf("expected page 1 after reset, got %v", got)
	}
}

func TestPager_SetKey(t *testing.T) {
	src := &pagedEvents{total: 5, limit: 2}
	pager := NewPager(NewFetcher(newTestStore(t)), "events::tahun=2024", src.fetch)
	ctx := context.Background()

	_ = pager.LoadNext(ctx)
	if pager.SetKey("events::tahun=2024", src.fetch) {
		t.Error("same key must not reset")
	}
	if pager.View().Pages != 1 {
		t.Error("same key must keep loaded pages")
	}

	if !pager.SetKey("events::tahun=2025", src.fetch) {
		t.Error("new key must reset")
	}
	if pager.View().Pages != 0 || pager.Key() != "events::tahun=2025" {
		t.Errorf("expected empty pager on new key, got %+v", pager.View())
	}
}

func TestPager_ResetDropsInFlightPage(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	src := &pagedEvents{total: 5, limit: 2}
	src.hook = func(n int) {
		close(started)
		<-release
	}
	pager := NewPager(NewFetcher(newTestStore(t)), "events", src.fetch)

	done := make(chan error, 1)
	go func() { done <- pager.LoadNext(context.Background()) }()

	<-started
	pager.Reset()
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("LoadNext() failed: %v", err)
	}
	if pager.View().Pages != 0 {
		t.Error("page of the old sequence must be ignored after reset")
	}
}

func TestPager_RefreshReplacesPages(t *testing.T) {
	store := newTestStore(t)
	src := &pagedEvents{total: 5, limit: 2}
	pager := NewPager(NewFetcher(store), "events", src.fetch)
	ctx := context.Background()

	_ = pager.LoadNext(ctx)
	_ = pager.LoadNext(ctx)

	if err := pager.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if got := src.calls.Load(); got != 3 {
		t.Errorf("expected page 1 to be refetched, got %d calls", got)
	}

	view := pager.View()
	if view.Pages != 1 || !view.HasMore {
		t.Errorf("expected a single fresh page, got %+v", view)
	}

	page2, ok := store.Get(cache.PageKey("events", 2))
	if !ok || !page2.IsStale(store.Now()) {
		t.Error("expected cached page 2 to be stale after refresh")
	}
}

func TestPager_IsStaleAfterInvalidation(t *testing.T) {
	store := newTestStore(t)
	src := &pagedEvents{total: 5, limit: 2}
	pager := NewPager(NewFetcher(store), "events", src.fetch)

	_ = pager.LoadNext(context.Background())
	if pager.IsStale() {
		t.Fatal("freshly loaded pages must not be stale")
	}

	store.Invalidate(func(k cache.Key) bool { return k.HasPrefix("events") })
	if !pager.IsStale() {
		t.Error("expected pager to report stale pages")
	}
}

func TestPager_RejectsInconsistentPage(t *testing.T) {
	fetchPage := func(ctx context.Context, n int) (Page[event], error) {
		return Page[event]{PageNumber: 4, TotalPages: 2}, nil
	}
	pager := NewPager(NewFetcher(newTestStore(t), noDelay), "events", fetchPage)

	err := pager.LoadNext(context.Background())
	if cache.KindOf(err) != cache.KindServerError {
		t.Fatalf("expected server error, got %v", err)
	}
	if pager.Err() == nil {
		t.Error("expected Err() to report the failure")
	}
	if pager.IsLoading() {
		t.Error("expected loading to clear after failure")
	}
}

func TestMergePages(t *testing.T) {
	p1 := Page[event]{Items: []event{{1}, {2}}, PageNumber: 1, TotalPages: 3, TotalItems: 5}
	p2 := Page[event]{Items: []event{{3}, {4}}, PageNumber: 2, TotalPages: 3, TotalItems: 5}
	p3 := Page[event]{Items: []event{{5}}, PageNumber: 3, TotalPages: 3, TotalItems: 5}

	tests := []struct {
		name      string
		arrivals  []Page[event]
		wantIDs   []int
		wantPages int
		wantMore  bool
	}{
		{"in order", []Page[event]{p1, p2, p3}, []int{1, 2, 3, 4, 5}, 3, false},
		{"page 2 before page 1", []Page[event]{p2, p1}, []int{1, 2, 3, 4}, 2, true},
		{"gap stays hidden", []Page[event]{p1, p3}, []int{1, 2}, 1, true},
		{"duplicate ignored", []Page[event]{p1, p1, p2}, []int{1, 2, 3, 4}, 2, true},
		{"reverse", []Page[event]{p3, p2, p1}, []int{1, 2, 3, 4, 5}, 3, false},
		{"nothing", nil, []int{}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := MergePages(tt.arrivals...)
			if got := ids(view.Items); !slices.Equal(got, tt.wantIDs) {
				t.Errorf("expected items %v, got %v", tt.wantIDs, got)
			}
			if view.Pages != tt.wantPages {
				t.Errorf("expected %d pages, got %d", tt.wantPages, view.Pages)
			}
			if view.HasMore != tt.wantMore {
				t.Errorf("expected HasMore %v, got %v", tt.wantMore, view.HasMore)
			}
		})
	}
}
