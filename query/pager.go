package query

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-resource-sync/cache"
)

// Page is one page of a paginated response.
type Page[T any] struct {
	Items      []T
	PageNumber int
	TotalPages int
	TotalItems int
	Limit      int
}

// PageFetchFn fetches page number page (1-based).
type PageFetchFn[T any] func(ctx context.Context, page int) (Page[T], error)

// PagedView is the flattened, gap-free concatenation of pages 1..Pages.
type PagedView[T any] struct {
	Items      []T
	Pages      int
	TotalPages int
	TotalItems int
	// HasMore is true until a page reports that no further pages exist.
	HasMore bool
}

// pageBuffer accumulates pages strictly in order and parks early arrivals
// until the gap before them closes.
type pageBuffer[T any] struct {
	pages   []Page[T]
	pending map[int]Page[T]
}

func (b *pageBuffer[T]) loaded() bool {
	return len(b.pages) > 0
}

// merge applies page, or buffers it when earlier pages are missing, and
// returns how many pages were appended. Duplicates are ignored.
func (b *pageBuffer[T]) merge(page Page[T]) int {
	if page.PageNumber <= len(b.pages) {
		return 0
	}
	if page.PageNumber != len(b.pages)+1 {
		if b.pending == nil {
			b.pending = make(map[int]Page[T])
		}
		if _, dup := b.pending[page.PageNumber]; !dup {
			b.pending[page.PageNumber] = page
		}
		return 0
	}

	b.pages = append(b.pages, page)
	applied := 1
	for {
		next, ok := b.pending[len(b.pages)+1]
		if !ok {
			break
		}
		delete(b.pending, next.PageNumber)
		b.pages = append(b.pages, next)
		applied++
	}
	return applied
}

func (b *pageBuffer[T]) view() PagedView[T] {
	count := 0
	for _, p := range b.pages {
		count += len(p.Items)
	}
	items := make([]T, 0, count)
	for _, p := range b.pages {
		items = append(items, p.Items...)
	}

	view := PagedView[T]{Items: items, Pages: len(b.pages), HasMore: true}
	if n := len(b.pages); n > 0 {
		last := b.pages[n-1]
		view.TotalPages = last.TotalPages
		view.TotalItems = last.TotalItems
		view.HasMore = n < last.TotalPages
	}
	return view
}

// MergePages merges pages in the order given, buffering any page that
// arrives before its predecessors, and returns the resulting view.
func MergePages[T any](arrivals ...Page[T]) PagedView[T] {
	var buf pageBuffer[T]
	for _, page := range arrivals {
		buf.merge(page)
	}
	return buf.view()
}

// checkPage fills in a missing page number and rejects pages that
// contradict their own pagination.
func checkPage[T any](page Page[T], requested int) (Page[T], error) {
	if page.PageNumber == 0 {
		page.PageNumber = requested
	}
	switch {
	case page.PageNumber != requested:
		return page, cache.NewError(cache.KindServerError, fmt.Sprintf("requested page %d, received page %d", requested, page.PageNumber))
	case page.TotalPages < 0:
		return page, cache.NewError(cache.KindServerError, "negative total pages")
	case page.TotalPages == 0 && page.PageNumber > 1:
		return page, cache.NewError(cache.KindServerError, fmt.Sprintf("page %d of an empty result", page.PageNumber))
	case page.TotalPages > 0 && page.PageNumber > page.TotalPages:
		return page, cache.NewError(cache.KindServerError, fmt.Sprintf("page %d beyond total pages %d", page.PageNumber, page.TotalPages))
	}
	return page, nil
}

// Pager loads pages of one paged resource on demand and merges them into a
// single ordered view.
type Pager[T any] struct {
	fetcher *Fetcher
	opts    options

	mu         sync.Mutex
	key        cache.Key
	fetchPage  PageFetchFn[T]
	buf        pageBuffer[T]
	loading    bool
	generation uint64
	err        error
	listeners  map[uint64]*pagerListener[T]
	nextID     uint64
}

type pagerListener[T any] struct {
	fn     func(PagedView[T])
	active atomic.Bool
}

// NewPager creates a Pager for key. Page entries are cached under
// cache.PageKey(key, n).
func NewPager[T any](f *Fetcher, key cache.Key, fetchPage PageFetchFn[T], opts ...Option) *Pager[T] {
	return &Pager[T]{
		fetcher:   f,
		opts:      applyOptions(opts),
		key:       key,
		fetchPage: fetchPage,
		listeners: make(map[uint64]*pagerListener[T]),
	}
}

// Key returns the key of the current page sequence.
func (p *Pager[T]) Key() cache.Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.key
}

// View returns the merged pages loaded so far.
func (p *Pager[T]) View() PagedView[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.view()
}

// HasMore reports whether LoadNext would fetch another page.
func (p *Pager[T]) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.view().HasMore
}

// IsLoading reports whether a page load is running.
func (p *Pager[T]) IsLoading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loading
}

// Err returns the error of the last failed load, cleared by the next success.
func (p *Pager[T]) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Subscribe calls fn with the merged view after every change. Once the
// returned function runs, fn is not called again, even by a notification
// already in progress.
func (p *Pager[T]) Subscribe(fn func(PagedView[T])) func() {
	l := &pagerListener[T]{fn: fn}
	l.active.Store(true)

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = l
	p.mu.Unlock()

	return func() {
		l.active.Store(false)
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// LoadNext fetches the page after the last merged one. It does nothing when
// no pages remain or another load is running.
func (p *Pager[T]) LoadNext(ctx context.Context) error {
	p.mu.Lock()
	if p.loading || (p.buf.loaded() && !p.buf.view().HasMore) {
		p.mu.Unlock()
		return nil
	}
	next := len(p.buf.pages) + 1
	p.loading = true
	gen, key, fetchPage := p.generation, p.key, p.fetchPage
	p.mu.Unlock()

	page, err := p.load(ctx, key, fetchPage, next, false)

	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		return nil
	}
	p.loading = false
	if err != nil {
		p.err = err
		p.mu.Unlock()
		return err
	}
	p.err = nil
	p.buf.merge(page)
	view, listeners := p.buf.view(), p.snapshotListeners()
	p.mu.Unlock()

	notifyPager(listeners, view)
	return nil
}

// Prefetch loads every page up to upTo concurrently, merging arrivals in
// page order. The first page is loaded first so the total is known.
func (p *Pager[T]) Prefetch(ctx context.Context, upTo int) error {
	p.mu.Lock()
	loaded := p.buf.loaded()
	p.mu.Unlock()
	if !loaded {
		if err := p.LoadNext(ctx); err != nil {
			return err
		}
	}

	p.mu.Lock()
	if p.loading || !p.buf.loaded() {
		p.mu.Unlock()
		return nil
	}
	if total := p.buf.view().TotalPages; upTo > total {
		upTo = total
	}
	start := len(p.buf.pages) + 1
	if start > upTo {
		p.mu.Unlock()
		return nil
	}
	p.loading = true
	gen, key, fetchPage := p.generation, p.key, p.fetchPage
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.parallelism)
	for n := start; n <= upTo; n++ {
		g.Go(func() error {
			page, err := p.load(gctx, key, fetchPage, n, false)
			if err != nil {
				return err
			}

			p.mu.Lock()
			if gen != p.generation {
				p.mu.Unlock()
				return nil
			}
			p.buf.merge(page)
			view, listeners := p.buf.view(), p.snapshotListeners()
			p.mu.Unlock()

			notifyPager(listeners, view)
			return nil
		})
	}
	err := g.Wait()

	p.mu.Lock()
	if gen == p.generation {
		p.loading = false
		p.err = err
	}
	p.mu.Unlock()
	return err
}

// Reset discards the accumulated pages and restarts at page 1. Loads still
// running for the old sequence are ignored when they finish.
func (p *Pager[T]) Reset() {
	p.mu.Lock()
	p.resetLocked()
	view, listeners := p.buf.view(), p.snapshotListeners()
	p.mu.Unlock()

	notifyPager(listeners, view)
}

// SetKey switches the pager to a new page sequence, resetting it when key
// differs from the current one. It reports whether a reset happened.
func (p *Pager[T]) SetKey(key cache.Key, fetchPage PageFetchFn[T]) bool {
	p.mu.Lock()
	if key == p.key {
		p.fetchPage = fetchPage
		p.mu.Unlock()
		return false
	}
	p.key = key
	p.fetchPage = fetchPage
	p.resetLocked()
	view, listeners := p.buf.view(), p.snapshotListeners()
	p.mu.Unlock()

	p.opts.logger.Debug().Str("key", string(key)).Msg("pager key changed")
	notifyPager(listeners, view)
	return true
}

// Refresh refetches page 1 and, once it arrives, replaces the accumulated
// pages with it. The current items stay visible until then. Cached entries
// of later pages are marked stale.
func (p *Pager[T]) Refresh(ctx context.Context) error {
	p.mu.Lock()
	p.generation++
	p.loading = true
	gen, key, fetchPage := p.generation, p.key, p.fetchPage
	p.mu.Unlock()

	pagePrefix := string(key) + cache.PageSeparator
	p.fetcher.Store().Invalidate(func(k cache.Key) bool {
		return k.HasPrefix(pagePrefix) && k != cache.PageKey(key, 1)
	})

	page, err := p.load(ctx, key, fetchPage, 1, true)

	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		return nil
	}
	p.loading = false
	if err != nil {
		p.err = err
		p.mu.Unlock()
		return err
	}
	p.err = nil
	p.buf = pageBuffer[T]{}
	p.buf.merge(page)
	view, listeners := p.buf.view(), p.snapshotListeners()
	p.mu.Unlock()

	notifyPager(listeners, view)
	return nil
}

// IsStale reports whether any loaded page is stale in the store, for
// example after a mutation invalidated the resource.
func (p *Pager[T]) IsStale() bool {
	p.mu.Lock()
	key, pages := p.key, len(p.buf.pages)
	p.mu.Unlock()

	store := p.fetcher.Store()
	now := store.Now()
	for n := 1; n <= pages; n++ {
		entry, ok := store.Get(cache.PageKey(key, n))
		if !ok || entry.IsStale(now) {
			return true
		}
	}
	return false
}

func (p *Pager[T]) resetLocked() {
	p.generation++
	p.buf = pageBuffer[T]{}
	p.loading = false
	p.err = nil
}

func (p *Pager[T]) load(ctx context.Context, key cache.Key, fetchPage PageFetchFn[T], n int, force bool) (Page[T], error) {
	if fetchPage == nil {
		return Page[T]{}, cache.ValidationError(ErrNilFetchFn)
	}
	if key == "" || strings.Contains(string(key), cache.PageSeparator) {
		return Page[T]{}, cache.ValidationError(fmt.Errorf("query: invalid pager key %q", key))
	}

	pageKey := cache.PageKey(key, n)
	fn := func(ctx context.Context) (Page[T], error) {
		page, err := fetchPage(ctx, n)
		if err != nil {
			return page, err
		}
		return checkPage(page, n)
	}

	var (
		page Page[T]
		err  error
	)
	if force {
		page, err = Run(ctx, p.fetcher, pageKey, fn)
	} else {
		page, err = GetOrFetch(ctx, p.fetcher, pageKey, fn)
	}
	return page, err
}

func (p *Pager[T]) snapshotListeners() []*pagerListener[T] {
	out := make([]*pagerListener[T], 0, len(p.listeners))
	for _, l := range p.listeners {
		out = append(out, l)
	}
	return out
}

func notifyPager[T any](listeners []*pagerListener[T], view PagedView[T]) {
	for _, l := range listeners {
		if l.active.Load() {
			l.fn(view)
		}
	}
}
