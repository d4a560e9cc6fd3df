package di

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"

	"github.com/goliatone/go-resource-sync/cache"
	"github.com/goliatone/go-resource-sync/filter"
	"github.com/goliatone/go-resource-sync/pkg/testsupport"
	"github.com/goliatone/go-resource-sync/query"
	"github.com/goliatone/go-resource-sync/transport"
)

type Event struct {
	ID         int    `json:"id"`
	Title      string `json:"title"`
	Department string `json:"department"`
	Year       int    `json:"year"`
}

// eventAPI serves /events as a paged list filtered by tahun and department,
// and accepts new events on POST.
type eventAPI struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

func newEventAPI() *eventAPI {
	api := &eventAPI{limit: 2}
	departments := []string{"ICU", "ER"}
	for i := 1; i <= 10; i++ {
		api.events = append(api.events, Event{
			ID:         i,
			Title:      "event " + strconv.Itoa(i),
			Department: departments[i%2],
			Year:       2024 + i%2,
		})
	}
	return api
}

func (a *eventAPI) register(t *testing.T) func(r *mux.Router) {
	return func(r *mux.Router) {
		r.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			page, _ := strconv.Atoi(q.Get("page"))
			if page < 1 {
				page = 1
			}

			a.mu.Lock()
			var matched []Event
			for _, e := range a.events {
				if y := q.Get("tahun"); y != "" && y != strconv.Itoa(e.Year) {
					continue
				}
				if d := q.Get("department"); d != "" && d != e.Department {
					continue
				}
				matched = append(matched, e)
			}
			a.mu.Unlock()

			start := min((page-1)*a.limit, len(matched))
			end := min(page*a.limit, len(matched))
			items := matched[start:end]
			if items == nil {
				items = []Event{}
			}
			testsupport.WriteJSON(w, http.StatusOK, testsupport.ListEnvelope(t, items, page, a.limit, len(matched)))
		}).Methods(http.MethodGet)

		r.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
			var e Event
			if err := json.NewDecoder(r.Body).Decode(&e); err != nil || e.Title == "" {
				testsupport.WriteJSON(w, http.StatusUnprocessableEntity, testsupport.StatusEnvelope(t, 422, "title is required"))
				return
			}
			a.mu.Lock()
			e.ID = len(a.events) + 1
			a.events = append(a.events, e)
			a.mu.Unlock()
			testsupport.WriteJSON(w, http.StatusOK, testsupport.ObjectEnvelope(t, e))
		}).Methods(http.MethodPost)

		r.HandleFunc("/unstable", func(w http.ResponseWriter, r *http.Request) {
			testsupport.WriteJSON(w, http.StatusOK, testsupport.StatusEnvelope(t, 500, "upstream timeout"))
		})
	}
}

func newRemoteContainer(t *testing.T, register func(r *mux.Router), opts ...Option) (*Container, *testsupport.CallCounter) {
	t.Helper()
	server, counter := testsupport.NewAPIServer(t, register)

	cfg := testConfig()
	cfg.Transport.BaseURL = server.URL
	cfg.Transport.Timeout = 5 * time.Second

	opts = append([]Option{WithTokenProvider(transport.StaticToken("test-token"))}, opts...)
	container, err := NewContainer(cfg, opts...)
	if err != nil {
		t.Fatalf("NewContainer() failed: %v", err)
	}
	return container, counter
}

func TestEndToEnd_ThreePageScenario(t *testing.T) {
	api := newEventAPI()
	container, counter := newRemoteContainer(t, api.register(t))

	load, err := RemotePageLoader[Event](container, "/events")
	if err != nil {
		t.Fatalf("RemotePageLoader() failed: %v", err)
	}
	// 2025 has events 1,3,5,7,9 across three pages of two
	pager := UsePagedResource(container, "events", cache.Params{"tahun": 2025}, load)

	ctx := context.Background()
	if err := pager.LoadNext(ctx); err != nil {
		t.Fatalf("LoadNext() failed: %v", err)
	}
	if !pager.HasMore() {
		t.Fatal("expected more pages after page 1")
	}
	for i := 0; i < 2; i++ {
		if err := pager.LoadNext(ctx); err != nil {
			t.Fatalf("LoadNext() failed: %v", err)
		}
	}

	view := pager.View()
	if view.HasMore {
		t.Error("expected HasMore false after the third page")
	}
	if view.TotalPages != 3 || len(view.Items) != 5 {
		t.Fatalf("unexpected view: pages=%d items=%d", view.TotalPages, len(view.Items))
	}
	for i, e := range view.Items {
		if want := 2*i + 1; e.ID != want {
			t.Errorf("item %d: expected id %d, got %d", i, want, e.ID)
		}
	}
	if got := counter.Count("/events"); got != 3 {
		t.Errorf("expected 3 requests, got %d", got)
	}
}

func TestEndToEnd_AllSentinelSharesEntry(t *testing.T) {
	api := newEventAPI()
	container, counter := newRemoteContainer(t, api.register(t))

	load, err := RemotePageLoader[Event](container, "/events")
	if err != nil {
		t.Fatalf("RemotePageLoader() failed: %v", err)
	}

	withAll := UsePagedResource(container, "events", cache.Params{"department": "all"}, load)
	without := UsePagedResource(container, "events", nil, load)
	if withAll.Key() != without.Key() {
		t.Fatalf("expected the same key, got %q and %q", withAll.Key(), without.Key())
	}

	var wg sync.WaitGroup
	for _, p := range []*query.Pager[Event]{withAll, without} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.LoadNext(context.Background()); err != nil {
				t.Errorf("LoadNext() failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := counter.Count("/events"); got != 1 {
		t.Errorf("expected a single network call, got %d", got)
	}
}

func TestEndToEnd_MutationRefreshesMountedList(t *testing.T) {
	api := newEventAPI()
	container, counter := newRemoteContainer(t, api.register(t))

	load, err := RemotePageLoader[Event](container, "/events")
	if err != nil {
		t.Fatalf("RemotePageLoader() failed: %v", err)
	}
	pager := UsePagedResource(container, "events", cache.Params{"department": "ICU", "tahun": 2024}, load)

	var mu sync.Mutex
	var lastTotal int
	unsubscribe := pager.Subscribe(func(v query.PagedView[Event]) {
		mu.Lock()
		lastTotal = v.TotalItems
		mu.Unlock()
	})
	defer unsubscribe()

	ctx := context.Background()
	if err := pager.LoadNext(ctx); err != nil {
		t.Fatalf("LoadNext() failed: %v", err)
	}
	before := pager.View().TotalItems

	create, err := RemoteMutation[Event](container, http.MethodPost, "/events",
		Event{Title: "handover", Department: "ICU", Year: 2024},
		query.RuleFor[Event]())
	if err != nil {
		t.Fatalf("RemoteMutation() failed: %v", err)
	}
	created, err := create.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if created.ID != 11 {
		t.Errorf("expected echoed id 11, got %d", created.ID)
	}

	if !pager.IsStale() {
		t.Fatal("expected list to be stale after the write")
	}
	if err := pager.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if lastTotal != before+1 {
		t.Errorf("expected subscribers to see %d items, got %d", before+1, lastTotal)
	}
	if got := counter.Count("/events"); got != 3 {
		t.Errorf("expected list, write and refetch requests, got %d", got)
	}
}

func TestEndToEnd_FailedWriteKeepsCache(t *testing.T) {
	api := newEventAPI()
	container, _ := newRemoteContainer(t, api.register(t))

	load, _ := RemotePageLoader[Event](container, "/events")
	pager := UsePagedResource(container, "events", nil, load)
	if err := pager.LoadNext(context.Background()); err != nil {
		t.Fatalf("LoadNext() failed: %v", err)
	}

	create, _ := RemoteMutation[Event](container, http.MethodPost, "/events", Event{}, query.RuleFor[Event]())
	_, err := create.Execute(context.Background())
	if cache.KindOf(err) != cache.KindRejected {
		t.Fatalf("expected rejected write, got %v", err)
	}
	if pager.IsStale() {
		t.Error("failed write must not invalidate the list")
	}
}

func TestEndToEnd_ApplicationErrorIsRetriedAndSurfaced(t *testing.T) {
	api := newEventAPI()
	container, counter := newRemoteContainer(t, api.register(t))

	load, err := RemoteLoader[Event](container, "/unstable")
	if err != nil {
		t.Fatalf("RemoteLoader() failed: %v", err)
	}
	res := UseResource(container, "unstable", nil, load)

	_, err = res.Load(context.Background())
	if cache.KindOf(err) != cache.KindServerError {
		t.Fatalf("expected server error, got %v", err)
	}
	if got, want := counter.Count("/unstable"), 1+container.Config().Retry.MaxRetries; got != want {
		t.Errorf("expected %d attempts, got %d", want, got)
	}

	state := res.State()
	if state.Err == nil || state.Err.Message != "upstream timeout" {
		t.Errorf("expected envelope message on the entry, got %+v", state.Err)
	}
}

func TestEndToEnd_FilterApplyResetsPager(t *testing.T) {
	api := newEventAPI()
	clock := clockwork.NewFakeClockAt(time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC))
	container, counter := newRemoteContainer(t, api.register(t), WithClock(clock))

	engine := NewFilterEngine(container, filter.WithDimensions("department"))
	load, _ := RemotePageLoader[Event](container, "/events")
	pager, unbind := BindFilter(container, engine, "events", load)
	defer unbind()

	ctx := context.Background()
	if pager.Key() != "events::tahun=2024" {
		t.Fatalf("unexpected initial key %q", pager.Key())
	}
	_ = pager.LoadNext(ctx)
	_ = pager.LoadNext(ctx)
	if pager.View().Pages != 2 {
		t.Fatalf("expected two pages, got %d", pager.View().Pages)
	}

	// edits alone do not touch the pager
	if err := engine.SetDimension("department", filter.Of("ICU")); err != nil {
		t.Fatalf("SetDimension() failed: %v", err)
	}
	if pager.View().Pages != 2 {
		t.Fatal("draft edits must not reset the pager")
	}

	if _, err := engine.Apply(); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	if pager.Key() != "events::department=ICU&tahun=2024" {
		t.Fatalf("unexpected key after apply %q", pager.Key())
	}
	if pager.View().Pages != 0 {
		t.Fatal("apply with new params must reset the pager")
	}

	if err := pager.LoadNext(ctx); err != nil {
		t.Fatalf("LoadNext() failed: %v", err)
	}
	view := pager.View()
	if len(view.Items) == 0 {
		t.Fatal("expected ICU events for 2024")
	}
	for _, e := range view.Items {
		if e.Department != "ICU" || e.Year != 2024 {
			t.Errorf("unexpected event after filter change: %+v", e)
		}
	}
	if got := counter.Count("/events"); got != 3 {
		t.Errorf("expected 3 requests, got %d", got)
	}
}
