package testsupport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/puzpuzpuz/xsync/v3"
)

// CallCounter counts requests per URL path.
type CallCounter struct {
	counts *xsync.MapOf[string, *xsync.Counter]
}

// NewCallCounter creates an empty CallCounter.
func NewCallCounter() *CallCounter {
	return &CallCounter{counts: xsync.NewMapOf[string, *xsync.Counter]()}
}

// Inc records one call to path.
func (c *CallCounter) Inc(path string) {
	counter, _ := c.counts.LoadOrCompute(path, xsync.NewCounter)
	counter.Inc()
}

// Count returns the calls recorded for path.
func (c *CallCounter) Count(path string) int {
	counter, ok := c.counts.Load(path)
	if !ok {
		return 0
	}
	return int(counter.Value())
}

// Total returns the calls recorded across all paths.
func (c *CallCounter) Total() int {
	total := 0
	c.counts.Range(func(_ string, counter *xsync.Counter) bool {
		total += int(counter.Value())
		return true
	})
	return total
}

// Middleware counts every request passing through a router.
func (c *CallCounter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Inc(r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// NewAPIServer starts an httptest server whose routes are set up by
// register. Requests are counted by the returned CallCounter. The server is
// closed when the test ends.
func NewAPIServer(t testing.TB, register func(r *mux.Router)) (*httptest.Server, *CallCounter) {
	t.Helper()

	counter := NewCallCounter()
	router := mux.NewRouter()
	router.Use(counter.Middleware)
	register(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, counter
}

// WriteJSON writes body with the JSON content type and status.
func WriteJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
