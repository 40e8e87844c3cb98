package botcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagesnap/pagesnap/internal/service"
	"github.com/pagesnap/pagesnap/internal/snap"
)

const googlebotUA = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"

type stubSource struct {
	mu      sync.Mutex
	views   map[string]*service.SnapshotView
	lookups int
	crawled []string
}

func (s *stubSource) GetLatestSnapshot(_ context.Context, url string) (*service.SnapshotView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	return s.views[url], nil
}

func (s *stubSource) Crawl(_ context.Context, p snap.Payload) (service.EnqueueResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crawled = append(s.crawled, p.URL)
	return service.EnqueueResult{JobID: "id"}, nil
}

func (s *stubSource) crawledURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.crawled...)
}

func passthrough() (http.Handler, *int) {
	hits := 0
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusTeapot)
	}), &hits
}

func botRequest(target string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	r.Header.Set("User-Agent", googlebotUA)
	return r
}

func TestServesSnapshotToBot(t *testing.T) {
	source := &stubSource{views: map[string]*service.SnapshotView{
		"http://app.example.com/page": {
			Status: "success",
			HTML:   "<html><body>prerendered</body></html>",
		},
	}}
	next, hits := passthrough()
	m := New(Config{}, source, zap.NewNop())
	handler := m.Handler(next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, botRequest("http://app.example.com/page"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "prerendered")
	assert.Zero(t, *hits)
}

func TestCachesSnapshotAcrossRequests(t *testing.T) {
	source := &stubSource{views: map[string]*service.SnapshotView{
		"http://app.example.com/page": {Status: "success", HTML: "<html>x</html>"},
	}}
	next, _ := passthrough()
	m := New(Config{CacheSize: 10, CacheTTL: time.Minute}, source, zap.NewNop())
	handler := m.Handler(next)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, botRequest("http://app.example.com/page"))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 1, source.lookups, "snapshot fetched once, then cached")
}

func TestHumanTrafficPassesThrough(t *testing.T) {
	source := &stubSource{views: map[string]*service.SnapshotView{}}
	next, hits := passthrough()
	handler := New(Config{}, source, zap.NewNop()).Handler(next)

	r := httptest.NewRequest(http.MethodGet, "http://app.example.com/page", nil)
	r.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh) Safari/605.1.15")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, 1, *hits)
	assert.Zero(t, source.lookups)
}

func TestOwnCrawlerBypasses(t *testing.T) {
	source := &stubSource{views: map[string]*service.SnapshotView{}}
	next, hits := passthrough()
	handler := New(Config{}, source, zap.NewNop()).Handler(next)

	r := botRequest("http://app.example.com/page")
	r.Header.Set(CrawlHeader, "1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, 1, *hits)

	r = httptest.NewRequest(http.MethodGet, "http://app.example.com/page", nil)
	r.Header.Set("User-Agent", "HeadlessChrome/120.0")
	handler.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, 2, *hits)
	assert.Zero(t, source.lookups)
}

func TestStaticAssetsPassThrough(t *testing.T) {
	source := &stubSource{views: map[string]*service.SnapshotView{}}
	next, hits := passthrough()
	handler := New(Config{}, source, zap.NewNop()).Handler(next)

	handler.ServeHTTP(httptest.NewRecorder(), botRequest("http://app.example.com/app.js"))
	handler.ServeHTTP(httptest.NewRecorder(), botRequest("http://app.example.com/logo.svg"))

	assert.Equal(t, 2, *hits)
	assert.Zero(t, source.lookups)
}

func TestMissingSnapshotWarmsAndPassesThrough(t *testing.T) {
	source := &stubSource{views: map[string]*service.SnapshotView{}}
	next, hits := passthrough()
	handler := New(Config{}, source, zap.NewNop()).Handler(next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, botRequest("http://app.example.com/new-page"))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, 1, *hits)
	require.Eventually(t, func() bool {
		return len(source.crawledURLs()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "http://app.example.com/new-page", source.crawledURLs()[0])
}
