package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gomobi-edge/internal/offline"
)

// fakeOrigin stands in for the Go Mobi backend and counts hits per path.
type fakeOrigin struct {
	*httptest.Server

	mu       sync.Mutex
	hits     map[string]int
	lastBody string
}

func newFakeOrigin(t *testing.T) *fakeOrigin {
	o := &fakeOrigin{hits: map[string]int{}}
	pages := map[string]struct{ ctype, body string }{
		"/":                         {"text/html", "<html>home</html>"},
		"/static/css/style.css":     {"text/css", "body{}"},
		"/static/js/app.js":         {"application/javascript", "app()"},
		"/static/js/ui-feedback.js": {"application/javascript", "toast()"},
		"/static/manifest.json":     {"application/json", `{"name":"Go Mobi"}`},
		"/offline.html":             {"text/html", "<html>offline</html>"},
		"/static/app.js":            {"application/javascript", "let x = 1"},
		"/motorista/dashboard":      {"text/html", "<html>dashboard</html>"},
	}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		o.mu.Lock()
		o.hits[r.URL.Path]++
		o.lastBody = string(b)
		n := o.hits[r.URL.Path]
		o.mu.Unlock()

		switch {
		case strings.HasPrefix(r.URL.Path, "/api/"):
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"method":%q,"call":%d}`, r.Method, n)
			return
		}
		p, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", p.ctype)
		_, _ = io.WriteString(w, p.body)
	}))
	t.Cleanup(o.Server.Close)
	return o
}

func (o *fakeOrigin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func newTestService(t *testing.T, origin string) *Service {
	t.Helper()
	cfg, err := ParseConfig([]byte(fmt.Sprintf("server:\n  origin: %s\nstorage:\n  driver: memory\n", origin)))
	require.NoError(t, err)

	log, _ := test.NewNullLogger()
	svc, err := NewService(cfg, log)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func startedService(t *testing.T, origin string) (*Service, http.Handler) {
	t.Helper()
	svc := newTestService(t, origin)
	require.NoError(t, svc.Start(context.Background()))
	return svc, svc.Handler()
}

func serve(h http.Handler, method, target string, body io.Reader, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServeManifestEntryFromCache(t *testing.T) {
	origin := newFakeOrigin(t)
	_, h := startedService(t, origin.URL)
	require.Equal(t, 1, origin.hitCount("/static/css/style.css"))

	rec := serve(h, http.MethodGet, "/static/css/style.css", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "body{}", rec.Body.String())
	assert.Equal(t, "hit", rec.Header().Get(CacheHeader))
	assert.Equal(t, "text/css", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), CacheHeader)
	assert.Equal(t, 1, origin.hitCount("/static/css/style.css"))
}

func TestAPIRequestsPassThrough(t *testing.T) {
	origin := newFakeOrigin(t)
	_, h := startedService(t, origin.URL)

	for i := 1; i <= 2; i++ {
		rec := serve(h, http.MethodGet, "/api/orders", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "bypass", rec.Header().Get(CacheHeader))
		assert.JSONEq(t, fmt.Sprintf(`{"method":"GET","call":%d}`, i), rec.Body.String())
	}
	assert.Equal(t, 2, origin.hitCount("/api/orders"))
}

func TestMutatingRequestsAreForwarded(t *testing.T) {
	origin := newFakeOrigin(t)
	_, h := startedService(t, origin.URL)

	rec := serve(h, http.MethodPost, "/motorista/viagem/7/aceitar", strings.NewReader(`{"ok":true}`), "Content-Type", "application/json")

	assert.Equal(t, "bypass", rec.Header().Get(CacheHeader))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 1, origin.hitCount("/motorista/viagem/7/aceitar"))
	origin.mu.Lock()
	assert.Equal(t, `{"ok":true}`, origin.lastBody)
	origin.mu.Unlock()
}

func TestStaticMissIsCachedForNextRequest(t *testing.T) {
	origin := newFakeOrigin(t)
	svc, h := startedService(t, origin.URL)

	rec := serve(h, http.MethodGet, "/static/app.js", nil)
	assert.Equal(t, "miss", rec.Header().Get(CacheHeader))
	assert.Equal(t, "let x = 1", rec.Body.String())
	svc.Registration().Wait()

	rec = serve(h, http.MethodGet, "/static/app.js", nil)
	assert.Equal(t, "hit", rec.Header().Get(CacheHeader))
	assert.Equal(t, "let x = 1", rec.Body.String())
	assert.Equal(t, 1, origin.hitCount("/static/app.js"))
}

func TestDocumentsAreNotCachedOnMiss(t *testing.T) {
	origin := newFakeOrigin(t)
	svc, h := startedService(t, origin.URL)

	serve(h, http.MethodGet, "/motorista/dashboard", nil, "Sec-Fetch-Mode", "navigate")
	svc.Registration().Wait()
	rec := serve(h, http.MethodGet, "/motorista/dashboard", nil, "Sec-Fetch-Mode", "navigate")

	assert.Equal(t, "miss", rec.Header().Get(CacheHeader))
	assert.Equal(t, 2, origin.hitCount("/motorista/dashboard"))
}

func TestOriginDown(t *testing.T) {
	origin := newFakeOrigin(t)
	_, h := startedService(t, origin.URL)
	origin.Close()

	rec := serve(h, http.MethodGet, "/motorista/dashboard", nil, "Accept", "text/html")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "offline", rec.Header().Get(CacheHeader))
	assert.Equal(t, "<html>offline</html>", rec.Body.String())

	rec = serve(h, http.MethodGet, "/static/img/truck.png", nil, "Sec-Fetch-Mode", "no-cors")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", rec.Header().Get(CacheHeader))
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))

	rec = serve(h, http.MethodGet, "/static/js/app.js", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "app()", rec.Body.String())

	rec = serve(h, http.MethodPost, "/api/viagens/7/iniciar", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "bad-gateway", rec.Header().Get(CacheHeader))
}

func TestStartFailsWhenOriginIsDown(t *testing.T) {
	origin := newFakeOrigin(t)
	origin.Close()
	svc := newTestService(t, origin.URL)

	require.Error(t, svc.Start(context.Background()))
	assert.Nil(t, svc.Registration().Controller())

	rec := serve(svc.Handler(), http.MethodGet, "/static/css/style.css", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestClearCacheMessage(t *testing.T) {
	origin := newFakeOrigin(t)
	_, h := startedService(t, origin.URL)

	rec := serve(h, http.MethodPost, "/__offline/message", strings.NewReader(`{"type":"CLEAR_CACHE"}`))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(h, http.MethodGet, "/__offline/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report statusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Empty(t, report.Stores)

	rec = serve(h, http.MethodGet, "/static/css/style.css", nil)
	assert.Equal(t, "miss", rec.Header().Get(CacheHeader))
	assert.Equal(t, 2, origin.hitCount("/static/css/style.css"))
}

func TestInvalidMessage(t *testing.T) {
	origin := newFakeOrigin(t)
	_, h := startedService(t, origin.URL)

	rec := serve(h, http.MethodPost, "/__offline/message", strings.NewReader(`{"type":"RELOAD"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodPost, "/__offline/message", strings.NewReader(`{`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessageWithoutWorker(t *testing.T) {
	origin := newFakeOrigin(t)
	svc := newTestService(t, origin.URL)

	rec := serve(svc.Handler(), http.MethodPost, "/__offline/message", strings.NewReader(`{"type":"SKIP_WAITING"}`))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStatusAndUpdate(t *testing.T) {
	origin := newFakeOrigin(t)
	origin.Close()
	svc := newTestService(t, origin.URL)
	require.Error(t, svc.Start(context.Background()))

	h := svc.Handler()
	rec := serve(h, http.MethodPost, "/__offline/update", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	up := newFakeOrigin(t)
	svc.origin.origin = up.URL

	rec = serve(h, http.MethodPost, "/__offline/update", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report statusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "go-mobi-v1.0.0", report.Generation)
	assert.Equal(t, "go-mobi-v1.0.0", report.Controller)
	require.NotNil(t, report.Active)
	assert.Equal(t, "activated", report.Active.State)
	require.Len(t, report.Stores, 1)
	assert.Equal(t, "go-mobi-v1.0.0", report.Stores[0].Name)
	assert.Equal(t, 6, report.Stores[0].Entries)
	assert.Positive(t, report.Stores[0].Bytes)
}

func TestMetricsEndpoint(t *testing.T) {
	origin := newFakeOrigin(t)
	_, h := startedService(t, origin.URL)
	serve(h, http.MethodGet, "/static/css/style.css", nil)

	rec := serve(h, http.MethodGet, "/__offline/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `gomobi_edge_requests_total{outcome="hit"}`)
}

// deletingStorage removes a store right after listing it, the way an
// activation running next to a status request would.
type deletingStorage struct {
	*offline.MemoryStorage
	victim string
}

func (s deletingStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.MemoryStorage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	_, err = s.MemoryStorage.Delete(ctx, s.victim)
	return names, err
}

func TestStatusDoesNotRecreateDeletedStore(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin(t)
	svc := newTestService(t, origin.URL)

	mem := offline.NewMemoryStorage()
	_, err := mem.Open(ctx, "go-mobi-v0")
	require.NoError(t, err)
	_, err = mem.Open(ctx, "go-mobi-v1.0.0")
	require.NoError(t, err)
	svc.storage = deletingStorage{MemoryStorage: mem, victim: "go-mobi-v0"}

	report, err := svc.status(ctx)
	require.NoError(t, err)
	require.Len(t, report.Stores, 1)
	assert.Equal(t, "go-mobi-v1.0.0", report.Stores[0].Name)

	has, err := mem.Has(ctx, "go-mobi-v0")
	require.NoError(t, err)
	assert.False(t, has)
}
