package offline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

var errOffline = errors.New("dial tcp: connection refused")

type page struct {
	status int
	body   string
	typ    ResponseType
	ctype  string
}

// fakeNetwork serves pages from a map and records every URL it was asked for.
type fakeNetwork struct {
	mu      sync.Mutex
	pages   map[string]page
	offline bool
	failURL string
	calls   []string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{pages: map[string]page{
		"/":                         {body: "<html>home</html>", ctype: "text/html"},
		"/static/css/style.css":     {body: "body{}", ctype: "text/css"},
		"/static/js/app.js":         {body: "console.log('app')", ctype: "application/javascript"},
		"/static/js/ui-feedback.js": {body: "toast()", ctype: "application/javascript"},
		"/static/manifest.json":     {body: `{"name":"Go Mobi"}`, ctype: "application/json"},
		"/offline.html":             {body: "<html>offline</html>", ctype: "text/html"},
	}}
}

func (n *fakeNetwork) set(url string, p page) {
	n.mu.Lock()
	n.pages[url] = p
	n.mu.Unlock()
}

func (n *fakeNetwork) setOffline(v bool) {
	n.mu.Lock()
	n.offline = v
	n.mu.Unlock()
}

func (n *fakeNetwork) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func (n *fakeNetwork) resetCalls() {
	n.mu.Lock()
	n.calls = nil
	n.mu.Unlock()
}

func (n *fakeNetwork) Fetch(_ context.Context, req *Request) (*Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, req.URL)
	if n.offline || req.URL == n.failURL {
		return nil, errOffline
	}
	p, ok := n.pages[req.URL]
	if !ok {
		p = page{status: http.StatusNotFound, body: "not found"}
	}
	if p.status == 0 {
		p.status = http.StatusOK
	}
	if p.typ == "" {
		p.typ = TypeBasic
	}
	h := make(http.Header)
	if p.ctype != "" {
		h.Set("Content-Type", p.ctype)
	}
	return &Response{Status: p.status, Header: h, Type: p.typ, Body: NewBody([]byte(p.body))}, nil
}

func testLogger() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

func testOptions(gen string) Options {
	opts := DefaultOptions()
	opts.Generation = gen
	return opts
}

func readBody(t *testing.T, resp *Response) string {
	t.Helper()
	require.NotNil(t, resp)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func getRequest(url string) *Request {
	return &Request{Method: http.MethodGet, URL: url, Mode: ModeNoCORS, Header: make(http.Header)}
}

func navigation(url string) *Request {
	req := getRequest(url)
	req.Mode = ModeNavigate
	return req
}

func registered(t *testing.T, storage Storage, net Fetcher, opts Options) *Registration {
	t.Helper()
	reg := NewRegistration(storage, net, opts, testLogger(), nil)
	require.NoError(t, reg.Register(context.Background()))
	return reg
}

func storeKeys(t *testing.T, storage Storage, name string) []string {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, name)
	require.NoError(t, err)
	keys, err := st.Keys(ctx)
	require.NoError(t, err)
	return keys
}

func eachStorage(t *testing.T, fn func(t *testing.T, storage Storage)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStorage())
	})
	t.Run("leveldb", func(t *testing.T) {
		s, err := OpenLevelDB(t.TempDir(), nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

// countingStorage records every time a store is looked up or opened.
type countingStorage struct {
	Storage

	mu    sync.Mutex
	calls int
}

func (s *countingStorage) count() {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
}

func (s *countingStorage) consulted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *countingStorage) reset() {
	s.mu.Lock()
	s.calls = 0
	s.mu.Unlock()
}

func (s *countingStorage) Open(ctx context.Context, name string) (Store, error) {
	s.count()
	return s.Storage.Open(ctx, name)
}

func (s *countingStorage) Lookup(ctx context.Context, name string) (Store, error) {
	s.count()
	return s.Storage.Lookup(ctx, name)
}

func (s *countingStorage) Has(ctx context.Context, name string) (bool, error) {
	s.count()
	return s.Storage.Has(ctx, name)
}

var errDiskFull = errors.New("no space left on device")

// failingWrites hands out stores whose single-entry writes fail.
type failingWrites struct {
	*MemoryStorage
}

type failingPutStore struct {
	Store
}

func (failingPutStore) Put(context.Context, string, *Response) error {
	return errDiskFull
}

func (s failingWrites) Open(ctx context.Context, name string) (Store, error) {
	st, err := s.MemoryStorage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return failingPutStore{Store: st}, nil
}

type cacheWrite struct {
	store string
	err   error
}

// recordingObserver keeps the cache write notifications it receives.
type recordingObserver struct {
	mu     sync.Mutex
	writes []cacheWrite
}

func (o *recordingObserver) CacheWrite(store string, err error) {
	o.mu.Lock()
	o.writes = append(o.writes, cacheWrite{store: store, err: err})
	o.mu.Unlock()
}

func (o *recordingObserver) StoreDeleted(string, error) {}

func (o *recordingObserver) cacheWrites() []cacheWrite {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]cacheWrite(nil), o.writes...)
}
