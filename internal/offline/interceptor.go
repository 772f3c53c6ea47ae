package offline

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Outcome records which branch of the fetch handler produced the response.
type Outcome string

const (
	// OutcomePassthrough means the request was not intercepted and the
	// host must forward it itself.
	OutcomePassthrough Outcome = "bypass"
	OutcomeHit         Outcome = "hit"
	OutcomeMiss        Outcome = "miss"
	OutcomeOffline     Outcome = "offline"
	OutcomeUnavailable Outcome = "unavailable"
)

const cacheWriteTimeout = 30 * time.Second

// Intercepts reports whether the fetch handler takes over req. Mutating
// requests and dynamic API calls are left to the host.
func (o Options) Intercepts(req *Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if o.APIMarker != "" && strings.Contains(req.URL, o.APIMarker) {
		return false
	}
	return true
}

// IsStaticAsset reports whether a successful network response for req may be
// written to the store on a miss.
func (o Options) IsStaticAsset(req *Request) bool {
	p := req.Path()
	if o.StaticMarker != "" && strings.Contains(p, o.StaticMarker) {
		return true
	}
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return false
	}
	for _, e := range o.StaticExtensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

// handleFetch serves req cache-first. Cached entries always win over the
// network; a miss goes to the network and static assets are written back in
// the background.
func (w *Worker) handleFetch(ctx context.Context, req *Request) (*Response, Outcome, error) {
	if !w.opts.Intercepts(req) {
		return nil, OutcomePassthrough, nil
	}

	key := req.Key()
	log := w.log.WithFields(logrus.Fields{"method": req.Method, "url": req.URL})

	if resp, ok := w.match(ctx, key, log); ok {
		return resp, OutcomeHit, nil
	}

	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		log.WithError(err).Debug("network fetch failed")
		return w.fallback(ctx, req, log), w.fallbackOutcome(req), nil
	}

	if resp.Status == http.StatusOK && resp.Type == TypeBasic && w.opts.IsStaticAsset(req) {
		w.cacheAsync(key, resp.Clone(), log)
	}
	return resp, OutcomeMiss, nil
}

func (w *Worker) match(ctx context.Context, key string, log logrus.FieldLogger) (*Response, bool) {
	store, err := w.storage.Lookup(ctx, w.opts.Generation)
	if errors.Is(err, ErrStoreNotFound) {
		return nil, false
	}
	if err != nil {
		log.WithError(err).Warn("open store")
		return nil, false
	}
	resp, ok, err := store.Match(ctx, key)
	if err != nil {
		log.WithError(err).Warn("cache lookup")
		return nil, false
	}
	return resp, ok
}

func (w *Worker) fallbackOutcome(req *Request) Outcome {
	if req.Mode == ModeNavigate {
		return OutcomeOffline
	}
	return OutcomeUnavailable
}

// fallback answers a request whose network fetch failed. Navigations get the
// offline page; everything else, or a navigation whose offline page is gone,
// gets a plain 503.
func (w *Worker) fallback(ctx context.Context, req *Request, log logrus.FieldLogger) *Response {
	if req.Mode == ModeNavigate && w.opts.OfflinePage != "" {
		if resp, ok := w.match(ctx, RequestKey(http.MethodGet, w.opts.OfflinePage), log); ok {
			return resp
		}
		log.Warn("offline page missing from store")
	}
	return unavailable()
}

// cacheAsync writes resp to the current store without holding up the caller.
// Writes are best-effort: when too many are in flight the copy is dropped.
func (w *Worker) cacheAsync(key string, resp *Response, log logrus.FieldLogger) {
	select {
	case w.bgSem <- struct{}{}:
	default:
		_ = resp.Close()
		return
	}

	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		defer func() { <-w.bgSem }()
		defer resp.Close()

		ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
		defer cancel()

		err := w.put(ctx, key, resp)
		w.obs.CacheWrite(w.opts.Generation, err)
		if err != nil {
			w.writeLog.Warnf("cache write %s: %v", key, err)
			return
		}
		log.Debug("cached")
	}()
}

func (w *Worker) put(ctx context.Context, key string, resp *Response) error {
	store, err := w.storage.Open(ctx, w.opts.Generation)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, resp)
}
