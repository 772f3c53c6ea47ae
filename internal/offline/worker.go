package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultGeneration is the cache generation used when none is configured.
const DefaultGeneration = "go-mobi-v1.0.0"

// Options configure a worker. They are fixed for the lifetime of the worker;
// changing the generation means registering a new worker.
type Options struct {
	// Generation names the store this worker installs into and serves from.
	Generation string
	// Manifest lists the URLs that must be cached by install.
	Manifest []string
	// OfflinePage is served to navigations when the network is unreachable.
	// It should be part of Manifest.
	OfflinePage string

	// APIMarker marks dynamic URLs that are never intercepted.
	APIMarker string
	// StaticMarker and StaticExtensions select which network responses are
	// written to the store on a miss.
	StaticMarker     string
	StaticExtensions []string

	// SkipWaiting activates a freshly installed worker without waiting for
	// the previous one to be released.
	SkipWaiting bool
}

// DefaultOptions returns the Go Mobi application shell setup.
func DefaultOptions() Options {
	return Options{
		Generation: DefaultGeneration,
		Manifest: []string{
			"/",
			"/static/css/style.css",
			"/static/js/app.js",
			"/static/js/ui-feedback.js",
			"/static/manifest.json",
			"/offline.html",
		},
		OfflinePage:      "/offline.html",
		APIMarker:        "/api/",
		StaticMarker:     "/static/",
		StaticExtensions: []string{".css", ".js", ".png", ".jpg", ".jpeg", ".svg"},
		SkipWaiting:      true,
	}
}

// State is the lifecycle state of a worker.
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// EventType selects the handler a dispatched event runs.
type EventType int

const (
	EventInstall EventType = iota
	EventActivate
	EventFetch
	EventMessage
)

func (t EventType) String() string {
	switch t {
	case EventInstall:
		return "install"
	case EventActivate:
		return "activate"
	case EventFetch:
		return "fetch"
	case EventMessage:
		return "message"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is delivered to a worker through Dispatch.
type Event struct {
	Type    EventType
	Request *Request // EventFetch
	Message Message  // EventMessage
}

// Result is what a handler produced. Only fetch events carry a response.
type Result struct {
	Response *Response
	Outcome  Outcome
}

// Observer receives notifications about background cache activity.
type Observer interface {
	CacheWrite(store string, err error)
	StoreDeleted(store string, err error)
}

type nopObserver struct{}

func (nopObserver) CacheWrite(string, error)   {}
func (nopObserver) StoreDeleted(string, error) {}

// host is the registration a worker belongs to.
type host interface {
	claim(w *Worker)
}

// Worker runs the install, activate, fetch and message handlers for one
// cache generation.
type Worker struct {
	opts    Options
	storage Storage
	fetcher Fetcher
	host    host
	log     logrus.FieldLogger
	obs     Observer

	state       atomic.Int32
	skipWaiting atomic.Bool

	bgSem    chan struct{}
	bg       sync.WaitGroup
	writeLog *rateLimitedLogger
}

func newWorker(opts Options, storage Storage, fetcher Fetcher, h host, log logrus.FieldLogger, obs Observer) *Worker {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Worker{
		opts:     opts,
		storage:  storage,
		fetcher:  fetcher,
		host:     h,
		log:      log.WithField("generation", opts.Generation),
		obs:      obs,
		bgSem:    make(chan struct{}, 32),
		writeLog: newRateLimitedLogger(log, time.Minute),
	}
}

func (w *Worker) Generation() string { return w.opts.Generation }

func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) setState(s State) {
	prev := State(w.state.Swap(int32(s)))
	if prev != s {
		w.log.WithFields(logrus.Fields{"from": prev, "to": s}).Debug("worker state changed")
	}
}

// Dispatch runs the handler for ev and returns once the handler, including
// every operation it waits on, has finished.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (Result, error) {
	switch ev.Type {
	case EventInstall:
		return Result{}, w.install(ctx)
	case EventActivate:
		return Result{}, w.activate(ctx)
	case EventFetch:
		if ev.Request == nil {
			return Result{}, errors.New("fetch event without request")
		}
		resp, outcome, err := w.handleFetch(ctx, ev.Request)
		return Result{Response: resp, Outcome: outcome}, err
	case EventMessage:
		return Result{}, w.handleMessage(ctx, ev.Message)
	}
	return Result{}, fmt.Errorf("unknown event %s", ev.Type)
}

// Wait blocks until background cache writes have finished.
func (w *Worker) Wait() {
	w.bg.Wait()
}

// install fetches the whole manifest and writes it to the generation store
// in one batch. A single failed fetch fails the install and nothing is written.
func (w *Worker) install(ctx context.Context) error {
	w.setState(StateInstalling)

	store, err := w.storage.Open(ctx, w.opts.Generation)
	if err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("install %s: open store: %w", w.opts.Generation, err)
	}

	responses := make([]*Response, len(w.opts.Manifest))
	defer func() {
		for _, resp := range responses {
			if resp != nil {
				_ = resp.Close()
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i, u := range w.opts.Manifest {
		g.Go(func() error {
			resp, err := w.fetcher.Fetch(gctx, &Request{
				Method: http.MethodGet,
				URL:    u,
				Mode:   ModeNoCORS,
				Header: make(http.Header),
			})
			if err != nil {
				return fmt.Errorf("fetch %s: %w", u, err)
			}
			responses[i] = resp
			if !resp.OK() {
				return fmt.Errorf("fetch %s: unexpected status %d", u, resp.Status)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		w.setState(StateRedundant)
		w.log.WithError(err).Error("install failed")
		return fmt.Errorf("install %s: %w", w.opts.Generation, err)
	}

	entries := make(map[string]*Response, len(responses))
	for i, u := range w.opts.Manifest {
		entries[RequestKey(http.MethodGet, u)] = responses[i]
	}
	if err := store.PutAll(ctx, entries); err != nil {
		w.setState(StateRedundant)
		w.log.WithError(err).Error("install failed")
		return fmt.Errorf("install %s: write manifest: %w", w.opts.Generation, err)
	}

	w.setState(StateInstalled)
	w.log.WithField("entries", len(entries)).Info("installed")
	if w.opts.SkipWaiting {
		w.skipWaiting.Store(true)
	}
	return nil
}

// activate removes every store that belongs to another generation and then
// claims all clients. Deletions are independent: a failure is logged and
// does not stop the others.
func (w *Worker) activate(ctx context.Context) error {
	w.setState(StateActivating)

	names, err := w.storage.Keys(ctx)
	if err != nil {
		// Nothing was deleted, but the worker can still take over.
		w.log.WithError(err).Error("list stores")
	}

	var wg sync.WaitGroup
	for _, name := range names {
		if name == w.opts.Generation {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.deleteStore(ctx, name)
		}()
	}
	wg.Wait()

	if w.host != nil {
		w.host.claim(w)
	}
	w.setState(StateActivated)
	w.log.Info("activated")
	return nil
}

func (w *Worker) deleteStore(ctx context.Context, name string) {
	log := w.log.WithField("store", name)
	_, err := w.storage.Delete(ctx, name)
	w.obs.StoreDeleted(name, err)
	if err != nil {
		log.WithError(err).Warn("delete store")
		return
	}
	log.Info("deleted store")
}

// clearAll deletes every store, whatever its generation.
func (w *Worker) clearAll(ctx context.Context) error {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list stores: %w", err)
	}
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.deleteStore(ctx, name)
		}()
	}
	wg.Wait()
	w.log.WithField("stores", len(names)).Info("cleared all stores")
	return nil
}
