package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrNoWorker is returned when a message is posted before any worker exists.
var ErrNoWorker = errors.New("no worker registered")

// Registration hosts the workers of the edge: at most one installing, one
// waiting and one active worker. It delivers events to them and promotes a
// waiting worker once it asks to skip waiting.
type Registration struct {
	storage Storage
	fetcher Fetcher
	opts    Options
	log     logrus.FieldLogger
	obs     Observer

	// lifecycle serializes install and activation.
	lifecycle sync.Mutex

	mu         sync.RWMutex
	installing *Worker
	waiting    *Worker
	active     *Worker
	controller *Worker
}

func NewRegistration(storage Storage, fetcher Fetcher, opts Options, log logrus.FieldLogger, obs Observer) *Registration {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registration{
		storage: storage,
		fetcher: fetcher,
		opts:    opts,
		log:     log,
		obs:     obs,
	}
}

// Register brings the configured generation into service. When the storage
// already records it as active and its store is present the worker resumes
// without reinstalling. Otherwise it is installed; on failure a previously
// active generation keeps serving and the install error is returned.
func (r *Registration) Register(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if err := r.restore(ctx); err != nil {
		return err
	}

	if cur := r.Active(); cur != nil && cur.Generation() == r.opts.Generation {
		return nil
	}

	w := r.newWorker(r.opts)
	r.mu.Lock()
	r.installing = w
	r.mu.Unlock()

	if _, err := w.Dispatch(ctx, Event{Type: EventInstall}); err != nil {
		r.mu.Lock()
		r.installing = nil
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.installing = nil
	if r.waiting != nil {
		r.waiting.setState(StateRedundant)
	}
	r.waiting = w
	hasActive := r.active != nil
	r.mu.Unlock()

	if !hasActive || w.skipWaiting.Load() {
		return r.activateWaiting(ctx)
	}
	r.log.WithField("generation", w.Generation()).Info("installed worker is waiting")
	return nil
}

// restore picks up the generation recorded by a previous run, so that it can
// serve while a newer generation installs.
func (r *Registration) restore(ctx context.Context) error {
	if r.Active() != nil {
		return nil
	}
	gen, err := r.storage.ActiveGeneration(ctx)
	if err != nil {
		return fmt.Errorf("read active generation: %w", err)
	}
	if gen == "" {
		return nil
	}
	ok, err := r.storage.Has(ctx, gen)
	if err != nil {
		return fmt.Errorf("check store %q: %w", gen, err)
	}
	if !ok {
		return nil
	}

	opts := r.opts
	opts.Generation = gen
	w := r.newWorker(opts)
	w.setState(StateActivated)

	r.mu.Lock()
	r.active = w
	r.controller = w
	r.mu.Unlock()
	r.log.WithField("generation", gen).Info("resumed active generation")
	return nil
}

// Update re-runs registration, e.g. after a failed install.
func (r *Registration) Update(ctx context.Context) error {
	return r.Register(ctx)
}

func (r *Registration) newWorker(opts Options) *Worker {
	return newWorker(opts, r.storage, r.fetcher, r, r.log, r.obs)
}

// activateWaiting retires the active worker and activates the waiting one.
// The caller must hold the lifecycle lock.
func (r *Registration) activateWaiting(ctx context.Context) error {
	r.mu.Lock()
	w := r.waiting
	if w == nil {
		r.mu.Unlock()
		return nil
	}
	old := r.active
	r.waiting = nil
	r.active = w
	r.mu.Unlock()

	if old != nil && old != w {
		old.setState(StateRedundant)
	}

	if _, err := w.Dispatch(ctx, Event{Type: EventActivate}); err != nil {
		return err
	}
	if err := r.storage.SetActiveGeneration(ctx, w.Generation()); err != nil {
		return fmt.Errorf("record active generation: %w", err)
	}
	return nil
}

func (r *Registration) claim(w *Worker) {
	r.mu.Lock()
	prev := r.controller
	r.controller = w
	r.mu.Unlock()
	if prev != w {
		r.log.WithField("generation", w.Generation()).Info("claimed clients")
	}
}

// PostMessage delivers m to the waiting worker when there is one, else to the
// active worker. A waiting worker that asks to skip waiting is activated
// before PostMessage returns.
func (r *Registration) PostMessage(ctx context.Context, m Message) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.RLock()
	target := r.waiting
	if target == nil {
		target = r.active
	}
	r.mu.RUnlock()
	if target == nil {
		return ErrNoWorker
	}

	if _, err := target.Dispatch(ctx, Event{Type: EventMessage, Message: m}); err != nil {
		return err
	}

	r.mu.RLock()
	promote := target == r.waiting && target.skipWaiting.Load()
	r.mu.RUnlock()
	if promote {
		return r.activateWaiting(ctx)
	}
	return nil
}

// Fetch routes req to the controlling worker. Without a controller the
// request is not intercepted.
func (r *Registration) Fetch(ctx context.Context, req *Request) (Result, error) {
	w := r.Controller()
	if w == nil {
		return Result{Outcome: OutcomePassthrough}, nil
	}
	return w.Dispatch(ctx, Event{Type: EventFetch, Request: req})
}

func (r *Registration) Installing() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.installing
}

func (r *Registration) Waiting() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *Registration) Controller() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.controller
}

// Wait blocks until background cache writes of every known worker finish.
func (r *Registration) Wait() {
	r.mu.RLock()
	workers := []*Worker{r.installing, r.waiting, r.active, r.controller}
	r.mu.RUnlock()
	for _, w := range workers {
		if w != nil {
			w.Wait()
		}
	}
}
