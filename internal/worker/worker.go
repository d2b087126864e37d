// Package worker implements the lifecycle controller: the install/activate
// state machine, the event loop, and the lifetime extension that keeps
// in-flight background work alive through shutdown.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/routina/offline-gateway/internal/cachestore"
	"github.com/routina/offline-gateway/internal/logger"
	"github.com/routina/offline-gateway/internal/push"
	"github.com/routina/offline-gateway/internal/routing"
	"github.com/routina/offline-gateway/internal/strategy"
	"log/slog"
)

// State is the worker lifecycle state.
type State int32

const (
	StateInstalling State = iota
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
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
	default:
		return "unknown"
	}
}

// ErrRedundant is returned when an event reaches a superseded worker.
var ErrRedundant = errors.New("worker: superseded, no longer handling events")

// Clients is the set of open application pages the worker controls.
type Clients interface {
	// Claim puts all open pages under this worker without requiring a reload.
	Claim(ctx context.Context) error
}

// Options configures the worker.
type Options struct {
	// ShellAssets is the static asset manifest precached during install.
	ShellAssets []string

	// AutoActivate requests immediate takeover after install. Always on in
	// production; tests disable it to exercise the waiting state.
	AutoActivate bool

	// ShutdownTimeout bounds the wait for in-flight background work.
	ShutdownTimeout time.Duration
}

// Worker owns the caching layer's lifecycle and event dispatch. Lifecycle,
// push, click, message and sync events run serially on the event loop; fetch
// events are handled concurrently since the stores are safe for concurrent
// access and last write wins.
type Worker struct {
	stores      *cachestore.Manager
	router      *routing.Router
	pushHandler *push.Handler
	clients     Clients
	fetcher     strategy.Fetcher
	opts        Options
	logger      *logger.Logger

	state  atomic.Int32
	events chan dispatchedEvent
	wg     sync.WaitGroup
}

type dispatchedEvent struct {
	event      Event
	completion *Completion
}

// New creates a worker in the installing state.
func New(stores *cachestore.Manager, router *routing.Router, pushHandler *push.Handler, clients Clients, fetcher strategy.Fetcher, opts Options, log *logger.Logger) *Worker {
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}

	w := &Worker{
		stores:      stores,
		router:      router,
		pushHandler: pushHandler,
		clients:     clients,
		fetcher:     fetcher,
		opts:        opts,
		logger:      log.WithComponent("worker"),
		events:      make(chan dispatchedEvent, 16),
	}
	w.state.Store(int32(StateInstalling))
	return w
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	w.logger.Info("lifecycle state changed", slog.String("state", s.String()))
}

// Run drives the event loop until the context is done. Every handler catches
// and logs internally; nothing escapes the loop uncaught.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.events:
			ev.completion.complete(w.handle(ctx, ev.event))
		}
	}
}

// Dispatch queues an event and returns its completion handle.
func (w *Worker) Dispatch(ev Event) *Completion {
	completion := newCompletion()
	if w.State() == StateRedundant {
		completion.complete(ErrRedundant)
		return completion
	}
	w.events <- dispatchedEvent{event: ev, completion: completion}
	return completion
}

func (w *Worker) handle(ctx context.Context, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s handler: %v", ev.Type, r)
			w.logger.Error("event handler panicked",
				slog.String("event", ev.Type.String()),
				slog.Any("panic", r))
		}
	}()

	switch ev.Type {
	case EventInstall:
		return w.install(ctx)
	case EventActivate:
		return w.activate(ctx)
	case EventPush:
		w.pushHandler.HandlePush(ctx, ev.Body)
		return nil
	case EventNotificationClick:
		w.pushHandler.HandleClick(ctx, ev.Click)
		return nil
	case EventMessage:
		return w.handleMessage(ctx, ev.Message)
	case EventSync:
		w.refreshShell(ctx)
		return nil
	default:
		w.logger.Warn("unknown event type", slog.Int("type", int(ev.Type)))
		return nil
	}
}

// Startup runs install and, with immediate takeover requested, activate.
func (w *Worker) Startup(ctx context.Context) error {
	if err := w.Dispatch(Event{Type: EventInstall}).Wait(ctx); err != nil {
		return err
	}
	if !w.opts.AutoActivate {
		return nil
	}
	return w.Dispatch(Event{Type: EventActivate}).Wait(ctx)
}

// install pre-populates the app shell with the full static asset manifest.
// Any asset failing fails the installation and the worker goes redundant.
func (w *Worker) install(ctx context.Context) error {
	if w.State() != StateInstalling {
		return fmt.Errorf("install in state %s", w.State())
	}

	shell := w.router.Shell()
	for _, path := range w.opts.ShellAssets {
		if err := w.precache(ctx, shell, path); err != nil {
			w.logger.Error("install failed",
				slog.String("asset", path),
				slog.String("error", err.Error()))
			w.setState(StateRedundant)
			return fmt.Errorf("failed to precache %s: %w", path, err)
		}
	}

	w.setState(StateInstalled)
	w.logger.Info("app shell precached", slog.Int("assets", len(w.opts.ShellAssets)))
	return nil
}

func (w *Worker) precache(ctx context.Context, shell *cachestore.Store, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	resp, err := w.fetcher.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !cachestore.Cacheable(resp) {
		return fmt.Errorf("asset responded with status %d", resp.StatusCode)
	}

	shell.Put(req, resp)
	return nil
}

// activate garbage-collects stores from prior generations and claims all open
// pages so they are served by this worker without a reload.
func (w *Worker) activate(ctx context.Context) error {
	switch w.State() {
	case StateInstalled:
	case StateRedundant:
		return ErrRedundant
	default:
		return fmt.Errorf("activate in state %s", w.State())
	}

	w.setState(StateActivating)

	deleted, err := w.stores.DeleteStoresNotIn(w.router.StoreNames())
	if err != nil {
		// GC failure leaves garbage behind but must not block activation.
		w.logger.Warn("cache generation cleanup incomplete", slog.String("error", err.Error()))
	}
	if len(deleted) > 0 {
		w.logger.Info("purged stale cache generations", slog.Any("stores", deleted))
	}

	if err := w.clients.Claim(ctx); err != nil {
		w.logger.Warn("failed to claim clients", slog.String("error", err.Error()))
	}

	w.setState(StateActivated)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg ControlMessage) error {
	switch msg.Type {
	case MessageSkipWaiting:
		if w.State() == StateInstalled {
			return w.activate(ctx)
		}
		w.logger.Debug("skip waiting ignored", slog.String("state", w.State().String()))
		return nil
	default:
		w.logger.Debug("unhandled control message", slog.String("type", msg.Type))
		return nil
	}
}

// refreshShell re-fetches the asset manifest best-effort. Used by sync events
// to repair a shell that went stale while the device was offline.
func (w *Worker) refreshShell(ctx context.Context) {
	shell := w.router.Shell()
	for _, path := range w.opts.ShellAssets {
		if err := w.precache(ctx, shell, path); err != nil {
			w.logger.Debug("shell refresh skipped asset",
				slog.String("asset", path),
				slog.String("error", err.Error()))
		}
	}
}

// HandleFetch resolves a network request through the router. Fetch events are
// not serialized through the event loop: concurrent fetches for the same URL
// converging on two responses is an accepted benign race.
func (w *Worker) HandleFetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if w.State() == StateRedundant {
		return nil, ErrRedundant
	}
	return w.router.Resolve(ctx, req)
}

// WaitUntil extends the worker's lifetime until fn returns. Shutdown waits for
// every registered task, so in-flight cache writes are not dropped.
func (w *Worker) WaitUntil(fn func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("background task panicked", slog.Any("panic", r))
			}
		}()
		fn()
	}()
}

// Supersede marks the worker redundant. New events are refused; work already
// registered through WaitUntil is allowed to complete.
func (w *Worker) Supersede() {
	w.setState(StateRedundant)
}

// Shutdown waits for registered background work to finish, up to the
// configured timeout.
func (w *Worker) Shutdown() error {
	w.logger.Info("shutting down worker")

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("all background work finished")
		return nil
	case <-time.After(w.opts.ShutdownTimeout):
		w.logger.Warn("worker shutdown timed out, background work may be incomplete")
		return fmt.Errorf("shutdown timeout after %s", w.opts.ShutdownTimeout)
	}
}
