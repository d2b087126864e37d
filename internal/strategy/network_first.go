package strategy

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/routina/offline-gateway/internal/cachestore"
	"github.com/routina/offline-gateway/internal/logger"
	"log/slog"
)

// NetworkFirst prefers a fresh fetch with a timeout tolerance and degrades to
// the store when the network fails. Document navigations that miss both get
// the offline fallback page from the app-shell store.
type NetworkFirst struct {
	store       *cachestore.Store
	shell       *cachestore.Store
	fetcher     Fetcher
	timeout     time.Duration
	offlinePath string
	logger      *logger.Logger
}

// NewNetworkFirst creates a network-first strategy. shell and offlinePath back
// the offline document fallback for navigations.
func NewNetworkFirst(store, shell *cachestore.Store, fetcher Fetcher, timeout time.Duration, offlinePath string, log *logger.Logger) *NetworkFirst {
	return &NetworkFirst{
		store:       store,
		shell:       shell,
		fetcher:     fetcher,
		timeout:     timeout,
		offlinePath: offlinePath,
		logger:      log.WithComponent("network-first"),
	}
}

func (s *NetworkFirst) Name() string { return "network-first" }

// Resolve fetches from the network, storing and returning a success. On
// failure (timeout included) it falls back to the store, then to the offline
// document for navigations, and finally propagates the network error.
func (s *NetworkFirst) Resolve(ctx context.Context, req *http.Request) (*http.Response, error) {
	fetchCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	resp, err := s.fetcher.Do(req.WithContext(fetchCtx))
	if err == nil {
		s.store.Put(req, resp)
		return resp, nil
	}

	s.logger.Debug("network fetch failed, falling back to cache",
		slog.String("url", req.URL.String()),
		slog.String("error", err.Error()))

	if cached, merr := s.store.Match(req); merr == nil {
		return cached, nil
	}

	if IsNavigation(req) {
		if offline, oerr := s.offlineFallback(ctx); oerr == nil {
			return offline, nil
		}
	}

	return nil, err
}

// offlineFallback serves the precached offline document from the shell store.
func (s *NetworkFirst) offlineFallback(ctx context.Context) (*http.Response, error) {
	offReq, err := http.NewRequestWithContext(ctx, http.MethodGet, (&url.URL{Path: s.offlinePath}).String(), nil)
	if err != nil {
		return nil, err
	}
	return s.shell.Match(offReq)
}
