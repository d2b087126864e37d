package strategy

import (
	"context"
	"net/http"

	"github.com/routina/offline-gateway/internal/cachestore"
	"github.com/routina/offline-gateway/internal/logger"
	"log/slog"
)

// StaleWhileRevalidate serves the stored entry immediately and refreshes the
// store in the background. The caller may receive data one generation stale;
// the store only reflects the refresh on a later request.
type StaleWhileRevalidate struct {
	store    *cachestore.Store
	fetcher  Fetcher
	lifetime Lifetime
	logger   *logger.Logger
}

// NewStaleWhileRevalidate creates the strategy. lifetime keeps the background
// refresh alive through shutdown; pass Detached{} when no worker owns it.
func NewStaleWhileRevalidate(store *cachestore.Store, fetcher Fetcher, lifetime Lifetime, log *logger.Logger) *StaleWhileRevalidate {
	if lifetime == nil {
		lifetime = Detached{}
	}
	return &StaleWhileRevalidate{
		store:    store,
		fetcher:  fetcher,
		lifetime: lifetime,
		logger:   log.WithComponent("stale-while-revalidate"),
	}
}

func (s *StaleWhileRevalidate) Name() string { return "stale-while-revalidate" }

// Resolve returns the cached response without awaiting the network when the
// store hits; the refresh continues in the background and its failure is only
// logged, since the response has already been returned. On a miss the network
// result is awaited and returned.
func (s *StaleWhileRevalidate) Resolve(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cached, err := s.store.Match(req); err == nil {
		// Detach from the caller's context: the refresh outlives this request.
		refreshReq := req.Clone(context.Background())
		s.lifetime.WaitUntil(func() {
			s.revalidate(refreshReq)
		})
		return cached, nil
	}

	resp, err := s.fetcher.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}

	s.store.Put(req, resp)
	return resp, nil
}

func (s *StaleWhileRevalidate) revalidate(req *http.Request) {
	resp, err := s.fetcher.Do(req)
	if err != nil {
		s.logger.Debug("background revalidation failed",
			slog.String("url", req.URL.String()),
			slog.String("error", err.Error()))
		return
	}

	s.store.Put(req, resp)
	resp.Body.Close()
}
