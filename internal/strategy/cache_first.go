package strategy

import (
	"context"
	"net/http"

	"github.com/routina/offline-gateway/internal/cachestore"
	"github.com/routina/offline-gateway/internal/logger"
	"log/slog"
)

// CacheFirst serves from the store and only contacts the network on a miss.
// Staleness is resolved by a version bump in the cache name, not by refetching.
type CacheFirst struct {
	store   *cachestore.Store
	fetcher Fetcher
	logger  *logger.Logger
}

// NewCacheFirst creates a cache-first strategy bound to a store.
func NewCacheFirst(store *cachestore.Store, fetcher Fetcher, log *logger.Logger) *CacheFirst {
	return &CacheFirst{
		store:   store,
		fetcher: fetcher,
		logger:  log.WithComponent("cache-first"),
	}
}

func (s *CacheFirst) Name() string { return "cache-first" }

// Resolve returns the cached response on a hit without touching the network.
// On a miss it fetches, stores a usable response, and returns it.
func (s *CacheFirst) Resolve(ctx context.Context, req *http.Request) (*http.Response, error) {
	if resp, err := s.store.Match(req); err == nil {
		return resp, nil
	}

	resp, err := s.fetcher.Do(req.WithContext(ctx))
	if err != nil {
		s.logger.Debug("network fetch failed on cache miss",
			slog.String("url", req.URL.String()),
			slog.String("error", err.Error()))
		return nil, err
	}

	s.store.Put(req, resp)
	return resp, nil
}
