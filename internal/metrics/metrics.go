// Package metrics exposes Prometheus counters for the caching and push layers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routina_cache_hits_total",
		Help: "Cache lookups satisfied from a named store.",
	}, []string{"store"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routina_cache_misses_total",
		Help: "Cache lookups that fell through to the network, stale entries included.",
	}, []string{"store"})

	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routina_cache_evictions_total",
		Help: "Entries evicted from a named store by the max-entries cap.",
	}, []string{"store"})

	CachePutRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routina_cache_put_rejected_total",
		Help: "Responses refused by a store (error status or write failure).",
	}, []string{"store"})

	PushDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "routina_push_delivered_total",
		Help: "Push events that surfaced a notification.",
	})

	PushFallback = promauto.NewCounter(prometheus.CounterOpts{
		Name: "routina_push_fallback_total",
		Help: "Push events with a malformed payload that surfaced the generic notification.",
	})
)

// Handler returns the HTTP handler serving the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
