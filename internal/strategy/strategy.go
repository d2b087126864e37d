// Package strategy implements the three caching strategies the request router
// selects between: cache-first, network-first and stale-while-revalidate.
package strategy

import (
	"context"
	"net/http"
	"strings"
)

// Fetcher issues a network fetch for a request. The gateway's upstream client
// implements it; tests substitute counting or hanging fakes.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Lifetime extends the worker's lifetime until a background task finishes, so
// shutdown does not drop in-flight cache writes. The worker implements it;
// Detached is the fallback when no worker is attached.
type Lifetime interface {
	WaitUntil(fn func())
}

// Strategy resolves a request using a named store and the network.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Detached runs background work on a plain goroutine with no lifetime tracking.
type Detached struct{}

func (Detached) WaitUntil(fn func()) { go fn() }

// IsNavigation reports whether a request is a document navigation: a GET whose
// Accept header asks for an HTML document.
func IsNavigation(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}
