// Package routing classifies inbound requests against the ordered route rule
// table and applies the matched caching strategy. Rules are evaluated in
// declaration order and the first match wins, regardless of specificity.
package routing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/routina/offline-gateway/internal/cachestore"
	"github.com/routina/offline-gateway/internal/config"
	"github.com/routina/offline-gateway/internal/logger"
	"github.com/routina/offline-gateway/internal/strategy"
	"log/slog"
)

// Options aggregates everything the router needs to build its strategy table.
type Options struct {
	// Rules is the ordered rule table. Nil selects the built-in defaults.
	Rules *config.RouteRulesConfig

	// CacheVersion suffixes every logical cache name to form the live store
	// name; bumping it is how cache-first content is ever refreshed.
	CacheVersion string

	// ShellCacheName is the logical name of the app-shell store.
	ShellCacheName string

	// StaticAssets is the static-asset allow-list served cache-first with an
	// offline fallback when no rule matches.
	StaticAssets []string

	// OfflineFallbackPath is the precached offline document.
	OfflineFallbackPath string

	// NetworkTimeout bounds network-first fetches.
	NetworkTimeout time.Duration
}

// DefaultShellCacheName is the logical app-shell store name.
const DefaultShellCacheName = "routina-shell"

// DefaultRouteRules is the compiled-in rule table, used when no routes.yaml is
// provided. Extension patterns are case-insensitive since URLs may carry
// mixed-case extensions.
func DefaultRouteRules() *config.RouteRulesConfig {
	return &config.RouteRulesConfig{
		Rules: []config.RouteRuleConfig{
			{
				Pattern:   `(?i)\.(png|jpe?g|gif|svg|webp|ico)(\?.*)?$`,
				Strategy:  config.StrategyCacheFirst,
				CacheName: "routina-images",
				Expiration: &config.ExpirationConfig{
					MaxEntries:    60,
					MaxAgeSeconds: 30 * 24 * 60 * 60,
				},
			},
			{
				Pattern:   `(?i)\.(js|css|woff2?)(\?.*)?$`,
				Strategy:  config.StrategyStaleWhileRevalidate,
				CacheName: "routina-static",
			},
			{
				Pattern:   `^/api/`,
				Strategy:  config.StrategyNetworkFirst,
				CacheName: "routina-api",
				Expiration: &config.ExpirationConfig{
					MaxEntries:    50,
					MaxAgeSeconds: 5 * 60,
				},
			},
		},
	}
}

type compiledRule struct {
	pattern  *regexp.Regexp
	strategy strategy.Strategy
	store    string
}

// Router routes requests to caching strategies. Only GET requests are
// intercepted; everything else passes through to the network untouched.
type Router struct {
	rules        []compiledRule
	fetcher      strategy.Fetcher
	shell        *cachestore.Store
	shellFirst   strategy.Strategy
	shellRefresh strategy.Strategy
	staticAssets map[string]struct{}
	offlinePath  string
	storeNames   []string
	logger       *logger.Logger
}

// NewRouter compiles the rule table into per-rule strategy instances bound to
// their live stores.
func NewRouter(opts Options, manager *cachestore.Manager, fetcher strategy.Fetcher, lifetime strategy.Lifetime, log *logger.Logger) (*Router, error) {
	rules := opts.Rules
	if rules == nil {
		rules = DefaultRouteRules()
	}

	shellName := opts.ShellCacheName
	if shellName == "" {
		shellName = DefaultShellCacheName
	}

	liveName := func(name string) string {
		return fmt.Sprintf("%s-%s", name, opts.CacheVersion)
	}

	shell := manager.Open(liveName(shellName))

	r := &Router{
		fetcher:      fetcher,
		shell:        shell,
		shellFirst:   strategy.NewCacheFirst(shell, fetcher, log),
		shellRefresh: strategy.NewStaleWhileRevalidate(shell, fetcher, lifetime, log),
		staticAssets: make(map[string]struct{}, len(opts.StaticAssets)),
		offlinePath:  opts.OfflineFallbackPath,
		storeNames:   []string{shell.Name()},
		logger:       log.WithComponent("router"),
	}

	for _, path := range opts.StaticAssets {
		r.staticAssets[path] = struct{}{}
	}

	seen := map[string]struct{}{shell.Name(): {}}
	for i, rule := range rules.Rules {
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d: bad pattern %q: %w", i, rule.Pattern, err)
		}

		store := manager.Open(liveName(rule.CacheName))
		if exp := rule.Expiration; exp != nil {
			store.SetExpiration(exp.MaxEntries, time.Duration(exp.MaxAgeSeconds)*time.Second)
		}
		if _, ok := seen[store.Name()]; !ok {
			seen[store.Name()] = struct{}{}
			r.storeNames = append(r.storeNames, store.Name())
		}

		var strat strategy.Strategy
		switch rule.Strategy {
		case config.StrategyCacheFirst:
			strat = strategy.NewCacheFirst(store, fetcher, log)
		case config.StrategyNetworkFirst:
			strat = strategy.NewNetworkFirst(store, shell, fetcher, opts.NetworkTimeout, opts.OfflineFallbackPath, log)
		case config.StrategyStaleWhileRevalidate:
			strat = strategy.NewStaleWhileRevalidate(store, fetcher, lifetime, log)
		default:
			return nil, fmt.Errorf("rule %d: %w", i, rule.Strategy.Validate())
		}

		r.rules = append(r.rules, compiledRule{
			pattern:  pattern,
			strategy: strat,
			store:    store.Name(),
		})
	}

	return r, nil
}

// Shell returns the live app-shell store.
func (r *Router) Shell() *cachestore.Store {
	return r.shell
}

// StoreNames returns the live store names of the current generation. This is
// the allow-list the lifecycle controller keeps during activation.
func (r *Router) StoreNames() []string {
	names := make([]string, len(r.storeNames))
	copy(names, r.storeNames)
	return names
}

// Resolve routes a request. Non-GET requests pass straight through to the
// network. GET requests take the first matching rule's strategy; unmatched
// same-origin static assets get cache-first with an offline fallback; unmatched
// same-origin document navigations get stale-while-revalidate against the app
// shell; everything else falls through to the network.
func (r *Router) Resolve(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return r.fetcher.Do(req.WithContext(ctx))
	}

	target := req.URL.RequestURI()
	for _, rule := range r.rules {
		if rule.pattern.MatchString(target) {
			r.logger.Debug("route rule matched",
				slog.String("url", target),
				slog.String("strategy", rule.strategy.Name()),
				slog.String("store", rule.store))
			return rule.strategy.Resolve(ctx, req)
		}
	}

	if r.sameOrigin(req) {
		if _, ok := r.staticAssets[req.URL.Path]; ok {
			return r.resolveStatic(ctx, req)
		}
		if strategy.IsNavigation(req) {
			return r.shellRefresh.Resolve(ctx, req)
		}
	}

	return r.fetcher.Do(req.WithContext(ctx))
}

// resolveStatic serves allow-listed assets cache-first and degrades to the
// offline document for navigations when both the store and the network fail.
func (r *Router) resolveStatic(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := r.shellFirst.Resolve(ctx, req)
	if err == nil {
		return resp, nil
	}

	if strategy.IsNavigation(req) {
		offReq, oerr := http.NewRequestWithContext(ctx, http.MethodGet, (&url.URL{Path: r.offlinePath}).String(), nil)
		if oerr == nil {
			if offline, merr := r.shell.Match(offReq); merr == nil {
				return offline, nil
			}
		}
	}

	return nil, err
}

// sameOrigin reports whether the request targets the gateway's own origin.
// Requests arriving with an origin-relative URL always do.
func (r *Router) sameOrigin(req *http.Request) bool {
	return req.URL.Host == "" || req.URL.Host == req.Host
}
