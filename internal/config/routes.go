package config

import (
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/goccy/go-yaml"
)

// CachingStrategy identifies which caching algorithm a route rule applies.
type CachingStrategy string

const (
	// StrategyCacheFirst serves from the store and only touches the network on a miss.
	StrategyCacheFirst CachingStrategy = "cache-first"

	// StrategyNetworkFirst prefers a fresh fetch and falls back to the store offline.
	StrategyNetworkFirst CachingStrategy = "network-first"

	// StrategyStaleWhileRevalidate serves the stored entry immediately and refreshes
	// the store in the background.
	StrategyStaleWhileRevalidate CachingStrategy = "stale-while-revalidate"
)

// Validate checks that a CachingStrategy holds one of the three known values.
func (s CachingStrategy) Validate() error {
	switch s {
	case StrategyCacheFirst, StrategyNetworkFirst, StrategyStaleWhileRevalidate:
		return nil
	default:
		return fmt.Errorf(
			"bad caching strategy %q: must be one of %q, %q, %q",
			string(s),
			string(StrategyCacheFirst),
			string(StrategyNetworkFirst),
			string(StrategyStaleWhileRevalidate),
		)
	}
}

// RouteRulesConfig is the external route rule table. Rules are evaluated in
// declaration order and the first matching rule wins, regardless of specificity.
type RouteRulesConfig struct {
	Rules []RouteRuleConfig `yaml:"rules"`
}

// RouteRuleConfig is a single entry of the rule table.
type RouteRuleConfig struct {
	// Pattern is a regular expression matched against the request URL path
	// (query string included). File-extension patterns should use (?i) since
	// URLs may carry mixed-case extensions.
	Pattern string `yaml:"pattern"`

	// Strategy selects the caching algorithm for matching requests.
	Strategy CachingStrategy `yaml:"strategy"`

	// CacheName is the logical store the rule reads and writes. The live cache
	// version is appended by the store manager.
	CacheName string `yaml:"cache_name"`

	// Expiration holds the optional soft limits for the store.
	Expiration *ExpirationConfig `yaml:"expiration"`
}

// ExpirationConfig declares soft limits for a named store. MaxEntries caps the
// store with oldest-inserted-first eviction; MaxAgeSeconds is a staleness
// horizon past which entries are treated as misses.
type ExpirationConfig struct {
	MaxEntries    int `yaml:"max_entries"`
	MaxAgeSeconds int `yaml:"max_age_seconds"`
}

// Validate checks the rule table: non-empty rules, compilable patterns, known
// strategies, named caches, and sane expiration limits. Rules may share a
// cache_name, but their expiration blocks must agree: the limits attach to the
// store, so diverging declarations would silently overwrite each other.
func (cfg *RouteRulesConfig) Validate() error {
	if len(cfg.Rules) == 0 {
		return errors.New("route rules file declares no rules")
	}

	expirations := make(map[string]*ExpirationConfig)
	for i, rule := range cfg.Rules {
		if rule.Pattern == "" {
			return fmt.Errorf("rule %d: empty pattern", i)
		}
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("rule %d: bad pattern %q: %w", i, rule.Pattern, err)
		}
		if err := rule.Strategy.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if rule.CacheName == "" {
			return fmt.Errorf("rule %d: empty cache_name", i)
		}
		if exp := rule.Expiration; exp != nil {
			if exp.MaxEntries < 0 || exp.MaxAgeSeconds < 0 {
				return fmt.Errorf("rule %d: negative expiration limits", i)
			}
			if prev, ok := expirations[rule.CacheName]; ok && *prev != *exp {
				return fmt.Errorf("rule %d: cache %q already declared with different expiration limits", i, rule.CacheName)
			}
			expirations[rule.CacheName] = exp
		}
	}

	return nil
}

// LoadRouteRulesFile reads and validates a YAML route rule table into cfg.
func LoadRouteRulesFile(r io.Reader, cfg *Config) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read route rules: %w", err)
	}

	rules := &RouteRulesConfig{}
	if err := yaml.Unmarshal(data, rules); err != nil {
		return fmt.Errorf("failed to parse route rules: %w", err)
	}

	if err := rules.Validate(); err != nil {
		return err
	}

	cfg.RouteRules = rules
	return nil
}
