// Package subscription implements the client-side push subscription manager:
// capability probing, permission flow, subscribe/unsubscribe against the
// server mirror, and the polling safety net for pushes that never arrive.
package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/routina/offline-gateway/internal/logger"
	"log/slog"
)

// Registrar registers the worker and awaits its readiness.
type Registrar interface {
	Startup(ctx context.Context) error
}

// Options configures the subscription service.
type Options struct {
	// ServerURL is the base URL of the push server API.
	ServerURL string

	// Device is the metadata sent alongside a new subscription.
	Device DeviceInfo

	// Grace is how old a still-"sent" notification must be before the poller
	// surfaces it and marks it read.
	Grace time.Duration

	// HTTPTimeout bounds every server call.
	HTTPTimeout time.Duration
}

// Service is the subscription manager. Construct once at startup and pass by
// reference; all methods report success as booleans rather than throwing.
type Service struct {
	opts      Options
	client    *http.Client
	platform  Platform
	registrar Registrar

	// deliver surfaces a polled notification the same way a push would.
	deliver func(ctx context.Context, payload []byte)

	logger *logger.Logger

	mu    sync.Mutex
	state State
	sub   *PushSubscription

	pollMu sync.Mutex
	poller poller
}

// NewService creates the subscription manager.
func NewService(opts Options, platform Platform, registrar Registrar, deliver func(ctx context.Context, payload []byte), log *logger.Logger) *Service {
	if opts.HTTPTimeout == 0 {
		opts.HTTPTimeout = 15 * time.Second
	}
	if opts.Grace == 0 {
		opts.Grace = 30 * time.Second
	}
	if deliver == nil {
		deliver = func(context.Context, []byte) {}
	}

	return &Service{
		opts:      opts,
		client:    &http.Client{Timeout: opts.HTTPTimeout},
		platform:  platform,
		registrar: registrar,
		deliver:   deliver,
		logger:    log.WithComponent("subscription"),
		state:     StateUnsubscribed,
	}
}

// State returns the manager's current state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscription returns the current subscription, if any.
func (s *Service) Subscription() (*PushSubscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return nil, false
	}
	sub := *s.sub
	return &sub, true
}

func (s *Service) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.logger.Debug("subscription state changed", slog.String("state", string(state)))
}

// Initialize verifies platform support and server capability, registers the
// worker and awaits its readiness, and recovers a pre-existing subscription.
// A server without push configured is a clean "unavailable", not an error.
func (s *Service) Initialize(ctx context.Context) bool {
	if s.platform == nil || !s.platform.Supported() {
		s.logger.Info("push not supported on this platform")
		return false
	}

	status, ok := s.probeCapability(ctx)
	if !ok || !status.Configured || !status.PublicKeyAvailable {
		s.logger.Info("push not configured server-side, delivery unavailable")
		return false
	}

	if s.registrar != nil {
		if err := s.registrar.Startup(ctx); err != nil {
			s.logger.LogError(ctx, err, "worker registration failed")
			return false
		}
	}

	if sub, ok := s.platform.Current(); ok {
		s.mu.Lock()
		s.sub = sub
		s.state = StateSubscribed
		s.mu.Unlock()
		s.logger.Info("recovered existing subscription",
			slog.String("endpoint", sub.Endpoint))
	}

	return true
}

// probeCapability asks the server whether push delivery is configured. Any
// transport error, non-2xx status or malformed body reads as "not configured".
func (s *Service) probeCapability(ctx context.Context) (CapabilityStatus, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.ServerURL+"/api/push/status", nil)
	if err != nil {
		return CapabilityStatus{}, false
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("capability probe failed", slog.String("error", err.Error()))
		return CapabilityStatus{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return CapabilityStatus{}, false
	}

	var status CapabilityStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return CapabilityStatus{}, false
	}
	return status, true
}

// RequestPermission triggers the permission prompt and reports whether it was
// granted. Callers must only invoke this after a deliberate user action, or
// the browser will suppress future prompts.
func (s *Service) RequestPermission(ctx context.Context) bool {
	s.setState(StatePermissionRequested)

	perm, err := s.platform.RequestPermission(ctx)
	if err != nil {
		s.logger.LogError(ctx, err, "permission request failed")
		s.setState(StateUnsubscribed)
		return false
	}

	if perm == PermissionGranted {
		s.setState(StatePermissionGranted)
		return true
	}

	s.setState(StatePermissionDenied)
	return false
}

// Subscribe creates a subscription and registers it server-side. The VAPID
// public key is fetched fresh on every call since keys may rotate. A
// subscription the server never acknowledged is torn down locally rather than
// left half-created.
func (s *Service) Subscribe(ctx context.Context) bool {
	if s.platform.Permission() != PermissionGranted {
		s.logger.Warn("subscribe called without granted permission")
		return false
	}

	publicKey, ok := s.fetchPublicKey(ctx)
	if !ok {
		return false
	}

	sub, err := s.platform.Subscribe(ctx, publicKey)
	if err != nil {
		s.logger.LogError(ctx, err, "failed to create subscription")
		return false
	}

	if !s.registerWithServer(ctx, sub) {
		// Half-created: the server has no mirror, so the local handle is torn
		// down to avoid an inconsistent subscription.
		if err := s.platform.Unsubscribe(ctx); err != nil {
			s.logger.LogError(ctx, err, "failed to tear down unacknowledged subscription")
		}
		return false
	}

	s.mu.Lock()
	s.sub = sub
	s.state = StateSubscribed
	s.mu.Unlock()

	s.logger.Info("subscribed", slog.String("endpoint", sub.Endpoint))
	return true
}

func (s *Service) fetchPublicKey(ctx context.Context) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.ServerURL+"/api/push/vapid-public-key", nil)
	if err != nil {
		return "", false
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.LogError(ctx, err, "failed to fetch VAPID public key")
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Warn("VAPID public key unavailable", slog.Int("status", resp.StatusCode))
		return "", false
	}

	var body struct {
		PublicKey string `json:"publicKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.PublicKey == "" {
		return "", false
	}
	return body.PublicKey, true
}

func (s *Service) registerWithServer(ctx context.Context, sub *PushSubscription) bool {
	payload, err := json.Marshal(SubscribeRequest{
		Subscription: *sub,
		DeviceInfo:   s.opts.Device,
	})
	if err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.ServerURL+"/api/push/subscriptions", bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.LogError(ctx, err, "failed to register subscription server-side")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Warn("server refused subscription", slog.Int("status", resp.StatusCode))
		return false
	}
	return true
}

// Unsubscribe removes the server-side mirror first, then tears down the local
// subscription. If the server call fails the local handle is kept and the
// method reports failure: removing locally first would leak a dead
// subscription server-side.
func (s *Service) Unsubscribe(ctx context.Context) bool {
	sub, ok := s.platform.Current()
	if !ok {
		s.mu.Lock()
		s.sub = nil
		s.state = StateUnsubscribed
		s.mu.Unlock()
		return true
	}

	if !s.removeFromServer(ctx, sub.Endpoint) {
		return false
	}

	if err := s.platform.Unsubscribe(ctx); err != nil {
		s.logger.LogError(ctx, err, "failed to release local subscription")
		return false
	}

	s.mu.Lock()
	s.sub = nil
	s.state = StateUnsubscribed
	s.mu.Unlock()

	s.logger.Info("unsubscribed", slog.String("endpoint", sub.Endpoint))
	return true
}

func (s *Service) removeFromServer(ctx context.Context, endpoint string) bool {
	target := fmt.Sprintf("%s/api/push/subscriptions?endpoint=%s", s.opts.ServerURL, url.QueryEscape(endpoint))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return false
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.LogError(ctx, err, "failed to remove server-side subscription")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Warn("server refused subscription removal", slog.Int("status", resp.StatusCode))
		return false
	}
	return true
}
