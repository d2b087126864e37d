package pushserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"

	"github.com/routina/offline-gateway/internal/logger"
	"github.com/routina/offline-gateway/internal/subscription"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrNotificationNotFound = errors.New("notification not found")
)

// Options configures the push delivery service.
type Options struct {
	Enabled         bool
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subject         string
}

// Service stores subscriptions and delivers notifications over Web Push.
type Service struct {
	store  Store
	opts   Options
	logger *logger.Logger
}

// SendResult reports the outcome of a single push delivery attempt.
type SendResult struct {
	Endpoint string
	Success  bool
	Pruned   bool
	Error    error
}

// NewService creates a push delivery service. When push is enabled but no
// VAPID key pair is configured, a fresh pair is generated so the server still
// works out of the box; the keys do not survive a restart, which invalidates
// existing subscriptions, so production deployments should configure them.
func NewService(store Store, opts Options, log *logger.Logger) (*Service, error) {
	if opts.Enabled && (opts.VAPIDPublicKey == "" || opts.VAPIDPrivateKey == "") {
		private, public, err := webpush.GenerateVAPIDKeys()
		if err != nil {
			return nil, fmt.Errorf("failed to generate VAPID keys: %w", err)
		}
		opts.VAPIDPrivateKey = private
		opts.VAPIDPublicKey = public
		log.Warn("VAPID keys not configured, generated an ephemeral pair; subscriptions will not survive a restart")
	}
	if opts.Subject == "" {
		opts.Subject = "mailto:admin@routina.app"
	}

	return &Service{
		store:  store,
		opts:   opts,
		logger: log,
	}, nil
}

// Configured reports whether push delivery is enabled on this server.
func (s *Service) Configured() bool {
	return s.opts.Enabled
}

// PublicKey returns the VAPID public key clients subscribe with, or "" when
// push is disabled.
func (s *Service) PublicKey() string {
	if !s.opts.Enabled {
		return ""
	}
	return s.opts.VAPIDPublicKey
}

// Subscribe registers or refreshes a client subscription.
func (s *Service) Subscribe(ctx context.Context, req subscription.SubscribeRequest) error {
	if req.Subscription.Endpoint == "" {
		return fmt.Errorf("subscription endpoint is required")
	}
	if req.Subscription.Keys.P256dh == "" || req.Subscription.Keys.Auth == "" {
		return fmt.Errorf("subscription keys are required")
	}

	rec := SubscriptionRecord{
		ID:        uuid.NewString(),
		Endpoint:  req.Subscription.Endpoint,
		P256dh:    req.Subscription.Keys.P256dh,
		Auth:      req.Subscription.Keys.Auth,
		UserAgent: req.DeviceInfo.UserAgent,
		Platform:  req.DeviceInfo.Platform,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveSubscription(ctx, rec); err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}

	s.logger.WithContext(ctx).Info("push subscription registered",
		slog.String("platform", rec.Platform))
	return nil
}

// Unsubscribe removes the subscription for the given endpoint.
func (s *Service) Unsubscribe(ctx context.Context, endpoint string) error {
	deleted, err := s.store.DeleteSubscriptionByEndpoint(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if !deleted {
		return ErrSubscriptionNotFound
	}
	return nil
}

// Notifications lists notifications in the given status, newest last.
func (s *Service) Notifications(ctx context.Context, status string) ([]NotificationRecord, error) {
	return s.store.ListNotificationsByStatus(ctx, status)
}

// MarkRead acknowledges a sent notification.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	updated, err := s.store.MarkNotificationRead(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if !updated {
		return ErrNotificationNotFound
	}
	return nil
}

// SendInput is a notification to deliver to every subscribed client.
type SendInput struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon,omitempty"`
	Tag   string `json:"tag,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Send records the notification and pushes it to every stored subscription.
// Endpoints the push service reports as gone are pruned. The returned results
// carry one entry per subscription; a partial failure is not an error.
func (s *Service) Send(ctx context.Context, in SendInput) (NotificationRecord, []SendResult, error) {
	log := s.logger.WithContext(ctx)

	if in.Title == "" {
		return NotificationRecord{}, nil, fmt.Errorf("notification title is required")
	}

	rec := NotificationRecord{
		ID:        uuid.NewString(),
		Title:     in.Title,
		Body:      in.Body,
		Icon:      in.Icon,
		Tag:       in.Tag,
		URL:       in.URL,
		Status:    "sent",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateNotification(ctx, rec); err != nil {
		return NotificationRecord{}, nil, fmt.Errorf("failed to record notification: %w", err)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"title": rec.Title,
		"body":  rec.Body,
		"icon":  rec.Icon,
		"tag":   rec.Tag,
		"data":  map[string]string{"url": rec.URL},
	})
	if err != nil {
		return NotificationRecord{}, nil, fmt.Errorf("failed to encode push payload: %w", err)
	}

	subs, err := s.store.ListSubscriptions(ctx)
	if err != nil {
		return NotificationRecord{}, nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	results := make([]SendResult, 0, len(subs))
	successCount := 0
	for _, sub := range subs {
		result := s.sendOne(ctx, sub, payload)
		if result.Success {
			successCount++
		}
		results = append(results, result)
	}

	log.Info("push notification sent",
		slog.String("notification_id", rec.ID),
		slog.Int("subscriptions", len(subs)),
		slog.Int("delivered", successCount))

	return rec, results, nil
}

func (s *Service) sendOne(ctx context.Context, sub SubscriptionRecord, payload []byte) SendResult {
	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &webpush.Options{
		Subscriber:      s.opts.Subject,
		VAPIDPublicKey:  s.opts.VAPIDPublicKey,
		VAPIDPrivateKey: s.opts.VAPIDPrivateKey,
		TTL:             60,
	})
	if err != nil {
		s.logger.WithContext(ctx).Warn("push delivery failed",
			slog.String("error", err.Error()))
		return SendResult{Endpoint: sub.Endpoint, Error: err}
	}
	defer resp.Body.Close()

	// 404 and 410 mean the subscription is gone; keeping it only produces
	// repeated failures, so drop it.
	if resp.StatusCode == 404 || resp.StatusCode == 410 {
		if _, err := s.store.DeleteSubscriptionByEndpoint(ctx, sub.Endpoint); err != nil {
			s.logger.WithContext(ctx).Warn("failed to prune expired subscription",
				slog.String("error", err.Error()))
		}
		return SendResult{
			Endpoint: sub.Endpoint,
			Pruned:   true,
			Error:    fmt.Errorf("subscription expired (status %d)", resp.StatusCode),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SendResult{
			Endpoint: sub.Endpoint,
			Error:    fmt.Errorf("push service returned status %d", resp.StatusCode),
		}
	}

	return SendResult{Endpoint: sub.Endpoint, Success: true}
}
