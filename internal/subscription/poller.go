package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"log/slog"
)

// poller wraps the cron scheduler so StopPolling is safe before StartPolling.
type poller struct {
	cron *cron.Cron
}

// polledNotification is the server's notification record as seen by the
// polling fallback.
type polledNotification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Icon      string    `json:"icon,omitempty"`
	Tag       string    `json:"tag,omitempty"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// StartPolling schedules the notification polling fallback. It compensates for
// pushes that silently fail to arrive and is a safety net with much longer
// latency, not a replacement for the push channel.
func (s *Service) StartPolling(schedule string) error {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	if s.poller.cron != nil {
		return fmt.Errorf("subscription: polling already started")
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, s.pollOnce); err != nil {
		return fmt.Errorf("bad polling schedule %q: %w", schedule, err)
	}
	c.Start()
	s.poller.cron = c

	s.logger.Info("notification polling started", slog.String("schedule", schedule))
	return nil
}

// StopPolling stops the fallback poller and waits for an in-flight run.
func (s *Service) StopPolling() {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	if s.poller.cron == nil {
		return
	}
	<-s.poller.cron.Stop().Done()
	s.poller.cron = nil
}

// pollOnce fetches notifications still in "sent" state, surfaces those older
// than the grace period as if they had arrived by push, and marks them read.
func (s *Service) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.ServerURL+"/api/notifications?status=sent", nil)
	if err != nil {
		return
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("notification poll failed", slog.String("error", err.Error()))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Debug("notification poll refused", slog.Int("status", resp.StatusCode))
		return
	}

	var body struct {
		Notifications []polledNotification `json:"notifications"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		s.logger.Debug("malformed poll response", slog.String("error", err.Error()))
		return
	}

	for _, n := range body.Notifications {
		if time.Since(n.CreatedAt) < s.opts.Grace {
			// Young enough that the push may still arrive; leave it for the
			// next poll rather than double-delivering.
			continue
		}

		payload, err := json.Marshal(map[string]interface{}{
			"title": n.Title,
			"body":  n.Body,
			"icon":  n.Icon,
			"tag":   n.Tag,
			"data":  map[string]string{"url": n.URL},
		})
		if err != nil {
			continue
		}

		s.deliver(ctx, payload)
		s.markRead(ctx, n.ID)
	}
}

func (s *Service) markRead(ctx context.Context, id string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.ServerURL+"/api/notifications/"+id+"/read", nil)
	if err != nil {
		return
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("failed to mark notification read",
			slog.String("id", id),
			slog.String("error", err.Error()))
		return
	}
	resp.Body.Close()
}
