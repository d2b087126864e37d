// Package push implements the push delivery handler: payload parsing with a
// generic fallback, notification rendering, and click routing to an existing
// or newly opened window.
package push

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/routina/offline-gateway/internal/logger"
	"github.com/routina/offline-gateway/internal/metrics"
	"log/slog"
)

// Notifier renders and dismisses user-visible notifications.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, tag string) error
}

// Window is an open application window.
type Window interface {
	URL() string
	Focus() error
}

// Windows enumerates and opens application windows.
type Windows interface {
	// Find returns a window matching the origin and, when determinable, the path.
	Find(origin, path string) (Window, bool)

	// Open opens a new window at the URL.
	Open(targetURL string) error
}

// Defaults carries the fallbacks applied to sparse payloads.
type Defaults struct {
	Title string
	Body  string
	Icon  string
	Badge string
	URL   string
	Tag   string
}

// DefaultActions is the fixed action set rendered when a payload declares none.
var DefaultActions = []Action{
	{Action: "open", Title: "Open"},
	{Action: "dismiss", Title: "Dismiss"},
}

// Handler receives push events and notification clicks. Every entry point
// catches and logs internally; nothing escapes an event handler uncaught.
type Handler struct {
	notifier Notifier
	windows  Windows
	defaults Defaults
	logger   *logger.Logger
}

// NewHandler creates a push delivery handler.
func NewHandler(notifier Notifier, windows Windows, defaults Defaults, log *logger.Logger) *Handler {
	if defaults.Title == "" {
		defaults.Title = "Routina"
	}
	if defaults.Body == "" {
		defaults.Body = "You have a new notification."
	}
	if defaults.Icon == "" {
		defaults.Icon = "/logo192.png"
	}
	if defaults.Badge == "" {
		defaults.Badge = "/logo192.png"
	}
	if defaults.URL == "" {
		defaults.URL = "/dashboard"
	}
	if defaults.Tag == "" {
		defaults.Tag = "routina-notification"
	}

	return &Handler{
		notifier: notifier,
		windows:  windows,
		defaults: defaults,
		logger:   log.WithComponent("push"),
	}
}

// HandlePush parses the push body and renders a notification. A malformed or
// absent payload substitutes the generic notification instead of dropping the
// event: a silent drop erodes trust in the channel.
func (h *Handler) HandlePush(ctx context.Context, body []byte) {
	n, parsed := h.render(body)
	if !parsed {
		h.logger.Warn("unparseable push payload, using fallback notification",
			slog.Int("body_length", len(body)))
		metrics.PushFallback.Inc()
	}

	if err := h.notifier.Show(ctx, n); err != nil {
		h.logger.LogError(ctx, err, "failed to show notification", "tag", n.Tag)
		return
	}

	metrics.PushDelivered.Inc()
	h.logger.Info("notification shown",
		slog.String("tag", n.Tag),
		slog.String("title", n.Title))
}

// render resolves a payload into a notification, reporting whether the body
// parsed as structured data.
func (h *Handler) render(body []byte) (Notification, bool) {
	fallback := Notification{
		Title:   h.defaults.Title,
		Body:    h.defaults.Body,
		Icon:    h.defaults.Icon,
		Badge:   h.defaults.Badge,
		URL:     h.defaults.URL,
		Tag:     h.defaults.Tag,
		Actions: DefaultActions,
	}

	if len(body) == 0 {
		return fallback, false
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil || p.Title == "" {
		return fallback, false
	}

	n := Notification{
		Title:              p.Title,
		Body:               p.Body,
		Icon:               p.Icon,
		Badge:              p.Badge,
		URL:                p.Data.URL,
		Tag:                p.Tag,
		Actions:            p.Actions,
		RequireInteraction: p.RequireInteraction,
	}
	if n.Body == "" {
		n.Body = h.defaults.Body
	}
	if n.Icon == "" {
		n.Icon = h.defaults.Icon
	}
	if n.Badge == "" {
		n.Badge = h.defaults.Badge
	}
	if n.URL == "" {
		n.URL = h.defaults.URL
	}
	if n.Tag == "" {
		n.Tag = h.defaults.Tag
	}
	if len(n.Actions) == 0 {
		n.Actions = DefaultActions
	}
	return n, true
}

// HandleClick routes a notification click. The notification is closed first;
// dismiss actions stop there. Otherwise an existing window for the target is
// focused, or a new one is opened, so tabs do not proliferate.
func (h *Handler) HandleClick(ctx context.Context, click Click) {
	if err := h.notifier.Close(ctx, click.Tag); err != nil {
		h.logger.Debug("failed to close notification", slog.String("error", err.Error()))
	}

	if click.Action == "dismiss" || click.Action == "close" {
		return
	}

	target := click.URL
	if target == "" {
		target = h.defaults.URL
	}

	parsed, err := url.Parse(target)
	if err != nil {
		h.logger.Warn("bad click target URL", slog.String("url", target))
		parsed = &url.URL{Path: h.defaults.URL}
		target = parsed.String()
	}

	if win, ok := h.windows.Find(parsed.Host, parsed.Path); ok {
		if err := win.Focus(); err == nil {
			return
		}
		h.logger.Debug("failed to focus window, opening a new one")
	}

	if err := h.windows.Open(target); err != nil {
		h.logger.LogError(ctx, err, "failed to open window", "url", target)
	}
}
