// Package client tracks the open application windows over websocket. The hub
// is the worker's view of its clients: it renders notifications on them,
// focuses or opens windows for notification clicks, and carries the control
// messages between pages and the worker.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/routina/offline-gateway/internal/logger"
	"github.com/routina/offline-gateway/internal/push"
	"github.com/routina/offline-gateway/internal/worker"
	"log/slog"
)

// EventSink receives events routed from connected pages. The worker implements it.
type EventSink interface {
	Dispatch(ev worker.Event) *worker.Completion
}

// clientMessage is the envelope for page-to-worker messages.
type clientMessage struct {
	Type  string     `json:"type"`
	URL   string     `json:"url,omitempty"`
	Click push.Click `json:"click,omitempty"`
}

// serverMessage is the envelope for worker-to-page messages.
type serverMessage struct {
	Type         string             `json:"type"`
	Tag          string             `json:"tag,omitempty"`
	URL          string             `json:"url,omitempty"`
	Notification *push.Notification `json:"notification,omitempty"`
	Subscription interface{}        `json:"subscription,omitempty"`
}

type connection struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	pageURL string
}

func (c *connection) send(msg serverMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// Hub manages the websocket connections for open application windows.
type Hub struct {
	mu          sync.RWMutex
	connections map[*websocket.Conn]*connection

	sink     EventSink
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		connections: make(map[*websocket.Conn]*connection),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.WithComponent("client_hub"),
	}
}

// SetEventSink attaches the worker that receives page messages.
func (h *Hub) SetEventSink(sink EventSink) {
	h.sink = sink
}

// ServeWS upgrades a page connection and pumps its messages until it closes.
// The page's current URL arrives as the "url" query parameter and is updated
// by NAVIGATE messages.
func (h *Hub) ServeWS(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	conn := &connection{conn: ws, pageURL: c.Query("url")}
	h.register(conn)
	defer h.unregister(conn)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("malformed client message", slog.String("error", err.Error()))
			continue
		}

		h.handleClientMessage(c.Request.Context(), conn, msg)
	}
}

func (h *Hub) handleClientMessage(ctx context.Context, conn *connection, msg clientMessage) {
	switch msg.Type {
	case "NAVIGATE":
		h.mu.Lock()
		conn.pageURL = msg.URL
		h.mu.Unlock()
	case worker.MessageSkipWaiting:
		if h.sink != nil {
			h.sink.Dispatch(worker.Event{
				Type:    worker.EventMessage,
				Message: worker.ControlMessage{Type: worker.MessageSkipWaiting},
			})
		}
	case "NOTIFICATION_CLICK":
		if h.sink != nil {
			h.sink.Dispatch(worker.Event{
				Type:  worker.EventNotificationClick,
				Click: msg.Click,
			})
		}
	default:
		h.logger.Debug("unhandled client message", slog.String("type", msg.Type))
	}
}

func (h *Hub) register(conn *connection) {
	h.mu.Lock()
	h.connections[conn.conn] = conn
	h.mu.Unlock()

	h.logger.Debug("window connected",
		slog.String("url", conn.pageURL),
		slog.Int("windows", h.Count()))
}

func (h *Hub) unregister(conn *connection) {
	h.mu.Lock()
	delete(h.connections, conn.conn)
	h.mu.Unlock()
	conn.conn.Close()

	h.logger.Debug("window disconnected", slog.String("url", conn.pageURL))
}

// Count returns the number of connected windows.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

func (h *Hub) broadcast(msg serverMessage) {
	h.mu.RLock()
	conns := make([]*connection, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.send(msg); err != nil {
			h.logger.Debug("broadcast to window failed", slog.String("error", err.Error()))
		}
	}
}

// Show renders a notification on every connected window. Satisfies push.Notifier.
func (h *Hub) Show(ctx context.Context, n push.Notification) error {
	h.broadcast(serverMessage{Type: "NOTIFICATION", Notification: &n})
	return nil
}

// Close dismisses the notification with the tag on every window.
func (h *Hub) Close(ctx context.Context, tag string) error {
	h.broadcast(serverMessage{Type: "NOTIFICATION_CLOSE", Tag: tag})
	return nil
}

// hubWindow adapts a connection to push.Window.
type hubWindow struct {
	conn *connection
}

func (w *hubWindow) URL() string { return w.conn.pageURL }

func (w *hubWindow) Focus() error {
	return w.conn.send(serverMessage{Type: "FOCUS"})
}

// Find returns a window matching the target origin and, when one exists, the
// exact path. Satisfies push.Windows.
func (h *Hub) Find(origin, path string) (push.Window, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var originMatch *connection
	for _, conn := range h.connections {
		u, err := url.Parse(conn.pageURL)
		if err != nil {
			continue
		}
		if origin != "" && u.Host != "" && u.Host != origin {
			continue
		}
		if path != "" && u.Path == path {
			return &hubWindow{conn: conn}, true
		}
		if originMatch == nil {
			originMatch = conn
		}
	}

	if originMatch != nil {
		return &hubWindow{conn: originMatch}, true
	}
	return nil, false
}

// Open asks a connected window to open the URL in a new window. With no
// windows connected there is nothing to open on.
func (h *Hub) Open(targetURL string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conn := range h.connections {
		return conn.send(serverMessage{Type: "OPEN_WINDOW", URL: targetURL})
	}
	return errors.New("client: no windows connected")
}

// Claim notifies every page that this worker now controls it. Satisfies
// worker.Clients.
func (h *Hub) Claim(ctx context.Context) error {
	h.broadcast(serverMessage{Type: "CONTROLLER_CHANGE"})
	return nil
}

// NotifySubscriptionUpdated tells open pages the push subscription was renewed
// by the platform and the server-side mirror needs updating.
func (h *Hub) NotifySubscriptionUpdated(subscription interface{}) {
	h.broadcast(serverMessage{Type: worker.MessageSubscriptionUpdated, Subscription: subscription})
}
