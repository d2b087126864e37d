package pushserver

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/routina/offline-gateway/internal/errors"
	"github.com/routina/offline-gateway/internal/logger"
	"github.com/routina/offline-gateway/internal/subscription"
)

// Handler exposes the push API over HTTP.
type Handler struct {
	service *Service
	logger  *logger.Logger

	// onSent, when set, receives the encoded push payload after a send so
	// locally connected clients get the notification without a round trip
	// through the push service.
	onSent func(payload []byte)
}

func NewHandler(service *Service, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  log,
	}
}

// OnSent registers a callback invoked with the payload of every sent
// notification.
func (h *Handler) OnSent(fn func(payload []byte)) {
	h.onSent = fn
}

// RegisterRoutes mounts the push API on the given router group.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/api/push/status", h.Status)
	r.GET("/api/push/vapid-public-key", h.VAPIDPublicKey)
	r.POST("/api/push/subscriptions", h.Subscribe)
	r.DELETE("/api/push/subscriptions", h.Unsubscribe)
	r.POST("/api/push/send", h.Send)
	r.GET("/api/notifications", h.Notifications)
	r.POST("/api/notifications/:id/read", h.MarkRead)
}

// Status reports whether push delivery is configured. Clients probe this
// before attempting to subscribe.
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, subscription.CapabilityStatus{
		Configured:         h.service.Configured(),
		PublicKeyAvailable: h.service.PublicKey() != "",
	})
}

func (h *Handler) VAPIDPublicKey(c *gin.Context) {
	key := h.service.PublicKey()
	if key == "" {
		errors.NotFound(c, "push delivery is not configured", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": key})
}

func (h *Handler) Subscribe(c *gin.Context) {
	var req subscription.SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.BadRequest(c, "invalid subscription payload", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	ctx := logger.WithEndpoint(c.Request.Context(), req.Subscription.Endpoint)
	if err := h.service.Subscribe(ctx, req); err != nil {
		h.logger.LogError(ctx, err, "failed to register subscription")
		errors.BadRequest(c, err.Error(), nil)
		return
	}

	c.Status(http.StatusCreated)
}

func (h *Handler) Unsubscribe(c *gin.Context) {
	endpoint := c.Query("endpoint")
	if endpoint == "" {
		errors.BadRequest(c, "endpoint query parameter is required", nil)
		return
	}

	ctx := logger.WithEndpoint(c.Request.Context(), endpoint)
	err := h.service.Unsubscribe(ctx, endpoint)
	switch {
	case stderrors.Is(err, ErrSubscriptionNotFound):
		errors.NotFound(c, "subscription not found", nil)
	case err != nil:
		h.logger.LogError(ctx, err, "failed to remove subscription")
		errors.Internal(c, "failed to remove subscription", nil)
	default:
		c.Status(http.StatusNoContent)
	}
}

// Send records a notification and pushes it to every subscription.
func (h *Handler) Send(c *gin.Context) {
	var in SendInput
	if err := c.ShouldBindJSON(&in); err != nil {
		errors.BadRequest(c, "invalid notification payload", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	rec, results, err := h.service.Send(c.Request.Context(), in)
	if err != nil {
		h.logger.LogError(c.Request.Context(), err, "failed to send notification")
		errors.Internal(c, "failed to send notification", nil)
		return
	}

	if h.onSent != nil {
		if payload, err := json.Marshal(map[string]interface{}{
			"title": rec.Title,
			"body":  rec.Body,
			"icon":  rec.Icon,
			"tag":   rec.Tag,
			"data":  map[string]string{"url": rec.URL},
		}); err == nil {
			h.onSent(payload)
		}
	}

	delivered := 0
	for _, r := range results {
		if r.Success {
			delivered++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"notification":  rec,
		"subscriptions": len(results),
		"delivered":     delivered,
	})
}

// Notifications lists notifications, filtered by status. The polling fallback
// calls this with status=sent to pick up pushes that never arrived.
func (h *Handler) Notifications(c *gin.Context) {
	status := c.DefaultQuery("status", "sent")

	records, err := h.service.Notifications(c.Request.Context(), status)
	if err != nil {
		h.logger.LogError(c.Request.Context(), err, "failed to list notifications")
		errors.Internal(c, "failed to list notifications", nil)
		return
	}
	if records == nil {
		records = []NotificationRecord{}
	}

	c.JSON(http.StatusOK, gin.H{"notifications": records})
}

func (h *Handler) MarkRead(c *gin.Context) {
	id := c.Param("id")

	err := h.service.MarkRead(c.Request.Context(), id)
	switch {
	case stderrors.Is(err, ErrNotificationNotFound):
		errors.NotFound(c, "notification not found", nil)
	case err != nil:
		h.logger.LogError(c.Request.Context(), err, "failed to mark notification read")
		errors.Internal(c, "failed to mark notification read", nil)
	default:
		c.Status(http.StatusNoContent)
	}
}
