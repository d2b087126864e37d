package logger

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func testLogger() *Logger {
	return New(Config{Level: slog.LevelError})
}

func TestMiddlewareMintsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var seen string
	router := gin.New()
	router.Use(RequestLoggingMiddleware(testLogger()))
	router.GET("/ping", func(c *gin.Context) {
		seen, _ = c.Request.Context().Value(ContextKeyRequestID).(string)
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if seen == "" {
		t.Error("no request ID in the handler context")
	}
}

func TestMiddlewareReusesInboundRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var seen string
	router := gin.New()
	router.Use(RequestLoggingMiddleware(testLogger()))
	router.GET("/ping", func(c *gin.Context) {
		seen, _ = c.Request.Context().Value(ContextKeyRequestID).(string)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("x-request-id", "upstream-trace-42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if seen != "upstream-trace-42" {
		t.Errorf("request ID = %q, want the inbound header value", seen)
	}
}
