package pushserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/routina/offline-gateway/internal/subscription"
)

func newTestRouter(t *testing.T, store Store) (*gin.Engine, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc := newTestService(t, store)
	handler := NewHandler(svc, testLogger())

	router := gin.New()
	handler.RegisterRoutes(router)
	return router, handler
}

func doJSON(t *testing.T, router *gin.Engine, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, newFakeStore())

	rec := doJSON(t, router, http.MethodGet, "/api/push/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var status subscription.CapabilityStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if !status.Configured || !status.PublicKeyAvailable {
		t.Errorf("capability = %+v, want configured with a key", status)
	}
}

func TestVAPIDPublicKeyEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, newFakeStore())

	rec := doJSON(t, router, http.MethodGet, "/api/push/vapid-public-key", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		PublicKey string `json:"publicKey"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.PublicKey == "" {
		t.Error("empty publicKey in response")
	}
}

func TestSubscribeEndpoint(t *testing.T) {
	store := newFakeStore()
	router, _ := newTestRouter(t, store)

	rec := doJSON(t, router, http.MethodPost, "/api/push/subscriptions", subscription.SubscribeRequest{
		Subscription: subscription.PushSubscription{
			Endpoint: "https://push.example.com/sub/1",
			Keys:     subscription.SubscriptionKeys{P256dh: "k", Auth: "a"},
		},
		DeviceInfo: subscription.DeviceInfo{UserAgent: "test", Platform: "linux"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if store.subscriptionCount() != 1 {
		t.Errorf("stored subscriptions = %d", store.subscriptionCount())
	}
}

func TestSubscribeEndpointRejectsBadPayloads(t *testing.T) {
	router, _ := newTestRouter(t, newFakeStore())

	tests := []struct {
		name string
		body interface{}
	}{
		{"missing endpoint", subscription.SubscribeRequest{
			Subscription: subscription.PushSubscription{
				Keys: subscription.SubscriptionKeys{P256dh: "k", Auth: "a"},
			},
		}},
		{"missing keys", subscription.SubscribeRequest{
			Subscription: subscription.PushSubscription{Endpoint: "https://push.example.com/x"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/api/push/subscriptions", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestUnsubscribeEndpoint(t *testing.T) {
	store := newFakeStore()
	store.SaveSubscription(context.Background(), SubscriptionRecord{
		ID: "1", Endpoint: "https://push.example.com/sub/1",
	})
	router, _ := newTestRouter(t, store)

	target := "/api/push/subscriptions?endpoint=" + url.QueryEscape("https://push.example.com/sub/1")
	rec := doJSON(t, router, http.MethodDelete, target, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if store.subscriptionCount() != 0 {
		t.Error("subscription not removed")
	}

	// Deleting again reports not found.
	rec = doJSON(t, router, http.MethodDelete, target, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for an unknown endpoint", rec.Code)
	}
}

func TestUnsubscribeEndpointRequiresEndpointParam(t *testing.T) {
	router, _ := newTestRouter(t, newFakeStore())

	rec := doJSON(t, router, http.MethodDelete, "/api/push/subscriptions", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestNotificationsEndpointMatchesPollerContract(t *testing.T) {
	store := newFakeStore()
	store.CreateNotification(context.Background(), NotificationRecord{
		ID:        "n1",
		Title:     "Task due",
		Body:      "Water the plants",
		Tag:       "routina-notification",
		URL:       "/tasks/42",
		Status:    "sent",
		CreatedAt: time.Now().Add(-time.Minute),
	})
	store.CreateNotification(context.Background(), NotificationRecord{
		ID: "n2", Title: "Old news", Status: "read", CreatedAt: time.Now(),
	})
	router, _ := newTestRouter(t, store)

	rec := doJSON(t, router, http.MethodGet, "/api/notifications?status=sent", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	// The field names here are load-bearing: the polling fallback decodes them.
	var body struct {
		Notifications []struct {
			ID        string    `json:"id"`
			Title     string    `json:"title"`
			Body      string    `json:"body"`
			Tag       string    `json:"tag"`
			URL       string    `json:"url"`
			CreatedAt time.Time `json:"createdAt"`
		} `json:"notifications"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Notifications) != 1 {
		t.Fatalf("notifications = %d, want only the sent one", len(body.Notifications))
	}
	n := body.Notifications[0]
	if n.ID != "n1" || n.Title != "Task due" || n.URL != "/tasks/42" || n.CreatedAt.IsZero() {
		t.Errorf("notification = %+v", n)
	}
}

func TestMarkReadEndpoint(t *testing.T) {
	store := newFakeStore()
	store.CreateNotification(context.Background(), NotificationRecord{
		ID: "n1", Title: "t", Status: "sent", CreatedAt: time.Now(),
	})
	router, _ := newTestRouter(t, store)

	rec := doJSON(t, router, http.MethodPost, "/api/notifications/n1/read", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/notifications/unknown/read", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestSendEndpointInvokesOnSent(t *testing.T) {
	router, handler := newTestRouter(t, newFakeStore())

	var sentPayload []byte
	handler.OnSent(func(payload []byte) { sentPayload = payload })

	rec := doJSON(t, router, http.MethodPost, "/api/push/send", SendInput{
		Title: "Task due",
		Body:  "Water the plants",
		URL:   "/tasks/42",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	if sentPayload == nil {
		t.Fatal("onSent callback not invoked")
	}
	var payload struct {
		Title string `json:"title"`
		Data  struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(sentPayload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Title != "Task due" || payload.Data.URL != "/tasks/42" {
		t.Errorf("payload = %s", sentPayload)
	}
}
