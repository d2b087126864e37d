package subscription

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestPollOnceSurfacesOverdueNotifications(t *testing.T) {
	now := time.Now()

	var readMu sync.Mutex
	var markedRead []string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/notifications", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") != "sent" {
			t.Errorf("poll used status %q, want sent", r.URL.Query().Get("status"))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"notifications": []polledNotification{
				{ID: "overdue", Title: "Task due", Body: "b", URL: "/tasks/1", CreatedAt: now.Add(-time.Minute)},
				{ID: "fresh", Title: "Just sent", CreatedAt: now},
			},
		})
	})
	mux.HandleFunc("POST /api/notifications/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		readMu.Lock()
		markedRead = append(markedRead, r.PathValue("id"))
		readMu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var deliveredMu sync.Mutex
	var delivered []string
	deliver := func(_ context.Context, payload []byte) {
		var p struct {
			Title string `json:"title"`
			Data  struct {
				URL string `json:"url"`
			} `json:"data"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			t.Errorf("malformed delivered payload: %v", err)
			return
		}
		deliveredMu.Lock()
		delivered = append(delivered, p.Title+" "+p.Data.URL)
		deliveredMu.Unlock()
	}

	svc := NewService(Options{
		ServerURL: srv.URL,
		Grace:     10 * time.Second,
	}, newFakePlatform(), nil, deliver, testLogger())

	svc.pollOnce()

	deliveredMu.Lock()
	defer deliveredMu.Unlock()
	if len(delivered) != 1 || delivered[0] != "Task due /tasks/1" {
		t.Errorf("delivered = %v, want only the overdue notification", delivered)
	}

	readMu.Lock()
	defer readMu.Unlock()
	if len(markedRead) != 1 || markedRead[0] != "overdue" {
		t.Errorf("marked read = %v, want only the overdue notification", markedRead)
	}
}

func TestPollOnceToleratesServerFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	called := false
	svc := NewService(Options{ServerURL: srv.URL}, newFakePlatform(), nil,
		func(context.Context, []byte) { called = true }, testLogger())

	svc.pollOnce()

	if called {
		t.Error("a failed poll delivered a notification")
	}
}

func TestStartPollingTwiceFails(t *testing.T) {
	svc := NewService(Options{ServerURL: "http://irrelevant.invalid"}, newFakePlatform(), nil, nil, testLogger())

	if err := svc.StartPolling("@every 1h"); err != nil {
		t.Fatalf("StartPolling: %v", err)
	}
	t.Cleanup(svc.StopPolling)

	if err := svc.StartPolling("@every 1h"); err == nil {
		t.Fatal("second StartPolling succeeded")
	}
}

func TestStartPollingRejectsBadSchedule(t *testing.T) {
	svc := NewService(Options{ServerURL: "http://irrelevant.invalid"}, newFakePlatform(), nil, nil, testLogger())

	if err := svc.StartPolling("not a schedule"); err == nil {
		t.Fatal("bad schedule accepted")
	}
}

func TestStopPollingBeforeStartIsSafe(t *testing.T) {
	svc := NewService(Options{ServerURL: "http://irrelevant.invalid"}, newFakePlatform(), nil, nil, testLogger())
	svc.StopPolling()
}
