package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/routina/offline-gateway/internal/logger"
	"github.com/routina/offline-gateway/internal/push"
	"github.com/routina/offline-gateway/internal/worker"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

// recordingSink records every event routed from pages to the worker.
type recordingSink struct {
	mu     sync.Mutex
	events []worker.Event
}

func (s *recordingSink) Dispatch(ev worker.Event) *worker.Completion {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) all() []worker.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]worker.Event, len(s.events))
	copy(out, s.events)
	return out
}

func newTestHub(t *testing.T) (*Hub, *recordingSink, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(testLogger())
	sink := &recordingSink{}
	hub.SetEventSink(sink)

	router := gin.New()
	router.GET("/ws", hub.ServeWS)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return hub, sink, srv
}

func dialWindow(t *testing.T, srv *httptest.Server, pageURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?url=" + pageURL
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitForCount(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Count = %d, want %d", hub.Count(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readMessage(t *testing.T, ws *websocket.Conn) serverMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg serverMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return msg
}

func TestShowBroadcastsNotification(t *testing.T) {
	hub, _, srv := newTestHub(t)
	ws := dialWindow(t, srv, "/dashboard")
	waitForCount(t, hub, 1)

	if err := hub.Show(context.Background(), push.Notification{Title: "Task due", Tag: "t1"}); err != nil {
		t.Fatalf("Show: %v", err)
	}

	msg := readMessage(t, ws)
	if msg.Type != "NOTIFICATION" {
		t.Errorf("type = %q", msg.Type)
	}
	if msg.Notification == nil || msg.Notification.Title != "Task due" {
		t.Errorf("notification = %+v", msg.Notification)
	}
}

func TestSkipWaitingMessageReachesTheSink(t *testing.T) {
	hub, sink, srv := newTestHub(t)
	ws := dialWindow(t, srv, "/dashboard")
	waitForCount(t, hub, 1)

	payload, _ := json.Marshal(map[string]string{"type": worker.MessageSkipWaiting})
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		events := sink.all()
		if len(events) == 1 {
			if events[0].Type != worker.EventMessage || events[0].Message.Type != worker.MessageSkipWaiting {
				t.Errorf("event = %+v", events[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("skip-waiting message never reached the sink")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNotificationClickRoutesToSink(t *testing.T) {
	hub, sink, srv := newTestHub(t)
	ws := dialWindow(t, srv, "/dashboard")
	waitForCount(t, hub, 1)

	payload, _ := json.Marshal(clientMessage{
		Type:  "NOTIFICATION_CLICK",
		Click: push.Click{Tag: "t1", Action: "open", URL: "/tasks/42"},
	})
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		events := sink.all()
		if len(events) == 1 {
			ev := events[0]
			if ev.Type != worker.EventNotificationClick || ev.Click.URL != "/tasks/42" {
				t.Errorf("event = %+v", ev)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("click never reached the sink")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFindPrefersExactPathMatch(t *testing.T) {
	hub, _, srv := newTestHub(t)
	dialWindow(t, srv, "/dashboard")
	dialWindow(t, srv, "/tasks/42")
	waitForCount(t, hub, 2)

	win, ok := hub.Find("", "/tasks/42")
	if !ok {
		t.Fatal("Find returned no window")
	}
	if win.URL() != "/tasks/42" {
		t.Errorf("found window %q, want the exact path match", win.URL())
	}
}

func TestFindWithNoWindows(t *testing.T) {
	hub, _, _ := newTestHub(t)

	if _, ok := hub.Find("", "/anything"); ok {
		t.Error("Find reported a window with none connected")
	}
}

func TestOpenWithNoWindowsFails(t *testing.T) {
	hub, _, _ := newTestHub(t)

	if err := hub.Open("/tasks"); err == nil {
		t.Error("Open succeeded with no connected windows")
	}
}

func TestClaimBroadcastsControllerChange(t *testing.T) {
	hub, _, srv := newTestHub(t)
	ws := dialWindow(t, srv, "/dashboard")
	waitForCount(t, hub, 1)

	if err := hub.Claim(context.Background()); err != nil {
		t.Fatal(err)
	}

	msg := readMessage(t, ws)
	if msg.Type != "CONTROLLER_CHANGE" {
		t.Errorf("type = %q", msg.Type)
	}
}

func TestNavigateUpdatesWindowURL(t *testing.T) {
	hub, _, srv := newTestHub(t)
	ws := dialWindow(t, srv, "/dashboard")
	waitForCount(t, hub, 1)

	payload, _ := json.Marshal(clientMessage{Type: "NAVIGATE", URL: "/calendar"})
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if win, ok := hub.Find("", "/calendar"); ok && win.URL() == "/calendar" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("NAVIGATE did not update the tracked URL")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
