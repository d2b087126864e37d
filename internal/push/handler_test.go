package push

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/routina/offline-gateway/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

type recordingNotifier struct {
	mu     sync.Mutex
	shown  []Notification
	closed []string
}

func (n *recordingNotifier) Show(_ context.Context, notif Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown = append(n.shown, notif)
	return nil
}

func (n *recordingNotifier) Close(_ context.Context, tag string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, tag)
	return nil
}

type scriptedWindow struct {
	url     string
	focused int
}

func (w *scriptedWindow) URL() string { return w.url }
func (w *scriptedWindow) Focus() error {
	w.focused++
	return nil
}

type scriptedWindows struct {
	window *scriptedWindow
	opened []string
}

func (w *scriptedWindows) Find(string, string) (Window, bool) {
	if w.window == nil {
		return nil, false
	}
	return w.window, true
}

func (w *scriptedWindows) Open(targetURL string) error {
	w.opened = append(w.opened, targetURL)
	return nil
}

func newTestHandler() (*Handler, *recordingNotifier, *scriptedWindows) {
	notifier := &recordingNotifier{}
	windows := &scriptedWindows{}
	return NewHandler(notifier, windows, Defaults{}, testLogger()), notifier, windows
}

func TestMalformedPayloadShowsExactlyOneGenericNotification(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"empty body", nil},
		{"invalid json", []byte(`{not json`)},
		{"missing title", []byte(`{"body":"no title here"}`)},
		{"wrong type", []byte(`"just a string"`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, notifier, _ := newTestHandler()

			handler.HandlePush(context.Background(), tt.body)

			notifier.mu.Lock()
			defer notifier.mu.Unlock()
			if len(notifier.shown) != 1 {
				t.Fatalf("notifications shown = %d, want exactly 1", len(notifier.shown))
			}
			n := notifier.shown[0]
			if n.Title != "Routina" {
				t.Errorf("title = %q, want the generic default", n.Title)
			}
			if n.Body == "" || n.URL == "" || n.Tag == "" {
				t.Errorf("fallback notification missing defaults: %+v", n)
			}
		})
	}
}

func TestStructuredPayloadGetsDefaultsForAbsentFields(t *testing.T) {
	handler, notifier, _ := newTestHandler()

	handler.HandlePush(context.Background(), []byte(`{"title":"Streak at risk","data":{"url":"/tasks/42"}}`))

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.shown) != 1 {
		t.Fatalf("notifications shown = %d", len(notifier.shown))
	}
	n := notifier.shown[0]
	if n.Title != "Streak at risk" {
		t.Errorf("title = %q", n.Title)
	}
	if n.URL != "/tasks/42" {
		t.Errorf("url = %q, want the payload target", n.URL)
	}
	if n.Body == "" || n.Icon == "" || n.Badge == "" || n.Tag == "" {
		t.Errorf("absent optional fields not defaulted: %+v", n)
	}
	if len(n.Actions) != len(DefaultActions) {
		t.Errorf("actions = %v, want the default action set", n.Actions)
	}
}

func TestClickClosesNotificationFirst(t *testing.T) {
	handler, notifier, _ := newTestHandler()

	handler.HandleClick(context.Background(), Click{Tag: "routina-notification", Action: "open", URL: "/tasks"})

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.closed) != 1 || notifier.closed[0] != "routina-notification" {
		t.Errorf("closed = %v, want the clicked tag", notifier.closed)
	}
}

func TestDismissActionStopsAfterClosing(t *testing.T) {
	for _, action := range []string{"dismiss", "close"} {
		t.Run(action, func(t *testing.T) {
			handler, _, windows := newTestHandler()
			windows.window = &scriptedWindow{url: "/tasks"}

			handler.HandleClick(context.Background(), Click{Tag: "t", Action: action, URL: "/tasks"})

			if windows.window.focused != 0 {
				t.Error("dismiss focused a window")
			}
			if len(windows.opened) != 0 {
				t.Errorf("dismiss opened windows: %v", windows.opened)
			}
		})
	}
}

func TestClickFocusesExistingWindow(t *testing.T) {
	handler, _, windows := newTestHandler()
	windows.window = &scriptedWindow{url: "/tasks/42"}

	handler.HandleClick(context.Background(), Click{Action: "open", URL: "/tasks/42"})

	if windows.window.focused != 1 {
		t.Errorf("focused = %d, want 1", windows.window.focused)
	}
	if len(windows.opened) != 0 {
		t.Errorf("opened a new window despite an existing match: %v", windows.opened)
	}
}

func TestClickOpensWindowWhenNoneMatches(t *testing.T) {
	handler, _, windows := newTestHandler()

	handler.HandleClick(context.Background(), Click{Action: "open", URL: "/tasks/42"})

	if len(windows.opened) != 1 || windows.opened[0] != "/tasks/42" {
		t.Errorf("opened = %v, want the click target", windows.opened)
	}
}

func TestClickWithoutURLRoutesToDefault(t *testing.T) {
	handler, _, windows := newTestHandler()

	handler.HandleClick(context.Background(), Click{Action: "open"})

	if len(windows.opened) != 1 || windows.opened[0] != "/dashboard" {
		t.Errorf("opened = %v, want the default target", windows.opened)
	}
}
