package strategy

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestStaleWhileRevalidateDoesNotAwaitRefresh(t *testing.T) {
	store := newTestStore(t, "static")
	store.Put(getRequest(t, "/app.js"), okResponse(t, "v1"))

	release := make(chan struct{})
	fetcher := &scriptedFetcher{respond: func(*http.Request) (*http.Response, error) {
		// Hang until the test finishes; a blocked Resolve would time the test out.
		<-release
		return nil, errNetworkDown
	}}
	t.Cleanup(func() { close(release) })

	lifetime := &wgLifetime{}
	strat := NewStaleWhileRevalidate(store, fetcher, lifetime, testLogger())

	done := make(chan string, 1)
	go func() {
		resp, err := strat.Resolve(context.Background(), getRequest(t, "/app.js"))
		if err != nil {
			done <- "error: " + err.Error()
			return
		}
		done <- readBody(t, resp)
	}()

	select {
	case body := <-done:
		if body != "v1" {
			t.Errorf("body = %q, want the cached entry", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Resolve blocked on the background refresh")
	}
}

func TestStaleWhileRevalidateRefreshesInBackground(t *testing.T) {
	store := newTestStore(t, "static")
	store.Put(getRequest(t, "/app.js"), okResponse(t, "v1"))

	fetcher := &scriptedFetcher{respond: func(*http.Request) (*http.Response, error) {
		return okResponse(t, "v2"), nil
	}}
	lifetime := &wgLifetime{}
	strat := NewStaleWhileRevalidate(store, fetcher, lifetime, testLogger())

	resp, err := strat.Resolve(context.Background(), getRequest(t, "/app.js"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := readBody(t, resp); got != "v1" {
		t.Fatalf("body = %q, want the stale entry", got)
	}

	lifetime.wg.Wait()

	refreshed, err := store.Match(getRequest(t, "/app.js"))
	if err != nil {
		t.Fatalf("Match after refresh: %v", err)
	}
	if got := readBody(t, refreshed); got != "v2" {
		t.Errorf("store holds %q after refresh, want v2", got)
	}
}

func TestStaleWhileRevalidateRefreshFailureKeepsOldEntry(t *testing.T) {
	store := newTestStore(t, "static")
	store.Put(getRequest(t, "/app.js"), okResponse(t, "v1"))

	lifetime := &wgLifetime{}
	strat := NewStaleWhileRevalidate(store, failingFetcher(), lifetime, testLogger())

	resp, err := strat.Resolve(context.Background(), getRequest(t, "/app.js"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	readBody(t, resp)

	lifetime.wg.Wait()

	kept, err := store.Match(getRequest(t, "/app.js"))
	if err != nil {
		t.Fatalf("entry lost after failed refresh: %v", err)
	}
	if got := readBody(t, kept); got != "v1" {
		t.Errorf("store holds %q after failed refresh, want v1", got)
	}
}

func TestStaleWhileRevalidateMissAwaitsNetwork(t *testing.T) {
	store := newTestStore(t, "static")
	fetcher := &scriptedFetcher{respond: func(*http.Request) (*http.Response, error) {
		return okResponse(t, "first fetch"), nil
	}}
	strat := NewStaleWhileRevalidate(store, fetcher, &wgLifetime{}, testLogger())

	resp, err := strat.Resolve(context.Background(), getRequest(t, "/app.js"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := readBody(t, resp); got != "first fetch" {
		t.Errorf("body = %q, want the network response", got)
	}

	if _, err := store.Match(getRequest(t, "/app.js")); err != nil {
		t.Errorf("miss result was not stored: %v", err)
	}
	if fetcher.callCount() != 1 {
		t.Errorf("fetch count = %d, want 1", fetcher.callCount())
	}
}
