package subscription

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
)

func TestLocalPlatformPermissionFlow(t *testing.T) {
	answers := []bool{false}
	platform := NewLocalPlatform("https://push.routina.app", func(context.Context) bool {
		answer := answers[0]
		answers = answers[1:]
		return answer
	})

	if got := platform.Permission(); got != PermissionDefault {
		t.Fatalf("initial permission = %q", got)
	}

	perm, err := platform.RequestPermission(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if perm != PermissionDenied {
		t.Fatalf("permission = %q, want denied", perm)
	}

	// Denied is terminal: the prompt must not be shown again. A second call
	// reaching the prompter would panic on the drained answers slice.
	perm, err = platform.RequestPermission(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if perm != PermissionDenied {
		t.Errorf("permission after re-request = %q, want still denied", perm)
	}
}

func TestLocalPlatformSubscribeRequiresPermission(t *testing.T) {
	platform := NewLocalPlatform("https://push.routina.app", func(context.Context) bool { return false })
	platform.RequestPermission(context.Background())

	if _, err := platform.Subscribe(context.Background(), "vapid-key"); err == nil {
		t.Fatal("Subscribe succeeded without granted permission")
	}
}

func TestLocalPlatformSubscribeMintsUsableKeys(t *testing.T) {
	platform := NewLocalPlatform("https://push.routina.app/", nil)
	platform.RequestPermission(context.Background())

	sub, err := platform.Subscribe(context.Background(), "vapid-key")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if !strings.HasPrefix(sub.Endpoint, "https://push.routina.app/push/") {
		t.Errorf("endpoint = %q", sub.Endpoint)
	}

	p256dh, err := base64.RawURLEncoding.DecodeString(sub.Keys.P256dh)
	if err != nil {
		t.Fatalf("p256dh not base64url: %v", err)
	}
	if len(p256dh) != 65 {
		t.Errorf("p256dh length = %d, want a 65-byte uncompressed P-256 point", len(p256dh))
	}

	auth, err := base64.RawURLEncoding.DecodeString(sub.Keys.Auth)
	if err != nil {
		t.Fatalf("auth not base64url: %v", err)
	}
	if len(auth) != 16 {
		t.Errorf("auth length = %d, want 16", len(auth))
	}

	if current, ok := platform.Current(); !ok || current.Endpoint != sub.Endpoint {
		t.Error("Current does not return the minted subscription")
	}
}

func TestLocalPlatformSubscribeRejectsEmptyKey(t *testing.T) {
	platform := NewLocalPlatform("https://push.routina.app", nil)
	platform.RequestPermission(context.Background())

	if _, err := platform.Subscribe(context.Background(), ""); err == nil {
		t.Fatal("Subscribe accepted an empty VAPID key")
	}
}

func TestLocalPlatformUnsubscribeClearsSubscription(t *testing.T) {
	platform := NewLocalPlatform("https://push.routina.app", nil)
	platform.RequestPermission(context.Background())
	if _, err := platform.Subscribe(context.Background(), "vapid-key"); err != nil {
		t.Fatal(err)
	}

	if err := platform.Unsubscribe(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := platform.Current(); ok {
		t.Error("subscription survived Unsubscribe")
	}
}
