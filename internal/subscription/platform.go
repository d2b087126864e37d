package subscription

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Platform is the push platform the manager drives: permission prompts and
// subscription creation. The real browser APIs sit behind this boundary;
// LocalPlatform stands in for them, and tests substitute scripted fakes.
type Platform interface {
	// Supported reports whether worker, push and notification APIs are all present.
	Supported() bool

	// Permission returns the current notification permission.
	Permission() PermissionState

	// RequestPermission triggers the permission prompt exactly once per call.
	RequestPermission(ctx context.Context) (PermissionState, error)

	// Subscribe creates a push subscription against the given VAPID public key.
	Subscribe(ctx context.Context, vapidPublicKey string) (*PushSubscription, error)

	// Unsubscribe discards the local subscription handle.
	Unsubscribe(ctx context.Context) error

	// Current returns the pre-existing subscription, if any.
	Current() (*PushSubscription, bool)
}

// Prompter answers a permission prompt. Wired to the calling UI layer.
type Prompter func(ctx context.Context) bool

// LocalPlatform implements Platform with locally generated subscription keys:
// a fresh P-256 key pair for p256dh and a random auth secret, with endpoints
// minted under a configured push service base URL. At most one subscription is
// active at a time; subscribing again replaces it.
type LocalPlatform struct {
	endpointBase string
	prompt       Prompter

	mu         sync.Mutex
	permission PermissionState
	sub        *PushSubscription
}

// NewLocalPlatform creates a platform minting endpoints under endpointBase.
// A nil prompter grants every prompt.
func NewLocalPlatform(endpointBase string, prompt Prompter) *LocalPlatform {
	if prompt == nil {
		prompt = func(context.Context) bool { return true }
	}
	return &LocalPlatform{
		endpointBase: strings.TrimRight(endpointBase, "/"),
		prompt:       prompt,
		permission:   PermissionDefault,
	}
}

func (p *LocalPlatform) Supported() bool { return true }

func (p *LocalPlatform) Permission() PermissionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permission
}

// RequestPermission prompts unless the user already decided. A denied state is
// terminal for the session: the prompt is not shown again.
func (p *LocalPlatform) RequestPermission(ctx context.Context) (PermissionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.permission != PermissionDefault {
		return p.permission, nil
	}

	if p.prompt(ctx) {
		p.permission = PermissionGranted
	} else {
		p.permission = PermissionDenied
	}
	return p.permission, nil
}

func (p *LocalPlatform) Subscribe(ctx context.Context, vapidPublicKey string) (*PushSubscription, error) {
	if vapidPublicKey == "" {
		return nil, errors.New("subscription: empty VAPID public key")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.permission != PermissionGranted {
		return nil, errors.New("subscription: permission not granted")
	}

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate subscription keys: %w", err)
	}

	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		return nil, fmt.Errorf("failed to generate auth secret: %w", err)
	}

	p.sub = &PushSubscription{
		Endpoint: p.endpointBase + "/push/" + uuid.NewString(),
		Keys: SubscriptionKeys{
			P256dh: base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}
	return p.sub, nil
}

func (p *LocalPlatform) Unsubscribe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sub = nil
	return nil
}

func (p *LocalPlatform) Current() (*PushSubscription, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sub == nil {
		return nil, false
	}
	sub := *p.sub
	return &sub, true
}
