package worker

import (
	"context"

	"github.com/routina/offline-gateway/internal/push"
)

// EventType enumerates the worker event variants.
type EventType int

const (
	EventInstall EventType = iota
	EventActivate
	EventPush
	EventNotificationClick
	EventMessage
	EventSync
)

func (t EventType) String() string {
	switch t {
	case EventInstall:
		return "install"
	case EventActivate:
		return "activate"
	case EventPush:
		return "push"
	case EventNotificationClick:
		return "notificationclick"
	case EventMessage:
		return "message"
	case EventSync:
		return "sync"
	default:
		return "unknown"
	}
}

// MessageSkipWaiting instructs a waiting worker to activate immediately.
const MessageSkipWaiting = "SKIP_WAITING"

// MessageSubscriptionUpdated informs open pages that the push subscription was
// renewed and the server-side mirror needs updating.
const MessageSubscriptionUpdated = "SUBSCRIPTION_UPDATED"

// ControlMessage is a client-to-worker control message.
type ControlMessage struct {
	Type string `json:"type"`
}

// Event is the tagged union dispatched through the worker's event loop. Only
// the field matching Type is read.
type Event struct {
	Type    EventType
	Body    []byte          // push payload
	Click   push.Click      // notification click
	Message ControlMessage  // control message
}

// Completion is the awaitable handle returned by Dispatch. The runtime must
// not consider the event finished before Wait returns.
type Completion struct {
	done chan error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan error, 1)}
}

func (c *Completion) complete(err error) {
	c.done <- err
	close(c.done)
}

// Wait blocks until the event's handler finished, or the context is done.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
