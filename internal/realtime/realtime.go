// Package realtime opens and closes per-user notification subscriptions.
//
// A Channel hands out opaque Subscription handles. Messages received on a
// subscription are published on the event bus as EventMessage with a Message
// value, so consumers never depend on a specific driver.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultTopicPrefix = "notifications"

// Bus event types.
const (
	EventMessage      = "realtime.message"
	EventConnected    = "realtime.connected"
	EventDisconnected = "realtime.disconnected"
)

var (
	ErrNoUser              = errors.New("realtime: user id is required")
	ErrUnknownSubscription = errors.New("realtime: unknown subscription")
	ErrClosed              = errors.New("realtime: channel closed")
)

// Subscription is an open logical notification channel for one user.
type Subscription interface {
	ID() string
	UserID() string
	Topic() string
}

// Channel opens and releases subscriptions. Close must be called exactly
// once per handle returned by Open.
type Channel interface {
	Open(ctx context.Context, userID string) (Subscription, error)
	Close(ctx context.Context, sub Subscription) error
}

// Message is one payload delivered on a subscription.
type Message struct {
	SubscriptionID string          `json:"subscription_id"`
	UserID         string          `json:"user_id"`
	Topic          string          `json:"topic"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
}

// ConnEvent is the Data of EventConnected / EventDisconnected.
type ConnEvent struct {
	SubscriptionID string `json:"subscription_id"`
	UserID         string `json:"user_id"`
	Error          string `json:"error,omitempty"`
}

// TopicFor returns the channel topic for a user.
func TopicFor(prefix, userID string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return prefix + ":" + userID
}

type handle struct {
	id     string
	userID string
	topic  string
}

func newHandle(prefix, userID string) *handle {
	return &handle{id: uuid.NewString(), userID: userID, topic: TopicFor(prefix, userID)}
}

func (h *handle) ID() string     { return h.id }
func (h *handle) UserID() string { return h.userID }
func (h *handle) Topic() string  { return h.topic }
