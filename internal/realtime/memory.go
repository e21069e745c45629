package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"notibind/internal/eventbus"
)

// Hub is the in-process channel driver. Producers call Publish; every open
// subscription for that user receives the payload through the bus.
type Hub struct {
	bus    eventbus.Bus
	prefix string

	mu     sync.Mutex
	subs   map[string]*handle
	closed bool
}

// NewHub returns an open Hub publishing on bus. An empty prefix uses DefaultTopicPrefix.
func NewHub(bus eventbus.Bus, topicPrefix string) *Hub {
	return &Hub{bus: bus, prefix: topicPrefix, subs: map[string]*handle{}}
}

// Open registers a subscription for userID.
func (h *Hub) Open(ctx context.Context, userID string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, ErrNoUser
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	s := newHandle(h.prefix, userID)
	h.subs[s.id] = s
	if h.bus != nil {
		h.bus.Publish(eventbus.Event{Type: EventConnected, Data: ConnEvent{SubscriptionID: s.id, UserID: userID}})
	}
	return s, nil
}

// Close releases sub. Unknown or already released handles return ErrUnknownSubscription.
func (h *Hub) Close(_ context.Context, sub Subscription) error {
	if sub == nil {
		return ErrUnknownSubscription
	}
	h.mu.Lock()
	_, ok := h.subs[sub.ID()]
	delete(h.subs, sub.ID())
	h.mu.Unlock()
	if !ok {
		return ErrUnknownSubscription
	}
	if h.bus != nil {
		h.bus.Publish(eventbus.Event{Type: EventDisconnected, Data: ConnEvent{SubscriptionID: sub.ID(), UserID: sub.UserID()}})
	}
	return nil
}

// Publish delivers payload to every open subscription of userID and
// returns how many received it.
func (h *Hub) Publish(userID string, payload json.RawMessage) int {
	topic := TopicFor(h.prefix, userID)
	h.mu.Lock()
	targets := make([]*handle, 0, 1)
	for _, s := range h.subs {
		if s.topic == topic {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	if h.bus == nil {
		return 0
	}
	now := time.Now()
	for _, s := range targets {
		h.bus.Publish(eventbus.Event{Type: EventMessage, Time: now, Data: Message{
			SubscriptionID: s.id,
			UserID:         s.userID,
			Topic:          s.topic,
			Payload:        payload,
			ReceivedAt:     now,
		}})
	}
	return len(targets)
}

// Active returns the number of open subscriptions.
func (h *Hub) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Shutdown drops all subscriptions and rejects future opens.
func (h *Hub) Shutdown(context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.subs = map[string]*handle{}
	h.mu.Unlock()
	return nil
}
