package notifier

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"notibind/internal/realtime"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Notification is one message to show to the user.
type Notification struct {
	UserID     string    `json:"user_id"`
	Topic      string    `json:"topic"`
	Title      string    `json:"title,omitempty"`
	Body       string    `json:"body,omitempty"`
	Tag        string    `json:"tag,omitempty"`
	URL        string    `json:"url,omitempty"`
	Priority   int       `json:"priority,omitempty"` // 0 low .. 10 high
	ReceivedAt time.Time `json:"received_at"`
}

// Sink shows a notification to the user.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Deliver(ctx context.Context, n Notification) error { return f(ctx, n) }

type HistoryItem struct {
	At    time.Time
	Title string
	Body  string
}

// NotificationEvent is emitted on the event bus for pipeline lifecycle events.
type NotificationEvent struct {
	UserID string    `json:"user_id"`
	Topic  string    `json:"topic"`
	Key    string    `json:"key"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

type payload struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	Tag      string `json:"tag"`
	URL      string `json:"url"`
	Priority int    `json:"priority"`
}

// FromMessage builds a Notification from a realtime message. JSON object
// payloads map title/body/tag/url/priority; anything else becomes the body.
func FromMessage(m realtime.Message) Notification {
	n := Notification{UserID: m.UserID, Topic: m.Topic, ReceivedAt: m.ReceivedAt}
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = time.Now()
	}
	raw := strings.TrimSpace(string(m.Payload))
	if raw == "" {
		return n
	}
	var p payload
	if strings.HasPrefix(raw, "{") && json.Unmarshal(m.Payload, &p) == nil {
		n.Title, n.Body, n.Tag, n.URL, n.Priority = p.Title, p.Body, p.Tag, p.URL, p.Priority
		return n
	}
	var s string
	if json.Unmarshal(m.Payload, &s) == nil {
		n.Body = s
		return n
	}
	n.Body = raw
	return n
}
