package notifier

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	logx "notibind/pkg/logx"
)

// LogSink writes each notification as a structured log line.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Deliver(_ context.Context, n Notification) error {
	s.Log.Info("notification",
		logx.String("user", n.UserID),
		logx.String("topic", n.Topic),
		logx.String("title", n.Title),
		logx.String("body", n.Body),
		logx.String("url", n.URL),
		logx.Int("priority", n.Priority),
	)
	return nil
}

// JSONLSink appends each notification as one JSON line to W.
type JSONLSink struct {
	mu sync.Mutex
	W  io.Writer
}

func (s *JSONLSink) Deliver(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.NewEncoder(s.W).Encode(n)
}
