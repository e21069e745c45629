package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"notibind/internal/eventbus"
	"notibind/internal/realtime"
)

type recordingSink struct {
	mu    sync.Mutex
	got   []Notification
	fails atomic.Int32 // fail this many deliveries first
}

func (s *recordingSink) Deliver(_ context.Context, n Notification) error {
	if s.fails.Load() > 0 {
		s.fails.Add(-1)
		return errors.New("sink busy")
	}
	s.mu.Lock()
	s.got = append(s.got, n)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func testConfig() Config {
	return Config{Enabled: true, Workers: 1, QueueSize: 16, RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
}

func TestFromMessage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		payload string
		title   string
		body    string
	}{
		{name: "object", payload: `{"title":"New reply","body":"hi","priority":7}`, title: "New reply", body: "hi"},
		{name: "string", payload: `"plain"`, body: "plain"},
		{name: "raw", payload: `42`, body: "42"},
		{name: "empty", payload: ``},
	}
	for _, tt := range tests {
		n := FromMessage(realtime.Message{UserID: "u", Topic: "notifications:u", Payload: json.RawMessage(tt.payload)})
		if n.Title != tt.title || n.Body != tt.body {
			t.Fatalf("%s: got title %q body %q", tt.name, n.Title, n.Body)
		}
		if n.ReceivedAt.IsZero() {
			t.Fatalf("%s: ReceivedAt not set", tt.name)
		}
	}
}

func TestDeliversBusMessages(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sink := &recordingSink{}
	s := New(testConfig(), Options{Sink: sink, Bus: bus})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	hub := realtime.NewHub(bus, "")
	if _, err := hub.Open(context.Background(), "u"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	hub.Publish("u", json.RawMessage(`{"title":"a"}`))
	waitFor(t, func() bool { return sink.count() == 1 })
	if h := s.Snapshot(); len(h) != 1 || h[0].Title != "a" {
		t.Fatalf("history = %+v", h)
	}
}

func TestPermissionGate(t *testing.T) {
	t.Parallel()
	var allowed atomic.Bool
	sink := &recordingSink{}
	s := New(testConfig(), Options{Sink: sink, Allow: allowed.Load})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), Notification{Topic: "t", Body: "x"}); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("err = %v, want ErrNotAllowed", err)
	}
	allowed.Store(true)
	if err := s.Notify(context.Background(), Notification{Topic: "t", Body: "x"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return sink.count() == 1 })
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	sink.fails.Store(2)
	s := New(testConfig(), Options{Sink: sink})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), Notification{Topic: "t", Body: "retry me"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return sink.count() == 1 })
}

func TestDedupWindow(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.SubscribeTypes(16, EventDeduped)
	defer unsub()

	cfg := testConfig()
	cfg.DedupWindow = time.Minute
	sink := &recordingSink{}
	s := New(cfg, Options{Sink: sink, Bus: bus})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	n := Notification{Topic: "t", Title: "same", Body: "same"}
	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), n); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	waitFor(t, func() bool { return sink.count() == 1 && len(events) == 2 })
}

func TestDisabledAndStopped(t *testing.T) {
	t.Parallel()
	off := New(Config{}, Options{Sink: &recordingSink{}})
	off.Start(context.Background())
	if err := off.Notify(context.Background(), Notification{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}

	s := New(testConfig(), Options{Sink: &recordingSink{}})
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Notify(context.Background(), Notification{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestDedupKeyUsesTag(t *testing.T) {
	t.Parallel()
	a := dedupKey(Notification{Topic: "t", Tag: "ready-1", Body: "one"})
	b := dedupKey(Notification{Topic: "t", Tag: "ready-1", Body: "two"})
	c := dedupKey(Notification{Topic: "t", Body: "one"})
	if a != b {
		t.Fatal("same tag should share a dedup key")
	}
	if a == c {
		t.Fatal("tagged and untagged keys should differ")
	}
}

func TestRetryDelayBounded(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt < 10; attempt++ {
		if d := retryDelay(cfg, attempt); d <= 0 || d > time.Second {
			t.Fatalf("retryDelay(%d) = %v", attempt, d)
		}
	}
}

func TestJSONLSink(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	sink := &JSONLSink{W: &buf}
	if err := sink.Deliver(context.Background(), Notification{UserID: "u", Title: "t"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	var got Notification
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil || got.Title != "t" {
		t.Fatalf("decoded %+v, err %v", got, err)
	}
}
