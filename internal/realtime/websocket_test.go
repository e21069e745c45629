package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"notibind/internal/eventbus"
	logx "notibind/pkg/logx"
)

const testSecret = "test-secret"

type fakeBackend struct {
	t        *testing.T
	upgrader websocket.Upgrader
	conns    atomic.Int32
	// dropFirst closes the first connection right after the subscribe frame.
	dropFirst bool
	frames    chan Envelope
	subject   chan string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	return &fakeBackend{t: t, frames: make(chan Envelope, 32), subject: make(chan string, 4)}
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	claims := &TokenClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return []byte(testSecret), nil })
	if err != nil || !tok.Valid {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	b.subject <- claims.Subject

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	n := b.conns.Add(1)

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		b.frames <- env
		if env.Event == wireSubscribe {
			if b.dropFirst && n == 1 {
				return
			}
			_ = conn.WriteJSON(Envelope{Event: wireMessage, Topic: env.Topic, Payload: json.RawMessage(`{"title":"ping"}`)})
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFrame(t *testing.T, b *fakeBackend, event string) Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-b.frames:
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame", event)
		}
	}
}

func newTestClient(t *testing.T, url string, bus eventbus.Bus) *WebsocketClient {
	t.Helper()
	c, err := NewWebsocketClient(context.Background(), WebsocketConfig{
		URL:          url,
		JWTSecret:    testSecret,
		Heartbeat:    time.Second,
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
	}, bus, logx.Nop())
	if err != nil {
		t.Fatalf("NewWebsocketClient: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func TestWebsocketSubscribeDeliverUnsubscribe(t *testing.T) {
	backend := newFakeBackend(t)
	srv := httptest.NewServer(backend)
	defer srv.Close()

	bus := eventbus.New()
	msgs, unsub := bus.SubscribeTypes(8, EventMessage)
	defer unsub()

	c := newTestClient(t, wsURL(srv), bus)
	ctx := context.Background()
	sub, err := c.Open(ctx, "user-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if got := <-backend.subject; got != "user-1" {
		t.Fatalf("token subject = %q, want user-1", got)
	}
	if env := waitFrame(t, backend, wireSubscribe); env.Topic != "notifications:user-1" {
		t.Fatalf("subscribe topic = %q", env.Topic)
	}

	select {
	case e := <-msgs:
		m := e.Data.(Message)
		if m.SubscriptionID != sub.ID() || m.UserID != "user-1" || string(m.Payload) != `{"title":"ping"}` {
			t.Fatalf("unexpected message %#v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no message delivered")
	}

	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Close(cctx, sub); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if env := waitFrame(t, backend, wireUnsubscribe); env.Topic != sub.Topic() {
		t.Fatalf("unsubscribe topic = %q", env.Topic)
	}
	if err := c.Close(cctx, sub); !errors.Is(err, ErrUnknownSubscription) {
		t.Fatalf("second Close err = %v, want ErrUnknownSubscription", err)
	}
	if c.Active() != 0 {
		t.Fatalf("Active = %d, want 0", c.Active())
	}
}

func TestWebsocketReconnects(t *testing.T) {
	backend := newFakeBackend(t)
	backend.dropFirst = true
	srv := httptest.NewServer(backend)
	defer srv.Close()

	c := newTestClient(t, wsURL(srv), eventbus.New())
	sub, err := c.Open(context.Background(), "user-9")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitFrame(t, backend, wireSubscribe)
	waitFrame(t, backend, wireSubscribe)
	if got := backend.conns.Load(); got < 2 {
		t.Fatalf("connections = %d, want >= 2", got)
	}
	if got := c.sup.Counters().Restarts["realtime.sub."+sub.ID()]; got < 1 {
		t.Fatalf("supervisor restarts = %d, want >= 1", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Close(ctx, sub); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNewWebsocketClientValidatesURL(t *testing.T) {
	t.Parallel()
	for _, url := range []string{"", "http://example.com"} {
		if _, err := NewWebsocketClient(context.Background(), WebsocketConfig{URL: url}, nil, logx.Nop()); err == nil {
			t.Fatalf("expected error for url %q", url)
		}
	}
}
