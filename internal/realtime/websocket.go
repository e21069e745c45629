package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"notibind/internal/eventbus"
	rtsup "notibind/internal/runtime/supervisor"
	logx "notibind/pkg/logx"
)

// Wire events exchanged with the realtime backend.
const (
	wireSubscribe   = "subscribe"
	wireUnsubscribe = "unsubscribe"
	wireHeartbeat   = "heartbeat"
	wireMessage     = "message"
	wireError       = "error"

	heartbeatTopic = "phoenix"
)

// Envelope is the JSON frame used in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Topic   string          `json:"topic"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WebsocketConfig configures the remote backend driver.
type WebsocketConfig struct {
	URL              string
	APIKey           string
	JWTSecret        string
	TokenTTL         time.Duration
	TopicPrefix      string
	Heartbeat        time.Duration
	HandshakeTimeout time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
}

func (c *WebsocketConfig) applyDefaults() {
	if c.TokenTTL <= 0 {
		c.TokenTTL = time.Hour
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 25 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 500 * time.Millisecond
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 30 * time.Second
		if c.ReconnectMax < c.ReconnectMin {
			c.ReconnectMax = c.ReconnectMin
		}
	}
}

// TokenClaims is the access token presented to the realtime backend.
type TokenClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// WebsocketClient is the remote driver. Each subscription owns one
// connection, kept alive by a supervised reconnect loop.
type WebsocketClient struct {
	cfg    WebsocketConfig
	bus    eventbus.Bus
	log    logx.Logger
	dialer *websocket.Dialer
	sup    *rtsup.Supervisor

	mu     sync.Mutex
	subs   map[string]*wsSub
	closed bool
}

type wsSub struct {
	*handle
	cancel context.CancelFunc
	ctx    context.Context
	done   <-chan struct{}
}

func NewWebsocketClient(parent context.Context, cfg WebsocketConfig, bus eventbus.Bus, log logx.Logger) (*WebsocketClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("realtime: websocket url is required")
	}
	if !strings.HasPrefix(cfg.URL, "ws://") && !strings.HasPrefix(cfg.URL, "wss://") {
		return nil, fmt.Errorf("realtime: websocket url must use ws:// or wss://, got %q", cfg.URL)
	}
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &WebsocketClient{
		cfg: cfg,
		bus: bus,
		log: log,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		sup:  rtsup.New(parent, rtsup.WithLogger(log)),
		subs: map[string]*wsSub{},
	}, nil
}

// Open registers the subscription and returns immediately; connecting and
// joining the topic happen in the background.
func (c *WebsocketClient) Open(ctx context.Context, userID string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, ErrNoUser
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	sctx, cancel := context.WithCancel(c.sup.Context())
	s := &wsSub{handle: newHandle(c.cfg.TopicPrefix, userID), ctx: sctx, cancel: cancel}
	c.subs[s.id] = s

	s.done = c.sup.GoRestart("realtime.sub."+s.id, func(ctx context.Context) error { return c.connect(ctx, s) },
		rtsup.WithRestartContext(sctx),
		rtsup.WithRestartBackoff(c.cfg.ReconnectMin, c.cfg.ReconnectMax))
	c.log.Debug("subscription opened", logx.String("sub", s.id), logx.String("topic", s.topic))
	return s.handle, nil
}

// Close leaves the topic, closes the connection and waits for the
// subscription goroutine (bounded by ctx).
func (c *WebsocketClient) Close(ctx context.Context, sub Subscription) error {
	if sub == nil {
		return ErrUnknownSubscription
	}
	c.mu.Lock()
	s, ok := c.subs[sub.ID()]
	delete(c.subs, sub.ID())
	c.mu.Unlock()
	if !ok {
		return ErrUnknownSubscription
	}

	s.cancel()
	select {
	case <-s.done:
		c.log.Debug("subscription closed", logx.String("sub", s.id))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of open subscriptions.
func (c *WebsocketClient) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Shutdown cancels all subscriptions and waits for their goroutines.
func (c *WebsocketClient) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.subs = map[string]*wsSub{}
	c.mu.Unlock()
	return c.sup.Stop(ctx)
}

// connect runs one session and reports the disconnect. A non-nil return
// makes the supervisor reconnect after its backoff.
func (c *WebsocketClient) connect(ctx context.Context, s *wsSub) error {
	err := c.session(s)
	if ctx.Err() != nil {
		return nil
	}
	c.publish(EventDisconnected, ConnEvent{SubscriptionID: s.id, UserID: s.userID, Error: errString(err)})
	if err == nil {
		err = errors.New("realtime: connection closed")
	}
	return err
}

// session runs one connection until it breaks or the subscription is closed.
// All writes happen on this goroutine; the read loop runs alongside it.
func (c *WebsocketClient) session(s *wsSub) error {
	hdr, err := c.headers(s.userID)
	if err != nil {
		return err
	}
	conn, _, err := c.dialer.DialContext(s.ctx, c.cfg.URL, hdr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := c.write(conn, Envelope{Event: wireSubscribe, Topic: s.topic, Ref: uuid.NewString()}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	c.publish(EventConnected, ConnEvent{SubscriptionID: s.id, UserID: s.userID})

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn, s) }()

	tick := time.NewTicker(c.cfg.Heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-s.ctx.Done():
			_ = c.write(conn, Envelope{Event: wireUnsubscribe, Topic: s.topic, Ref: uuid.NewString()})
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
			<-readErr
			return s.ctx.Err()
		case err := <-readErr:
			return err
		case <-tick.C:
			if err := c.write(conn, Envelope{Event: wireHeartbeat, Topic: heartbeatTopic, Ref: uuid.NewString()}); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

func (c *WebsocketClient) readLoop(conn *websocket.Conn, s *wsSub) error {
	idle := 2*c.cfg.Heartbeat + 5*time.Second
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Debug("realtime frame ignored", logx.String("sub", s.id), logx.Err(err))
			continue
		}
		switch env.Event {
		case wireMessage:
			if env.Topic != "" && env.Topic != s.topic {
				continue
			}
			now := time.Now()
			c.publish(EventMessage, Message{
				SubscriptionID: s.id,
				UserID:         s.userID,
				Topic:          s.topic,
				Payload:        env.Payload,
				ReceivedAt:     now,
			})
		case wireError:
			c.log.Warn("realtime backend error", logx.String("sub", s.id), logx.String("payload", string(env.Payload)))
		}
	}
}

func (c *WebsocketClient) write(conn *websocket.Conn, env Envelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(env)
}

func (c *WebsocketClient) headers(userID string) (http.Header, error) {
	hdr := http.Header{}
	if c.cfg.APIKey != "" {
		hdr.Set("apikey", c.cfg.APIKey)
	}
	if c.cfg.JWTSecret != "" {
		tok, err := SignAccessToken(c.cfg.JWTSecret, userID, c.cfg.TokenTTL)
		if err != nil {
			return nil, err
		}
		hdr.Set("Authorization", "Bearer "+tok)
	}
	return hdr, nil
}

func (c *WebsocketClient) publish(typ string, data any) {
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// SignAccessToken mints the HS256 token the backend uses to scope the
// connection to userID.
func SignAccessToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{"realtime"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Role: "authenticated",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("realtime: sign access token: %w", err)
	}
	return signed, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
