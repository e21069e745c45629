// Package binder ties the lifetime of one per-user realtime subscription to
// the identity of the current user.
//
// A Binder observes user identifiers. When a new present identifier arrives
// it fires a notification permission request and opens one subscription for
// that user; the previous subscription, if any, is always released first.
// Close releases the held subscription and retires the binder.
//
// Collaborator failures are logged and otherwise swallowed: the permission
// requester and the channel own their own error handling.
package binder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"notibind/internal/eventbus"
	"notibind/internal/realtime"
	"notibind/internal/storage"
	logx "notibind/pkg/logx"
)

// Bus event types.
const (
	EventBound      = "binder.bound"
	EventReleased   = "binder.released"
	EventOpenFailed = "binder.open_failed"
	EventClosed     = "binder.closed"
)

// PermissionRequester asks the host for notification permission.
type PermissionRequester interface {
	RequestPermission(ctx context.Context) error
}

// Dispatcher runs fn without blocking the caller.
type Dispatcher func(name string, fn func(ctx context.Context))

// GoDispatcher runs fn on a plain goroutine with a background context.
func GoDispatcher(_ string, fn func(ctx context.Context)) {
	go fn(context.Background())
}

// State is a point-in-time view of a Binder.
type State struct {
	Bound          bool   `json:"bound"`
	Closed         bool   `json:"closed"`
	UserID         string `json:"user_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// LifecycleEvent is the Data of the binder bus events.
type LifecycleEvent struct {
	UserID         string    `json:"user_id"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Topic          string    `json:"topic,omitempty"`
	At             time.Time `json:"at"`
	Error          string    `json:"error,omitempty"`
}

// Binder holds at most one subscription, bound to the last observed user.
// It is safe for concurrent use.
type Binder struct {
	perm     PermissionRequester
	channel  realtime.Channel
	dispatch Dispatcher

	log          logx.Logger
	bus          eventbus.Bus
	store        storage.Store
	closeTimeout time.Duration
	permTimeout  time.Duration

	mu     sync.Mutex
	userID string
	sub    realtime.Subscription
	closed bool
}

// Option configures a Binder.
type Option func(*Binder)

func WithLogger(log logx.Logger) Option { return func(b *Binder) { b.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(b *Binder) { b.bus = bus } }

// WithAudit appends every bind and release to st.
func WithAudit(st storage.Store) Option { return func(b *Binder) { b.store = st } }

// WithDispatcher sets how the permission request is fired. Defaults to GoDispatcher.
func WithDispatcher(d Dispatcher) Option { return func(b *Binder) { b.dispatch = d } }

// WithPermissionTimeout bounds each fired permission request. 0 means no bound.
func WithPermissionTimeout(d time.Duration) Option {
	return func(b *Binder) { b.permTimeout = d }
}

// WithCloseTimeout bounds a release whose context carries no deadline,
// including the final one Run performs on exit.
func WithCloseTimeout(d time.Duration) Option {
	return func(b *Binder) {
		if d > 0 {
			b.closeTimeout = d
		}
	}
}

// New returns an idle Binder. perm may be nil.
func New(perm PermissionRequester, channel realtime.Channel, opts ...Option) *Binder {
	b := &Binder{
		perm:         perm,
		channel:      channel,
		dispatch:     GoDispatcher,
		closeTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(b)
	}
	if b.log.IsZero() {
		b.log = logx.Nop()
	}
	if b.dispatch == nil {
		b.dispatch = GoDispatcher
	}
	return b
}

// Bind observes the current user identifier. An empty userID means no user.
// Surrounding whitespace is ignored. Re-supplying the last observed
// identifier does nothing.
func (b *Binder) Bind(ctx context.Context, userID string) {
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || userID == b.userID {
		return
	}
	b.releaseLocked(ctx)
	b.userID = userID
	if userID == "" {
		return
	}

	b.requestPermission()

	sub, err := b.channel.Open(ctx, userID)
	if err != nil {
		b.log.Warn("subscription open failed", logx.String("user", userID), logx.Err(err))
		b.emit(ctx, EventOpenFailed, "open_failed", LifecycleEvent{UserID: userID, Error: err.Error()})
		return
	}
	b.sub = sub
	b.log.Info("subscription bound", logx.String("user", userID), logx.String("sub", sub.ID()), logx.String("topic", sub.Topic()))
	b.emit(ctx, EventBound, "bind", LifecycleEvent{UserID: userID, SubscriptionID: sub.ID(), Topic: sub.Topic()})
}

// Close releases the held subscription, if any, and retires the binder.
// It is safe to call more than once.
func (b *Binder) Close(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.releaseLocked(ctx)
	b.closed = true
	b.userID = ""
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{Type: EventClosed, Data: LifecycleEvent{At: time.Now()}})
	}
}

// Run binds every identifier received on ids until ctx is done or ids is
// closed, then closes the binder. The subscription is released on every
// exit path, panics included.
func (b *Binder) Run(ctx context.Context, ids <-chan string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("binder: panic: %v", r)
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.closeTimeout)
		b.Close(cctx)
		cancel()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case id, ok := <-ids:
			if !ok {
				return nil
			}
			b.Bind(ctx, id)
		}
	}
}

func (b *Binder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := State{Closed: b.closed, UserID: b.userID, Bound: b.sub != nil}
	if b.sub != nil {
		st.SubscriptionID = b.sub.ID()
	}
	return st
}

// releaseLocked hands the held subscription back to the channel exactly once.
// A failed Close still counts as released.
func (b *Binder) releaseLocked(ctx context.Context) {
	sub := b.sub
	if sub == nil {
		return
	}
	b.sub = nil

	ev := LifecycleEvent{UserID: sub.UserID(), SubscriptionID: sub.ID(), Topic: sub.Topic()}
	cctx, cancel := b.releaseContext(ctx)
	err := b.channel.Close(cctx, sub)
	cancel()
	if err != nil {
		b.log.Warn("subscription close failed", logx.String("sub", sub.ID()), logx.Err(err))
		ev.Error = err.Error()
	} else {
		b.log.Info("subscription released", logx.String("user", sub.UserID()), logx.String("sub", sub.ID()))
	}
	b.emit(ctx, EventReleased, "release", ev)
}

// releaseContext drops the cancellation of ctx but keeps its deadline, so a
// release still runs after the caller gave up. Without a deadline the close
// timeout applies.
func (b *Binder) releaseContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok {
		return context.WithDeadline(context.WithoutCancel(ctx), dl)
	}
	return context.WithTimeout(context.WithoutCancel(ctx), b.closeTimeout)
}

// requestPermission fires the request. Errors and panics are only logged.
func (b *Binder) requestPermission() {
	if b.perm == nil {
		return
	}
	perm, log, timeout := b.perm, b.log, b.permTimeout
	b.dispatch("binder.permission", func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Warn("permission request panicked (ignored)", logx.Any("panic", r))
			}
		}()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := perm.RequestPermission(ctx); err != nil {
			log.Debug("permission request failed (ignored)", logx.Err(err))
		}
	})
}

func (b *Binder) emit(ctx context.Context, typ, action string, ev LifecycleEvent) {
	ev.At = time.Now()
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
	}
	if b.store == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 250*time.Millisecond)
	defer cancel()
	if err := b.store.AppendAudit(actx, storage.AuditEntry{
		At:             ev.At,
		Action:         action,
		UserID:         ev.UserID,
		SubscriptionID: ev.SubscriptionID,
		Topic:          ev.Topic,
		Error:          ev.Error,
	}); err != nil {
		b.log.Debug("audit append failed", logx.Err(err))
	}
}
