// Package permission asks the host whether notifications may be shown and
// remembers the answer.
package permission

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"notibind/internal/eventbus"
	"notibind/internal/storage"
	logx "notibind/pkg/logx"
)

// Decision is the current notification permission state.
type Decision string

const (
	Default Decision = "default"
	Granted Decision = "granted"
	Denied  Decision = "denied"
)

// Scope is the storage key for the remembered decision.
const Scope = "notifications"

// EventChanged is published on the bus when the decision changes.
const EventChanged = "permission.changed"

var ErrUnknownPolicy = errors.New("permission: unknown policy")

// Prompter asks the operator (or a fixed policy) for a decision.
type Prompter interface {
	Prompt(ctx context.Context) (Decision, error)
}

// Static always answers with the same decision.
type Static Decision

func (s Static) Prompt(context.Context) (Decision, error) { return Decision(s), nil }

// Terminal asks on an interactive reader/writer pair. Anything other than
// "y" or "yes" is a denial, and so is a closed input.
//
// A single goroutine reads In for the life of the Terminal, so a line typed
// after a prompt gave up is the answer to the next prompt.
type Terminal struct {
	in  io.Reader
	out io.Writer

	once  sync.Once
	lines chan string
	err   error // set before lines is closed
}

func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: in, out: out, lines: make(chan string)}
}

func (t *Terminal) readLines() {
	defer close(t.lines)
	r := bufio.NewReader(t.in)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			t.lines <- line
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.err = err
			}
			return
		}
	}
}

func (t *Terminal) Prompt(ctx context.Context) (Decision, error) {
	t.once.Do(func() { go t.readLines() })
	if t.out != nil {
		fmt.Fprint(t.out, "Allow notifications? [y/N] ")
	}
	select {
	case <-ctx.Done():
		return Default, ctx.Err()
	case line, ok := <-t.lines:
		if !ok {
			if t.err != nil {
				return Default, t.err
			}
			return Denied, nil
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return Granted, nil
		default:
			return Denied, nil
		}
	}
}

// NewPrompter maps a config policy ("grant", "deny", "prompt") to a Prompter.
func NewPrompter(policy string, in io.Reader, out io.Writer) (Prompter, error) {
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case "", "grant":
		return Static(Granted), nil
	case "deny":
		return Static(Denied), nil
	case "prompt":
		return NewTerminal(in, out), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}
}

// Service implements the requester the binder fires on every new user.
//
// It is safe for concurrent use; overlapping requests share one prompt.
type Service struct {
	prompter Prompter
	store    storage.Store
	bus      eventbus.Bus
	log      logx.Logger
	remember bool

	mu       sync.Mutex
	decision Decision
	inflight chan struct{}
	loaded   bool
}

type Options struct {
	Remember bool
	Store    storage.Store
	Bus      eventbus.Bus
	Log      logx.Logger
}

func NewService(p Prompter, opt Options) *Service {
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	return &Service{
		prompter: p,
		store:    opt.Store,
		bus:      opt.Bus,
		log:      opt.Log,
		remember: opt.Remember,
		decision: Default,
	}
}

// Status returns the last known decision.
func (s *Service) Status() Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decision
}

// RequestPermission resolves the decision: a decision already made in this
// process or remembered in the store is reused; otherwise the prompter is asked.
func (s *Service) RequestPermission(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		if s.decision != Default {
			s.mu.Unlock()
			return nil
		}
		if wait := s.inflight; wait != nil {
			s.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		done := make(chan struct{})
		s.inflight = done
		loaded := s.loaded
		s.mu.Unlock()

		d, err := s.resolve(ctx, !loaded)

		s.mu.Lock()
		s.loaded = true
		s.inflight = nil
		prev := s.decision
		if err == nil {
			s.decision = d
		}
		s.mu.Unlock()
		close(done)

		if err != nil {
			return err
		}
		if prev != d {
			s.log.Info("notification permission resolved", logx.String("decision", string(d)))
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: EventChanged, Data: d})
			}
		}
		return nil
	}
}

func (s *Service) resolve(ctx context.Context, checkStore bool) (Decision, error) {
	if s.remember && s.store != nil && checkStore {
		rec, ok, err := s.store.GetPermission(ctx, Scope)
		if err != nil {
			s.log.Debug("permission lookup failed", logx.Err(err))
		} else if ok {
			if d := Decision(rec.Decision); d == Granted || d == Denied {
				return d, nil
			}
		}
	}

	if s.prompter == nil {
		return Default, errors.New("permission: no prompter configured")
	}
	d, err := s.prompter.Prompt(ctx)
	if err != nil {
		return Default, fmt.Errorf("permission prompt: %w", err)
	}
	if d != Granted && d != Denied {
		return Default, fmt.Errorf("permission prompt returned %q", d)
	}

	if s.remember && s.store != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		if err := s.store.PutPermission(pctx, storage.PermissionRecord{Scope: Scope, Decision: string(d)}); err != nil {
			s.log.Warn("permission not persisted", logx.Err(err))
		}
		cancel()
	}
	return d, nil
}
