package permission

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"notibind/internal/eventbus"
	"notibind/internal/storage"
	logx "notibind/pkg/logx"
)

type countingPrompter struct {
	calls atomic.Int32
	delay time.Duration
	d     Decision
}

func (p *countingPrompter) Prompt(ctx context.Context) (Decision, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	return p.d, nil
}

func TestNewPrompter(t *testing.T) {
	t.Parallel()
	tests := []struct {
		policy string
		want   Decision
		err    bool
	}{
		{policy: "", want: Granted},
		{policy: "grant", want: Granted},
		{policy: "DENY", want: Denied},
		{policy: "maybe", err: true},
	}
	for _, tt := range tests {
		p, err := NewPrompter(tt.policy, nil, nil)
		if tt.err {
			if !errors.Is(err, ErrUnknownPolicy) {
				t.Fatalf("NewPrompter(%q) err = %v, want ErrUnknownPolicy", tt.policy, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NewPrompter(%q): %v", tt.policy, err)
		}
		if d, _ := p.Prompt(context.Background()); d != tt.want {
			t.Fatalf("NewPrompter(%q) decision = %v, want %v", tt.policy, d, tt.want)
		}
	}
}

func TestTerminalPrompt(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Decision{"y\n": Granted, "Yes\n": Granted, "n\n": Denied, "": Denied} {
		var out bytes.Buffer
		d, err := NewTerminal(strings.NewReader(in), &out).Prompt(context.Background())
		if err != nil || d != want {
			t.Fatalf("input %q: got %v, %v; want %v", in, d, err, want)
		}
		if !strings.Contains(out.String(), "Allow notifications?") {
			t.Fatalf("prompt not written: %q", out.String())
		}
	}
}

func TestConcurrentRequestsShareOnePrompt(t *testing.T) {
	t.Parallel()
	p := &countingPrompter{d: Granted, delay: 20 * time.Millisecond}
	bus := eventbus.New()
	changes, unsub := bus.SubscribeTypes(4, EventChanged)
	defer unsub()
	s := NewService(p, Options{Bus: bus})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.RequestPermission(context.Background()); err != nil {
				t.Errorf("RequestPermission: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := p.calls.Load(); got != 1 {
		t.Fatalf("prompt calls = %d, want 1", got)
	}
	if s.Status() != Granted {
		t.Fatalf("Status = %v, want granted", s.Status())
	}
	if len(changes) != 1 {
		t.Fatalf("change events = %d, want 1", len(changes))
	}
}

func TestRememberedDecisionSkipsPrompt(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	first := &countingPrompter{d: Denied}
	s1 := NewService(first, Options{Remember: true, Store: st})
	if err := s1.RequestPermission(context.Background()); err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}

	second := &countingPrompter{d: Granted}
	s2 := NewService(second, Options{Remember: true, Store: st})
	if err := s2.RequestPermission(context.Background()); err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}
	if second.calls.Load() != 0 {
		t.Fatal("remembered decision should skip the prompter")
	}
	if s2.Status() != Denied {
		t.Fatalf("Status = %v, want denied", s2.Status())
	}
}

func TestPromptCancelled(t *testing.T) {
	t.Parallel()
	r, w := io.Pipe()
	defer w.Close()
	s := NewService(NewTerminal(r, nil), Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.RequestPermission(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if s.Status() != Default {
		t.Fatalf("Status = %v, want default", s.Status())
	}
}

func TestTerminalAnswerAfterTimeout(t *testing.T) {
	t.Parallel()
	r, w := io.Pipe()
	defer w.Close()
	term := NewTerminal(r, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := term.Prompt(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("first prompt err = %v, want deadline exceeded", err)
	}

	go func() { _, _ = io.WriteString(w, "y\nn\n") }()
	for i, want := range []Decision{Granted, Denied} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		d, err := term.Prompt(ctx)
		cancel()
		if err != nil || d != want {
			t.Fatalf("prompt %d: got %v, %v; want %v", i, d, err, want)
		}
	}
	_ = w.Close()
	if d, err := term.Prompt(context.Background()); err != nil || d != Denied {
		t.Fatalf("closed input: got %v, %v; want denied", d, err)
	}
}
