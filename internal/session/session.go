// Package session reports who the current user is.
//
// A Source emits the current user identifier on a channel whenever it
// changes; the empty string means nobody is signed in.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	yaml "go.yaml.in/yaml/v3"

	logx "notibind/pkg/logx"
)

// Source produces user identifiers. Run closes out when it returns.
type Source interface {
	Run(ctx context.Context, out chan<- string) error
}

// Static emits one fixed identifier and then waits for ctx.
type Static string

func (s Static) Run(ctx context.Context, out chan<- string) error {
	defer close(out)
	select {
	case out <- strings.TrimSpace(string(s)):
	case <-ctx.Done():
		return nil
	}
	<-ctx.Done()
	return nil
}

type sessionDoc struct {
	UserID string `json:"user_id" yaml:"user_id"`
}

// ParseFile extracts the user identifier from session file bytes.
// Accepted forms: a JSON or YAML document with user_id, or a bare identifier.
func ParseFile(path string, data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", nil
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case data[0] == '{':
		var d sessionDoc
		if err := json.Unmarshal(data, &d); err != nil {
			return "", fmt.Errorf("session json: %w", err)
		}
		return strings.TrimSpace(d.UserID), nil
	case ext == ".yaml" || ext == ".yml":
		var d sessionDoc
		if err := yaml.Unmarshal(data, &d); err != nil {
			return "", fmt.Errorf("session yaml: %w", err)
		}
		return strings.TrimSpace(d.UserID), nil
	default:
		line, _, _ := strings.Cut(string(data), "\n")
		return strings.TrimSpace(line), nil
	}
}

// FileWatcher follows a session file. Missing or empty files mean no user.
type FileWatcher struct {
	Path     string
	Debounce time.Duration
	Log      logx.Logger
}

func (w *FileWatcher) read() (string, error) {
	b, err := os.ReadFile(w.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return ParseFile(w.Path, b)
}

// Run emits the current identifier, then every change until ctx is done.
// The fsnotify watcher is recreated with backoff if it breaks.
func (w *FileWatcher) Run(ctx context.Context, out chan<- string) error {
	defer close(out)
	log := w.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	dir, file := filepath.Dir(w.Path), filepath.Base(w.Path)

	var (
		mu      sync.Mutex
		last    string
		emitted bool
	)
	// emit runs on the timer goroutine or on Run's goroutine; mu orders them.
	emit := func() {
		id, err := w.read()
		if err != nil {
			log.Warn("session file unreadable; keeping current user", logx.String("path", w.Path), logx.Err(err))
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if emitted && id == last {
			return
		}
		select {
		case out <- id:
			last, emitted = id, true
			log.Info("session user changed", logx.Bool("present", id != ""))
		case <-ctx.Done():
		}
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
		pending sync.WaitGroup
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil && timer.Stop() {
			pending.Done()
		}
		pending.Add(1)
		timer = time.AfterFunc(debounce, func() {
			defer pending.Done()
			emit()
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil && timer.Stop() {
			pending.Done()
		}
		timerMu.Unlock()
		// out must not be closed while a timer callback may still send on it.
		pending.Wait()
	}()

	emit()

	const (
		backoffBase = 250 * time.Millisecond
		backoffMax  = 5 * time.Second
	)
	backoff := backoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	sleep := func() bool {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, backoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
			return true
		}
	}

	for ctx.Err() == nil {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			log.Warn("session watch init failed", logx.Err(err))
			if !sleep() {
				return nil
			}
			continue
		}
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			log.Warn("session watch add failed", logx.String("dir", dir), logx.Err(err))
			if !sleep() {
				return nil
			}
			continue
		}
		backoff = backoffBase
		// Catch changes made while the watcher was down.
		schedule()

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) {
					schedule()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				log.Warn("session watch error", logx.Err(err))
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					schedule()
				}
			}
		}
		_ = fw.Close()
		log.Warn("session watcher stopped; restarting", logx.String("dir", dir))
		if !sleep() {
			return nil
		}
	}
	return nil
}
