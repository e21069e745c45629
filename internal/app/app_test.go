package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"notibind/internal/config"
	"notibind/internal/permission"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func writeConfig(t *testing.T, dir string) (cfgPath, sinkPath string) {
	t.Helper()
	sinkPath = filepath.Join(dir, "notifications.jsonl")
	cfg := fmt.Sprintf(`{
  "logging": {"level": "debug", "console": false},
  "session": {"user_id": "u1"},
  "realtime": {"driver": "memory"},
  "permission": {"policy": "grant", "remember": true},
  "binder": {"audit": true},
  "notifier": {"enabled": true, "workers": 1, "queue_size": 8, "rate_per_sec": 50, "sink": "jsonl", "sink_path": %q},
  "storage": {"driver": "sqlite", "path": %q}
}`, sinkPath, filepath.Join(dir, "state.db"))
	cfgPath = filepath.Join(dir, "config.json")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return cfgPath, sinkPath
}

func TestAppEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfgPath, sinkPath := writeConfig(t, dir)

	a, err := NewApp(cfgPath)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "bound subscription", func() bool { return a.Binder().State().Bound })
	waitFor(t, "permission granted", func() bool { return a.Permission().Status() == permission.Granted })
	if got := a.Hub().Active(); got != 1 {
		t.Fatalf("active subscriptions = %d, want 1", got)
	}

	if n := a.Hub().Publish("u1", json.RawMessage(`{"title":"Build finished","body":"all green"}`)); n != 1 {
		t.Fatalf("Publish delivered to %d subscriptions", n)
	}
	waitFor(t, "notification in sink", func() bool {
		b, _ := os.ReadFile(sinkPath)
		return strings.Contains(string(b), "Build finished")
	})

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st := a.Binder().State(); !st.Closed || st.Bound {
		t.Fatalf("binder state after stop = %+v", st)
	}
	if got := a.Hub().Active(); got != 0 {
		t.Fatalf("active subscriptions after stop = %d", got)
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"realtime":{"driver":"websocket","url":"http://nope"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewApp(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestMapWebsocketConfig(t *testing.T) {
	t.Parallel()
	cfg, err := mapWebsocketConfig(&config.Config{Realtime: config.RealtimeConfig{
		URL:       " wss://rt.example.com/socket ",
		Heartbeat: "10s",
		TokenTTL:  "30m",
	}})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if cfg.URL != "wss://rt.example.com/socket" || cfg.Heartbeat != 10*time.Second || cfg.TokenTTL != 30*time.Minute {
		t.Fatalf("mapped %+v", cfg)
	}
	if _, err := mapWebsocketConfig(&config.Config{Realtime: config.RealtimeConfig{ReconnectMin: "fast"}}); err == nil {
		t.Fatal("expected duration error")
	}
}
