package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	logx "notibind/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
session:
  file: ./session.json
realtime:
  driver: websocket
  url: wss://rt.example.com/socket
  jwt_secret: s3cret
  heartbeat: 25s
permission:
  policy: prompt
  remember: true
storage:
  driver: sqlite
  path: ./notibind.db
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Realtime.URL != "wss://rt.example.com/socket" || cfg.Permission.Policy != "prompt" || !cfg.Permission.Remember {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.json", []byte(`{"logging":{},"telegram":{}}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "zero is valid", cfg: Config{}},
		{name: "bad level", cfg: Config{Logging: LoggingConfig{Level: "loud"}}, wantErr: "logging.level"},
		{name: "websocket needs url", cfg: Config{Realtime: RealtimeConfig{Driver: "websocket", JWTSecret: "x", URL: "http://x"}}, wantErr: "realtime.url"},
		{name: "websocket needs secret", cfg: Config{Realtime: RealtimeConfig{Driver: "websocket", URL: "ws://x"}}, wantErr: "realtime.jwt_secret"},
		{name: "unknown driver", cfg: Config{Realtime: RealtimeConfig{Driver: "carrier-pigeon"}}, wantErr: "realtime.driver"},
		{name: "bad duration", cfg: Config{Permission: PermissionConfig{Timeout: "soon"}}, wantErr: "permission.timeout"},
		{name: "negative duration", cfg: Config{Realtime: RealtimeConfig{Heartbeat: "-1s"}}, wantErr: "realtime.heartbeat"},
		{name: "policy", cfg: Config{Permission: PermissionConfig{Policy: "maybe"}}, wantErr: "permission.policy"},
		{name: "jsonl sink path", cfg: Config{Notifier: &NotifierConfig{Sink: "jsonl"}}, wantErr: "notifier.sink_path"},
		{name: "storage path", cfg: Config{Storage: &StorageConfig{Driver: "file"}}, wantErr: "storage.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Realtime: RealtimeConfig{JWTSecret: "old"}}
	newCfg := &Config{
		Logging:  LoggingConfig{Level: "debug"},
		Realtime: RealtimeConfig{JWTSecret: "new"},
		Notifier: ptr(DefaultNotifier()),
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if !slices.Equal(changed, []string{"logging", "realtime"}) {
		t.Fatalf("changed = %v", changed)
	}
	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config changed", attrs...)
	if strings.Contains(buf.String(), `"new"`) {
		t.Fatalf("secret leaked: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"realtime.jwt_secret_set":true`) {
		t.Fatalf("missing secret flag: %s", buf.String())
	}
}

func ptr[T any](v T) *T { return &v }

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	// Rejected config must not be published.
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"loud"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	if got := m.Get().Logging.Level; got != "debug" {
		t.Fatalf("committed level = %q", got)
	}
}
