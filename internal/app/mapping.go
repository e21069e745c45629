package app

import (
	"strings"
	"time"

	"notibind/internal/config"
	"notibind/internal/notifier"
	"notibind/internal/realtime"
	"notibind/internal/storage"
	logx "notibind/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(cfg.Storage.Path), BusyTimeout: busy}, true, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := config.EffectiveNotifier(cfg)
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMax, err := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMax,
		DedupWindow:     window,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}, nil
}

func mapWebsocketConfig(cfg *config.Config) (realtime.WebsocketConfig, error) {
	rt := cfg.Realtime
	out := realtime.WebsocketConfig{
		URL:         strings.TrimSpace(rt.URL),
		APIKey:      rt.APIKey,
		JWTSecret:   rt.JWTSecret,
		TopicPrefix: strings.TrimSpace(rt.TopicPrefix),
	}
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"realtime.token_ttl", rt.TokenTTL, &out.TokenTTL},
		{"realtime.heartbeat", rt.Heartbeat, &out.Heartbeat},
		{"realtime.handshake_timeout", rt.HandshakeTimeout, &out.HandshakeTimeout},
		{"realtime.reconnect_min", rt.ReconnectMin, &out.ReconnectMin},
		{"realtime.reconnect_max", rt.ReconnectMax, &out.ReconnectMax},
	}
	for _, f := range fields {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return realtime.WebsocketConfig{}, err
		}
		*f.dst = d
	}
	return out, nil
}
