package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks cross-field rules and every duration string.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path: required when file logging is enabled"))
	}

	dur("session.debounce", cfg.Session.Debounce)

	rt := cfg.Realtime
	switch RealtimeDriver(rt) {
	case "memory":
	case "websocket":
		u, err := url.Parse(strings.TrimSpace(rt.URL))
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errs = append(errs, fmt.Errorf("realtime.url: want ws:// or wss:// URL, got %q", rt.URL))
		}
		if strings.TrimSpace(rt.JWTSecret) == "" {
			errs = append(errs, errors.New("realtime.jwt_secret: required for websocket driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("realtime.driver: unknown driver %q", rt.Driver))
	}
	dur("realtime.token_ttl", rt.TokenTTL)
	dur("realtime.heartbeat", rt.Heartbeat)
	dur("realtime.handshake_timeout", rt.HandshakeTimeout)
	dur("realtime.reconnect_min", rt.ReconnectMin)
	dur("realtime.reconnect_max", rt.ReconnectMax)

	switch strings.ToLower(strings.TrimSpace(cfg.Permission.Policy)) {
	case "", "grant", "deny", "prompt":
	default:
		errs = append(errs, fmt.Errorf("permission.policy: unknown policy %q", cfg.Permission.Policy))
	}
	dur("permission.timeout", cfg.Permission.Timeout)
	dur("binder.close_timeout", cfg.Binder.CloseTimeout)

	if n := cfg.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
			errs = append(errs, errors.New("notifier: counts must be >= 0"))
		}
		switch strings.ToLower(strings.TrimSpace(n.Sink)) {
		case "", "log":
		case "jsonl":
			if strings.TrimSpace(n.SinkPath) == "" {
				errs = append(errs, errors.New("notifier.sink_path: required for jsonl sink"))
			}
		default:
			errs = append(errs, fmt.Errorf("notifier.sink: unknown sink %q", n.Sink))
		}
	}

	if s := cfg.Storage; s != nil {
		switch d := strings.ToLower(strings.TrimSpace(s.Driver)); d {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path: required for %s driver", d))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	return errors.Join(errs...)
}

// RealtimeDriver returns the normalized driver name, defaulting to memory.
func RealtimeDriver(rt RealtimeConfig) string {
	d := strings.ToLower(strings.TrimSpace(rt.Driver))
	if d == "" {
		return "memory"
	}
	return d
}
