package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Session tells the daemon who is signed in. Exactly one of File or
	// UserID should be set; File wins when both are.
	Session SessionConfig `json:"session"`

	Realtime   RealtimeConfig   `json:"realtime"`
	Permission PermissionConfig `json:"permission"`

	// Binder controls the lifecycle binder itself.
	Binder BinderConfig `json:"binder,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SessionConfig selects where the current user identifier comes from.
//
// File may hold JSON ({"user_id": "..."}), YAML (user_id: ...) or a bare
// identifier on its first line. A missing or empty file means no user.
type SessionConfig struct {
	File     string `json:"file,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Debounce string `json:"debounce,omitempty"` // Go duration string, default "250ms"
}

// RealtimeConfig selects and configures the subscription driver.
//
// Driver values:
//   - "memory" (default): in-process hub, useful for local runs and tests
//   - "websocket": remote realtime backend over ws:// or wss://
//
// Secrets (api_key, jwt_secret) are never logged.
type RealtimeConfig struct {
	Driver      string `json:"driver"`
	URL         string `json:"url,omitempty"`
	APIKey      string `json:"api_key,omitempty"`
	JWTSecret   string `json:"jwt_secret,omitempty"`
	TopicPrefix string `json:"topic_prefix,omitempty"` // default "notifications"

	// Durations are Go duration strings (e.g. "500ms", "25s", "1h").
	TokenTTL         string `json:"token_ttl,omitempty"`
	Heartbeat        string `json:"heartbeat,omitempty"`
	HandshakeTimeout string `json:"handshake_timeout,omitempty"`
	ReconnectMin     string `json:"reconnect_min,omitempty"`
	ReconnectMax     string `json:"reconnect_max,omitempty"`
}

// PermissionConfig controls the notification permission prompt.
//
// Policy values: "grant" (default), "deny", "prompt" (ask on the terminal).
type PermissionConfig struct {
	Policy   string `json:"policy"`
	Remember bool   `json:"remember,omitempty"`
	// Timeout bounds one permission request. Go duration string; "0s" disables.
	Timeout string `json:"timeout,omitempty"`
}

type BinderConfig struct {
	// CloseTimeout bounds the final release on shutdown. Default "5s".
	CloseTimeout string `json:"close_timeout,omitempty"`
	// Audit appends bind/release records to storage when storage is enabled.
	Audit bool `json:"audit,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`

	// Sink values: "log" (default) or "jsonl" (append to SinkPath).
	Sink     string `json:"sink,omitempty"`
	SinkPath string `json:"sink_path,omitempty"`
}

// DefaultNotifier is the effective notifier section when it is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./notibind.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
