package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON lines + snapshot files next to Path
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one subscription lifecycle step.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At             time.Time `json:"at"`
	Action         string    `json:"action"` // "bind", "release", "open_failed"
	UserID         string    `json:"user_id"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Topic          string    `json:"topic,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// PermissionRecord is a remembered permission decision for one scope.
type PermissionRecord struct {
	Scope     string    `json:"scope"`
	Decision  string    `json:"decision"`
	DecidedAt time.Time `json:"decided_at"`
}
