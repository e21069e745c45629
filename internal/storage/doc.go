// Package storage provides the small persistence layer used by the daemon.
//
// It currently supports:
//   - Audit log appends (subscription bind/release lifecycle)
//   - Remembered notification permission decisions
//   - Optional notifier dedup state (to survive restarts)
package storage
