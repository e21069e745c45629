package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "notibind/pkg/logx"
)

// ErrUnknownDriver is returned by Open for an unrecognized Config.Driver.
var ErrUnknownDriver = errors.New("storage: unknown driver")

// Store is what the binder (audit), permission (remembered decision) and
// notifier (dedup) persist through.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error

	GetPermission(ctx context.Context, scope string) (rec PermissionRecord, ok bool, err error)
	PutPermission(ctx context.Context, rec PermissionRecord) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

var drivers = map[string]func(Config, logx.Logger) (Store, error){
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open returns the store for cfg.Driver, or (nil, nil) when storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, nil
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log)
}
