// Package storage is the persistence port for the broker: a thin
// SQL-capable surface plus the domain methods the keyring, policy engine
// and audit trail need. Two providers are wired in: SQLite (default,
// pure-Go driver) and Postgres.
package storage

import (
	"context"
	"errors"

	"github.com/aegnix/abi/internal/core"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("storage: not found")

// Row is a generic result row keyed by column name. Drivers differ in the
// concrete scan types (SQLite hands back int64/string, lib/pq []byte), so
// callers read values through the typed accessors.
type Row map[string]interface{}

// String returns the column as a string, tolerating []byte scans.
func (r Row) String(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

// Int64 returns the column as int64, tolerating the integer widths and
// float forms different drivers produce.
func (r Row) Int64(key string) int64 {
	switch v := r[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// Float64 returns the column as float64.
func (r Row) Float64(key string) float64 {
	switch v := r[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}

// Bool returns the column as bool; integer columns treat nonzero as true.
func (r Row) Bool(key string) bool {
	switch v := r[key].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	case float64:
		return v != 0
	default:
		return false
	}
}

// Storage is the persistence port. Generic statement execution serves the
// managers that own their own tables (sessions, reflection); the domain
// methods serve the keyring, capability table and event log directly.
type Storage interface {
	Init(ctx context.Context) error
	Execute(ctx context.Context, query string, args ...interface{}) error
	FetchOne(ctx context.Context, query string, args ...interface{}) (Row, error)
	FetchAll(ctx context.Context, query string, args ...interface{}) ([]Row, error)
	Insert(ctx context.Context, table string, record Row) error

	UpsertKey(ctx context.Context, rec *core.KeyRecord) error
	GetKey(ctx context.Context, aeID string) (*core.KeyRecord, error)
	GetKeyByFingerprint(ctx context.Context, fpr string) (*core.KeyRecord, error)
	ListKeys(ctx context.Context) ([]*core.KeyRecord, error)

	UpsertCapability(ctx context.Context, cap *core.Capability) error
	ListCapabilities(ctx context.Context) ([]*core.Capability, error)

	LogEvent(ctx context.Context, event string, payload map[string]interface{}) error
	RecentEvents(ctx context.Context, limit int) ([]Row, error)

	Close() error
}
