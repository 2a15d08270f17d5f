package storage

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/aegnix/abi/internal/config"
	"github.com/aegnix/abi/internal/core"
)

// Table DDL shared by both dialects: TEXT ids, INTEGER epochs, REAL for
// sub-second timestamps. Managers that own their own tables (sessions,
// reflection) issue their DDL through Execute.
const schema = `
CREATE TABLE IF NOT EXISTS keys (
	ae_id TEXT PRIMARY KEY,
	pubkey_b64 TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	roles TEXT,
	status TEXT NOT NULL,
	expires_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_keys_fingerprint ON keys(fingerprint);
CREATE TABLE IF NOT EXISTS capabilities (
	ae_id TEXT PRIMARY KEY,
	publishes TEXT,
	subscribes TEXT,
	meta TEXT,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	ts DOUBLE PRECISION NOT NULL,
	event TEXT NOT NULL,
	payload TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
`

// SQLStorage implements Storage on database/sql for SQLite and Postgres.
type SQLStorage struct {
	db      *sql.DB
	dialect string // "sqlite" | "postgres"
}

// Open selects the provider from configuration and connects.
func Open(cfg config.StorageConfig) (*SQLStorage, error) {
	switch cfg.Provider {
	case "", "sqlite":
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		// SQLite serializes writes; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		return &SQLStorage{db: db, dialect: "sqlite"}, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(20)
		db.SetConnMaxIdleTime(5 * time.Minute)
		return &SQLStorage{db: db, dialect: "postgres"}, nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

// NewSQLStorage wraps an already-open handle; tests use this with sqlmock.
func NewSQLStorage(db *sql.DB, dialect string) *SQLStorage {
	return &SQLStorage{db: db, dialect: dialect}
}

// Init creates the storage-owned tables.
func (s *SQLStorage) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to the $N form Postgres requires.
// Queries throughout the broker are written with ? and rebound here.
func (s *SQLStorage) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (s *SQLStorage) Execute(ctx context.Context, query string, args ...interface{}) error {
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

func (s *SQLStorage) FetchOne(ctx context.Context, query string, args ...interface{}) (Row, error) {
	rows, err := s.FetchAll(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

func (s *SQLStorage) FetchAll(ctx context.Context, query string, args ...interface{}) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]Row, 0)
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Insert writes one record into table. Column order is sorted so the
// generated SQL is deterministic.
func (s *SQLStorage) Insert(ctx context.Context, table string, record Row) error {
	cols := make([]string, 0, len(record))
	for c := range record {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	args := make([]interface{}, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		args[i] = record[c]
		marks[i] = "?"
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(marks, ", "))
	return s.Execute(ctx, query, args...)
}

// ============================================================================
// Keyring persistence
// ============================================================================

func (s *SQLStorage) UpsertKey(ctx context.Context, rec *core.KeyRecord) error {
	query := `INSERT INTO keys (ae_id, pubkey_b64, fingerprint, roles, status, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (ae_id) DO UPDATE SET
			pubkey_b64 = excluded.pubkey_b64,
			fingerprint = excluded.fingerprint,
			roles = excluded.roles,
			status = excluded.status,
			expires_at = excluded.expires_at`
	return s.Execute(ctx, query,
		rec.AEID, rec.PubKeyB64, rec.Fingerprint,
		strings.Join(rec.Roles, ","), rec.Status, rec.ExpiresAt)
}

func (s *SQLStorage) GetKey(ctx context.Context, aeID string) (*core.KeyRecord, error) {
	row, err := s.FetchOne(ctx,
		`SELECT ae_id, pubkey_b64, fingerprint, roles, status, expires_at FROM keys WHERE ae_id = ?`, aeID)
	if err != nil {
		return nil, err
	}
	return keyFromRow(row)
}

func (s *SQLStorage) GetKeyByFingerprint(ctx context.Context, fpr string) (*core.KeyRecord, error) {
	row, err := s.FetchOne(ctx,
		`SELECT ae_id, pubkey_b64, fingerprint, roles, status, expires_at FROM keys WHERE fingerprint = ?`, fpr)
	if err != nil {
		return nil, err
	}
	return keyFromRow(row)
}

func (s *SQLStorage) ListKeys(ctx context.Context) ([]*core.KeyRecord, error) {
	rows, err := s.FetchAll(ctx,
		`SELECT ae_id, pubkey_b64, fingerprint, roles, status, expires_at FROM keys ORDER BY ae_id`)
	if err != nil {
		return nil, err
	}
	out := make([]*core.KeyRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := keyFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func keyFromRow(row Row) (*core.KeyRecord, error) {
	rec := &core.KeyRecord{
		AEID:        row.String("ae_id"),
		PubKeyB64:   row.String("pubkey_b64"),
		Fingerprint: row.String("fingerprint"),
		Status:      row.String("status"),
		ExpiresAt:   row.Int64("expires_at"),
	}
	if roles := row.String("roles"); roles != "" {
		rec.Roles = strings.Split(roles, ",")
	}
	if rec.PubKeyB64 != "" {
		raw, err := base64.StdEncoding.DecodeString(rec.PubKeyB64)
		if err != nil {
			return nil, fmt.Errorf("key %s: bad pubkey encoding: %w", rec.AEID, err)
		}
		rec.PubKey = raw
	}
	return rec, nil
}

// ============================================================================
// Capability persistence
// ============================================================================

func (s *SQLStorage) UpsertCapability(ctx context.Context, cap *core.Capability) error {
	pubs, err := json.Marshal(cap.Publishes)
	if err != nil {
		return err
	}
	subs, err := json.Marshal(cap.Subscribes)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(cap.Meta)
	if err != nil {
		return err
	}
	query := `INSERT INTO capabilities (ae_id, publishes, subscribes, meta, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (ae_id) DO UPDATE SET
			publishes = excluded.publishes,
			subscribes = excluded.subscribes,
			meta = excluded.meta,
			updated_at = excluded.updated_at`
	return s.Execute(ctx, query, cap.AEID, string(pubs), string(subs), string(meta), cap.UpdatedAt)
}

func (s *SQLStorage) ListCapabilities(ctx context.Context) ([]*core.Capability, error) {
	rows, err := s.FetchAll(ctx,
		`SELECT ae_id, publishes, subscribes, meta, updated_at FROM capabilities ORDER BY ae_id`)
	if err != nil {
		return nil, err
	}
	out := make([]*core.Capability, 0, len(rows))
	for _, row := range rows {
		cap := &core.Capability{
			AEID:      row.String("ae_id"),
			UpdatedAt: row.Int64("updated_at"),
		}
		if v := row.String("publishes"); v != "" {
			if err := json.Unmarshal([]byte(v), &cap.Publishes); err != nil {
				return nil, fmt.Errorf("capability %s: bad publishes: %w", cap.AEID, err)
			}
		}
		if v := row.String("subscribes"); v != "" {
			if err := json.Unmarshal([]byte(v), &cap.Subscribes); err != nil {
				return nil, fmt.Errorf("capability %s: bad subscribes: %w", cap.AEID, err)
			}
		}
		if v := row.String("meta"); v != "" && v != "null" {
			if err := json.Unmarshal([]byte(v), &cap.Meta); err != nil {
				return nil, fmt.Errorf("capability %s: bad meta: %w", cap.AEID, err)
			}
		}
		out = append(out, cap)
	}
	return out, nil
}

// ============================================================================
// Event log
// ============================================================================

func (s *SQLStorage) LogEvent(ctx context.Context, event string, payload map[string]interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.Execute(ctx,
		`INSERT INTO events (id, ts, event, payload) VALUES (?, ?, ?, ?)`,
		uuid.New().String(), float64(time.Now().UnixNano())/1e9, event, string(raw))
}

func (s *SQLStorage) RecentEvents(ctx context.Context, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.FetchAll(ctx,
		`SELECT id, ts, event, payload FROM events ORDER BY ts DESC LIMIT ?`, limit)
}
