package reflection

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aegnix/abi/internal/storage"
)

const reflectionSchema = `
CREATE TABLE IF NOT EXISTS reflection_events (
	record_id TEXT PRIMARY KEY,
	ts DOUBLE PRECISION NOT NULL,
	ae_id TEXT,
	session_id TEXT,
	event_type TEXT,
	payload TEXT NOT NULL
)`

// SQLStore persists records through the storage port. The correlation
// columns exist for indexed filtering; the full record travels in the
// payload column as JSON, so the schema never chases the record shape.
type SQLStore struct {
	store storage.Storage
}

func NewSQLStore(ctx context.Context, store storage.Storage) (*SQLStore, error) {
	if err := store.Execute(ctx, reflectionSchema); err != nil {
		return nil, fmt.Errorf("reflection schema: %w", err)
	}
	return &SQLStore{store: store}, nil
}

func (s *SQLStore) Append(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal reflection record: %w", err)
	}
	return s.store.Execute(ctx,
		`INSERT INTO reflection_events (record_id, ts, ae_id, session_id, event_type, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RecordID, rec.TS, rec.Correlation.AEID, rec.Correlation.SessionID,
		rec.EventType, string(raw))
}

func (s *SQLStore) All(ctx context.Context) ([]Record, error) {
	rows, err := s.store.FetchAll(ctx,
		`SELECT payload FROM reflection_events ORDER BY ts ASC`)
	if err != nil {
		return nil, err
	}
	return decodeRows(rows)
}

// Query pushes the correlation filters into SQL and applies the rest in
// memory so both backends return identically ordered slices.
func (s *SQLStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	query := `SELECT payload FROM reflection_events WHERE 1=1`
	args := make([]interface{}, 0, 3)
	if f.AEID != "" {
		query += ` AND ae_id = ?`
		args = append(args, f.AEID)
	}
	if f.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, f.EventType)
	}
	query += ` ORDER BY ts ASC`

	rows, err := s.store.FetchAll(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	recs, err := decodeRows(rows)
	if err != nil {
		return nil, err
	}
	return applyFilter(recs, Filter{Since: f.Since, Until: f.Until, Limit: f.Limit}), nil
}

func decodeRows(rows []storage.Row) ([]Record, error) {
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		var rec Record
		if err := json.Unmarshal([]byte(row.String("payload")), &rec); err != nil {
			return nil, fmt.Errorf("decode reflection record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
