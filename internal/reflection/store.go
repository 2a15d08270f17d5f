package reflection

import (
	"context"
	"sort"
	"sync"
)

// Filter narrows a record query. Zero fields match everything; Since and
// Until are unix-second bounds (inclusive); Limit caps the slice after
// ordering.
type Filter struct {
	AEID      string
	SessionID string
	EventType string
	Since     float64
	Until     float64
	Limit     int
}

const defaultQueryLimit = 500

// Store is the append-only record log. All reads are ordered by ts
// ascending so every query over the same log is deterministic.
type Store interface {
	Append(ctx context.Context, rec Record) error
	All(ctx context.Context) ([]Record, error)
	Query(ctx context.Context, f Filter) ([]Record, error)
}

// MemoryStore keeps records in process memory, for tests and ephemeral
// deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryStore) All(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	sortByTS(out)
	return out, nil
}

func (m *MemoryStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	all, err := m.All(ctx)
	if err != nil {
		return nil, err
	}
	return applyFilter(all, f), nil
}

func sortByTS(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].TS < recs[j].TS })
}

// applyFilter narrows an already-ordered slice. Shared by both backends
// so filtering semantics never diverge.
func applyFilter(recs []Record, f Filter) []Record {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	out := make([]Record, 0)
	for _, r := range recs {
		if f.AEID != "" && r.Correlation.AEID != f.AEID {
			continue
		}
		if f.SessionID != "" && r.Correlation.SessionID != f.SessionID {
			continue
		}
		if f.EventType != "" && r.EventType != f.EventType {
			continue
		}
		if f.Since > 0 && r.TS < f.Since {
			continue
		}
		if f.Until > 0 && r.TS > f.Until {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out
}
