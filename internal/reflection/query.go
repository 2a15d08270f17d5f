package reflection

import (
	"context"
	"sort"

	"github.com/aegnix/abi/internal/core"
)

// Timeline is the ordered view of one AE session: its records, the
// transitions they carried, and the end status read off the last
// terminal transition. No inference, only what the log says.
type Timeline struct {
	AEID        string       `json:"ae_id"`
	SessionID   string       `json:"session_id"`
	StartTS     float64      `json:"start_ts"`
	EndTS       float64      `json:"end_ts"`
	EndStatus   string       `json:"end_status"`
	Records     []Record     `json:"records"`
	Transitions []Transition `json:"transitions"`
}

// Queries exposes the operator read surface over a store.
type Queries struct {
	store Store
}

func NewQueries(store Store) *Queries {
	return &Queries{store: store}
}

// Records is the low-level filtered read.
func (q *Queries) Records(ctx context.Context, f Filter) ([]Record, error) {
	return q.store.Query(ctx, f)
}

// AEs lists every AE id observed in the log, sorted.
func (q *Queries) AEs(ctx context.Context) ([]string, error) {
	all, err := q.store.All(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, r := range all {
		if r.Correlation.AEID != "" {
			seen[r.Correlation.AEID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Sessions lists the distinct session ids observed for aeID, sorted.
func (q *Queries) Sessions(ctx context.Context, aeID string) ([]string, error) {
	recs, err := q.store.Query(ctx, Filter{AEID: aeID, Limit: 1 << 20})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, r := range recs {
		if r.Correlation.SessionID != "" {
			seen[r.Correlation.SessionID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// RecentSessions lists session ids for aeID ordered by most recent
// activity, newest first, capped at limit.
func (q *Queries) RecentSessions(ctx context.Context, aeID string, limit int) ([]string, error) {
	recs, err := q.store.Query(ctx, Filter{AEID: aeID, Limit: 1 << 20})
	if err != nil {
		return nil, err
	}
	latest := make(map[string]float64)
	for _, r := range recs {
		sid := r.Correlation.SessionID
		if sid == "" {
			continue
		}
		if r.TS > latest[sid] {
			latest[sid] = r.TS
		}
	}
	out := make([]string, 0, len(latest))
	for id := range latest {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if latest[out[i]] != latest[out[j]] {
			return latest[out[i]] > latest[out[j]]
		}
		return out[i] < out[j]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SessionTimeline builds the ordered timeline for (aeID, sessionID).
// An empty session is NOT_FOUND.
func (q *Queries) SessionTimeline(ctx context.Context, aeID, sessionID string) (*Timeline, error) {
	recs, err := q.store.Query(ctx, Filter{AEID: aeID, SessionID: sessionID, Limit: 1 << 20})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, core.Reject(core.KindNotFound, "session_not_found", "no reflection records for session")
	}

	transitions := make([]Transition, 0)
	for _, r := range recs {
		transitions = append(transitions, r.Transitions...)
	}

	return &Timeline{
		AEID:        aeID,
		SessionID:   sessionID,
		StartTS:     recs[0].TS,
		EndTS:       recs[len(recs)-1].TS,
		EndStatus:   inferEndStatus(transitions),
		Records:     recs,
		Transitions: transitions,
	}, nil
}

// inferEndStatus reads the terminal status off the last transition that
// names one. This is a lookup, not a judgment.
func inferEndStatus(transitions []Transition) string {
	for i := len(transitions) - 1; i >= 0; i-- {
		switch transitions[i].ToState {
		case "dead", "error", "closed":
			return transitions[i].ToState
		}
	}
	return "ended-without-explicit-close"
}

// WhatHappened is the compact factual session summary.
func (q *Queries) WhatHappened(ctx context.Context, aeID, sessionID string) (map[string]interface{}, error) {
	tl, err := q.SessionTimeline(ctx, aeID, sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"ae_id":       tl.AEID,
		"session_id":  tl.SessionID,
		"start_ts":    tl.StartTS,
		"end_ts":      tl.EndTS,
		"records":     tl.Records,
		"transitions": tl.Transitions,
	}, nil
}

// WhyStopped reports the last observed state of the session.
func (q *Queries) WhyStopped(ctx context.Context, aeID, sessionID string) (map[string]interface{}, error) {
	tl, err := q.SessionTimeline(ctx, aeID, sessionID)
	if err != nil {
		return nil, err
	}
	last := tl.Records[len(tl.Records)-1]
	return map[string]interface{}{
		"status":           tl.EndStatus,
		"ae_id":            aeID,
		"session_id":       sessionID,
		"last_ts":          last.TS,
		"last_event_type":  last.EventType,
		"last_intent":      last.Intent,
		"last_transitions": last.Transitions,
		"last_record":      last,
	}, nil
}

// PrecededFailure returns the window of records preceding the first
// error or dead transition. Window is clamped to [1, 50], default 5.
func (q *Queries) PrecededFailure(ctx context.Context, aeID, sessionID string, window int) (map[string]interface{}, error) {
	if window <= 0 {
		window = 5
	}
	if window > 50 {
		window = 50
	}
	tl, err := q.SessionTimeline(ctx, aeID, sessionID)
	if err != nil {
		return nil, err
	}
	for idx, r := range tl.Records {
		for _, t := range r.Transitions {
			if t.Name == "error" || t.ToState == "dead" || t.ToState == "error" {
				start := idx - window
				if start < 0 {
					start = 0
				}
				return map[string]interface{}{
					"status":             "failure-detected",
					"ae_id":              aeID,
					"session_id":         sessionID,
					"failure_ts":         t.TS,
					"failure_transition": t,
					"preceding_records":  tl.Records[start:idx],
				}, nil
			}
		}
	}
	return map[string]interface{}{
		"status":     "no-failure-detected",
		"ae_id":      aeID,
		"session_id": sessionID,
	}, nil
}
