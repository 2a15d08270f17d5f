package reflection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegnix/abi/internal/bus"
	"github.com/aegnix/abi/internal/core"
)

// appendRecord is a test helper building a plain runtime record.
func appendRecord(t *testing.T, store Store, aeID, sid string, ts float64) Record {
	t.Helper()
	rec := NewRecord(DomainRuntime, TopicRuntime)
	rec.TS = ts
	rec.Correlation = Correlation{AEID: aeID, SessionID: sid, Confidence: ConfidenceHigh}
	require.NoError(t, store.Append(context.Background(), rec))
	return rec
}

// appendTransition builds a lifecycle record with one transition.
func appendTransition(t *testing.T, store Store, aeID, sid string, ts float64, from, to, reason string) {
	t.Helper()
	rec := NewRecord(DomainABI, TopicTransition)
	rec.TS = ts
	rec.Correlation = Correlation{AEID: aeID, SessionID: sid, Confidence: ConfidenceHigh}
	rec.Transitions = []Transition{{Name: "lifecycle", FromState: from, ToState: to, Reason: reason, TS: ts}}
	require.NoError(t, store.Append(context.Background(), rec))
}

// ============================================================================
// MemoryStore
// ============================================================================

func TestMemoryStoreQueryFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	appendRecord(t, store, "ae-1", "sid-1", 100)
	appendRecord(t, store, "ae-1", "sid-2", 200)
	appendRecord(t, store, "ae-2", "sid-3", 300)

	byAE, err := store.Query(ctx, Filter{AEID: "ae-1"})
	require.NoError(t, err)
	assert.Len(t, byAE, 2)

	bySID, err := store.Query(ctx, Filter{AEID: "ae-1", SessionID: "sid-2"})
	require.NoError(t, err)
	require.Len(t, bySID, 1)
	assert.Equal(t, float64(200), bySID[0].TS)

	since, err := store.Query(ctx, Filter{Since: 150, Until: 250})
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "sid-2", since[0].Correlation.SessionID)

	limited, err := store.Query(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMemoryStoreOrdersByTS(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	appendRecord(t, store, "ae-1", "sid-1", 300)
	appendRecord(t, store, "ae-1", "sid-1", 100)
	appendRecord(t, store, "ae-1", "sid-1", 200)

	recs, err := store.Query(ctx, Filter{AEID: "ae-1"})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.True(t, recs[0].TS <= recs[1].TS && recs[1].TS <= recs[2].TS)
}

// ============================================================================
// Sink normalization
// ============================================================================

func TestSinkNormalizesRuntimeEvent(t *testing.T) {
	store := NewMemoryStore()
	sink := NewSink(store)
	b := bus.New()
	sink.Register(b)

	b.Publish(TopicRuntime, bus.Message{
		"ae_id":      "fusion_ae",
		"session_id": "sid-1",
		"intent":     "publish",
		"subject":    "fused.track",
		"quality":    "normal",
		"ts":         float64(123),
	})

	recs, err := store.All(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := recs[0]
	assert.Equal(t, DomainRuntime, rec.Domain)
	assert.Equal(t, TopicRuntime, rec.EventType)
	assert.Equal(t, "fusion_ae", rec.Correlation.AEID)
	assert.Equal(t, ConfidenceHigh, rec.Correlation.Confidence)
	assert.Equal(t, "fused.track", rec.Subject)
	assert.Equal(t, float64(123), rec.TS)
	assert.Equal(t, SeverityInfo, rec.Severity)
	assert.NotEmpty(t, rec.RecordID)
}

func TestSinkNormalizesTransitionToDeadAsWarn(t *testing.T) {
	store := NewMemoryStore()
	sink := NewSink(store)

	sink.OnEvent(TopicTransition, bus.Message{
		"ae_id":      "fusion_ae",
		"session_id": "sid-1",
		"from_state": "stale",
		"to_state":   "dead",
		"reason":     "sweep",
		"ts":         float64(456),
	})

	recs, _ := store.All(context.Background())
	require.Len(t, recs, 1)

	rec := recs[0]
	assert.Equal(t, SeverityWarn, rec.Severity)
	require.Len(t, rec.Transitions, 1)
	assert.Equal(t, "lifecycle", rec.Transitions[0].Name)
	assert.Equal(t, "stale", rec.Transitions[0].FromState)
	assert.Equal(t, "dead", rec.Transitions[0].ToState)
}

func TestSinkIgnoresUnknownTopic(t *testing.T) {
	store := NewMemoryStore()
	sink := NewSink(store)

	sink.OnEvent("unrelated.topic", bus.Message{"ae_id": "x"})

	recs, _ := store.All(context.Background())
	assert.Empty(t, recs)
}

func TestSinkAnonymousEventIsLowConfidence(t *testing.T) {
	store := NewMemoryStore()
	sink := NewSink(store)

	sink.OnEvent(TopicRuntime, bus.Message{"intent": "publish"})

	recs, _ := store.All(context.Background())
	require.Len(t, recs, 1)
	assert.Equal(t, ConfidenceLow, recs[0].Correlation.Confidence)
}

// ============================================================================
// Operator queries
// ============================================================================

func TestQueriesAEsAndSessions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	q := NewQueries(store)

	appendRecord(t, store, "beta_ae", "sid-2", 100)
	appendRecord(t, store, "alpha_ae", "sid-1", 200)
	appendRecord(t, store, "alpha_ae", "sid-3", 300)

	aes, err := q.AEs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha_ae", "beta_ae"}, aes)

	sessions, err := q.Sessions(ctx, "alpha_ae")
	require.NoError(t, err)
	assert.Equal(t, []string{"sid-1", "sid-3"}, sessions)
}

func TestRecentSessionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	q := NewQueries(store)

	appendRecord(t, store, "ae-1", "old", 100)
	appendRecord(t, store, "ae-1", "new", 300)
	appendRecord(t, store, "ae-1", "mid", 200)

	recent, err := q.RecentSessions(ctx, "ae-1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "mid"}, recent)
}

func TestSessionTimelineNotFound(t *testing.T) {
	q := NewQueries(NewMemoryStore())

	_, err := q.SessionTimeline(context.Background(), "ghost", "none")
	rej := core.AsRejection(err)
	require.NotNil(t, rej)
	assert.Equal(t, core.KindNotFound, rej.Kind)
	assert.Equal(t, "session_not_found", rej.Reason)
}

func TestSessionTimelineEndStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	q := NewQueries(store)

	appendRecord(t, store, "ae-1", "sid-1", 100)
	appendTransition(t, store, "ae-1", "sid-1", 200, "live", "stale", "sweep")
	appendTransition(t, store, "ae-1", "sid-1", 300, "stale", "dead", "sweep")

	tl, err := q.SessionTimeline(ctx, "ae-1", "sid-1")
	require.NoError(t, err)
	assert.Equal(t, float64(100), tl.StartTS)
	assert.Equal(t, float64(300), tl.EndTS)
	assert.Equal(t, "dead", tl.EndStatus)
	assert.Len(t, tl.Records, 3)
	assert.Len(t, tl.Transitions, 2)
}

func TestSessionTimelineWithoutTerminalTransition(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	q := NewQueries(store)

	appendRecord(t, store, "ae-1", "sid-1", 100)
	appendTransition(t, store, "ae-1", "sid-1", 200, "stale", "live", "heartbeat")

	tl, err := q.SessionTimeline(ctx, "ae-1", "sid-1")
	require.NoError(t, err)
	assert.Equal(t, "ended-without-explicit-close", tl.EndStatus)
}

func TestWhyStoppedReportsLastRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	q := NewQueries(store)

	appendRecord(t, store, "ae-1", "sid-1", 100)
	appendTransition(t, store, "ae-1", "sid-1", 200, "live", "dead", "sweep")

	out, err := q.WhyStopped(ctx, "ae-1", "sid-1")
	require.NoError(t, err)
	assert.Equal(t, "dead", out["status"])
	assert.Equal(t, float64(200), out["last_ts"])
}

func TestPrecededFailureWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	q := NewQueries(store)

	for i := 0; i < 8; i++ {
		appendRecord(t, store, "ae-1", "sid-1", float64(100+i))
	}
	appendTransition(t, store, "ae-1", "sid-1", 200, "stale", "dead", "sweep")

	out, err := q.PrecededFailure(ctx, "ae-1", "sid-1", 3)
	require.NoError(t, err)
	assert.Equal(t, "failure-detected", out["status"])
	preceding := out["preceding_records"].([]Record)
	assert.Len(t, preceding, 3)
	assert.Equal(t, float64(105), preceding[0].TS)
}

func TestPrecededFailureNoFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	q := NewQueries(store)

	appendRecord(t, store, "ae-1", "sid-1", 100)

	out, err := q.PrecededFailure(ctx, "ae-1", "sid-1", 0)
	require.NoError(t, err)
	assert.Equal(t, "no-failure-detected", out["status"])
}
