package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the registry's time seam deterministically.
type fakeClock struct{ t float64 }

func (c *fakeClock) now() float64      { return c.t }
func (c *fakeClock) advance(s float64) { c.t += s }

func newTestRegistry(t *testing.T, stale, dead time.Duration) (*Registry, *fakeClock) {
	t.Helper()
	r, err := NewRegistry(stale, dead)
	require.NoError(t, err)
	clk := &fakeClock{t: 1000}
	r.now = clk.now
	return r, clk
}

func TestNewRegistryRejectsInvertedThresholds(t *testing.T) {
	_, err := NewRegistry(10*time.Second, 5*time.Second)
	assert.Error(t, err)

	_, err = NewRegistry(10*time.Second, 10*time.Second)
	assert.Error(t, err)
}

func TestHeartbeatCreatesLiveRecord(t *testing.T) {
	r, _ := newTestRegistry(t, time.Second, 2*time.Second)

	r.Heartbeat("fusion_ae", HeartbeatOpts{SessionID: "sid-1", Source: SourceEmit, Subject: "fused.track"})

	rec, ok := r.Get("fusion_ae")
	require.True(t, ok)
	assert.Equal(t, StateLive, rec.State)
	assert.Equal(t, "sid-1", rec.SessionID)
	assert.Equal(t, SourceEmit, rec.LastSource)
	assert.Equal(t, "fused.track", rec.LastSubject)
	assert.Equal(t, int64(1), rec.HeartbeatCount)
	assert.Equal(t, rec.FirstSeen, rec.LastSeen)
}

func TestSweepDemotesThroughLattice(t *testing.T) {
	r, clk := newTestRegistry(t, time.Second, 2*time.Second)

	var transitions []Transition
	r.SetHook(func(tr Transition) { transitions = append(transitions, tr) })

	r.Heartbeat("ae-1", HeartbeatOpts{Source: SourceRegister})

	// Not yet stale.
	clk.advance(0.5)
	r.Sweep()
	assert.Len(t, r.Live(), 1)
	assert.Empty(t, transitions)

	// Past stale_after: live -> stale.
	clk.advance(0.6)
	r.Sweep()
	require.Len(t, r.Stale(), 1)
	assert.Empty(t, r.Live())
	require.Len(t, transitions, 1)
	assert.Equal(t, StateLive, transitions[0].From)
	assert.Equal(t, StateStale, transitions[0].To)
	assert.Equal(t, "sweep", transitions[0].Reason)

	// Past dead_after: stale -> dead.
	clk.advance(1.0)
	r.Sweep()
	require.Len(t, r.Dead(), 1)
	assert.Empty(t, r.Stale())
	require.Len(t, transitions, 2)
	assert.Equal(t, StateStale, transitions[1].From)
	assert.Equal(t, StateDead, transitions[1].To)
}

func TestSweepSkipsStraightToDeadAfterLongGap(t *testing.T) {
	r, clk := newTestRegistry(t, time.Second, 2*time.Second)

	r.Heartbeat("ae-1", HeartbeatOpts{Source: SourceRegister})
	clk.advance(10)
	r.Sweep()

	rec, ok := r.Get("ae-1")
	require.True(t, ok)
	assert.Equal(t, StateDead, rec.State)
	assert.Empty(t, r.Stale())
}

func TestHeartbeatResurrectsDeadRecord(t *testing.T) {
	r, clk := newTestRegistry(t, time.Second, 2*time.Second)

	var transitions []Transition
	r.SetHook(func(tr Transition) { transitions = append(transitions, tr) })

	r.Heartbeat("ae-1", HeartbeatOpts{Source: SourceRegister})
	firstSeen, _ := r.Get("ae-1")

	clk.advance(10)
	r.Sweep()
	require.Equal(t, StateDead, mustGet(t, r, "ae-1").State)

	clk.advance(1)
	r.Heartbeat("ae-1", HeartbeatOpts{Source: SourceEmit})

	rec := mustGet(t, r, "ae-1")
	assert.Equal(t, StateLive, rec.State)
	assert.Equal(t, firstSeen.FirstSeen, rec.FirstSeen, "first_seen survives resurrection")
	assert.Equal(t, int64(2), rec.HeartbeatCount)

	last := transitions[len(transitions)-1]
	assert.Equal(t, StateDead, last.From)
	assert.Equal(t, StateLive, last.To)
	assert.Equal(t, "heartbeat", last.Reason)
}

func TestBackwardsClockNeverDemotes(t *testing.T) {
	r, clk := newTestRegistry(t, time.Second, 2*time.Second)

	r.Heartbeat("ae-1", HeartbeatOpts{Source: SourceRegister})

	// Clock steps backwards; the negative age clamps to zero.
	clk.t -= 3600
	r.Sweep()

	assert.Equal(t, StateLive, mustGet(t, r, "ae-1").State)
}

func TestPartitionsAreDisjoint(t *testing.T) {
	r, clk := newTestRegistry(t, time.Second, 2*time.Second)

	r.Heartbeat("a", HeartbeatOpts{Source: SourceRegister})
	clk.advance(1.5)
	r.Heartbeat("b", HeartbeatOpts{Source: SourceRegister})
	r.Sweep()

	all := r.All()
	assert.Len(t, all[StateLive], 1)
	assert.Len(t, all[StateStale], 1)
	assert.Empty(t, all[StateDead])
	assert.Equal(t, "b", all[StateLive][0].AEID)
	assert.Equal(t, "a", all[StateStale][0].AEID)
}

func mustGet(t *testing.T, r *Registry, aeID string) Record {
	t.Helper()
	rec, ok := r.Get(aeID)
	require.True(t, ok)
	return rec
}
