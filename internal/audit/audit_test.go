package audit

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietTrail() *Trail {
	return New(nil, slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func TestRecentNewestFirst(t *testing.T) {
	trail := quietTrail()

	trail.Log(EventEmitReceived, map[string]interface{}{"seq": 1})
	trail.Log(EventEmitProcessed, map[string]interface{}{"seq": 2})
	trail.Log(EventEmitBlockedPolicy, map[string]interface{}{"seq": 3})

	recent := trail.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, EventEmitBlockedPolicy, recent[0].Event)
	assert.Equal(t, EventEmitProcessed, recent[1].Event)
	assert.NotZero(t, recent[0].TS)
}

func TestRecentDefaultsAndClamps(t *testing.T) {
	trail := quietTrail()

	trail.Log(EventChallengeIssued, nil)

	// Zero limit falls back to the default, clamped to what exists.
	assert.Len(t, trail.Recent(0), 1)
	assert.Len(t, trail.Recent(100), 1)
	assert.Empty(t, quietTrail().Recent(5))
}

func TestRingWrapsAtCapacity(t *testing.T) {
	trail := quietTrail()

	for i := 0; i < ringSize+10; i++ {
		trail.Log(EventEmitReceived, map[string]interface{}{"seq": i})
	}

	recent := trail.Recent(ringSize)
	require.Len(t, recent, ringSize)
	assert.Equal(t, ringSize+9, recent[0].Payload["seq"], "newest entry survives the wrap")
	assert.Equal(t, 10, recent[ringSize-1].Payload["seq"], "oldest surviving entry is post-wrap")
}

func TestNilStoreIsSafe(t *testing.T) {
	trail := quietTrail()
	assert.NotPanics(t, func() {
		trail.Log(EventVerifyResult, map[string]interface{}{"reason": fmt.Sprintf("%s", "verified")})
	})
}
