package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegnix/abi/internal/core"
)

const fenceYAML = `
subjects:
  fused.track:
    publishers: ["fusion_ae", "tracker"]
    subscribers: ["display_ae", "viewer"]
  alerts.high:
    publishers: ["alert_role"]
    subscribers: ["display_ae"]
`

func writeFence(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func loadFence(t *testing.T) *StaticPolicy {
	t.Helper()
	sp, err := LoadStaticPolicy(writeFence(t, fenceYAML))
	require.NoError(t, err)
	return sp
}

func TestLoadStaticPolicyMissingFile(t *testing.T) {
	_, err := LoadStaticPolicy("/nonexistent/policy.yaml")
	assert.Error(t, err)
}

func TestLoadStaticPolicyEmptyFileDeniesAll(t *testing.T) {
	sp, err := LoadStaticPolicy(writeFence(t, ""))
	require.NoError(t, err)

	e := NewEngine(sp, nil)
	assert.False(t, e.KnownSubject("fused.track"))
	assert.False(t, e.CanPublish("fusion_ae", "fused.track", nil))
}

func TestCanPublishRequiresFenceAndDeclaration(t *testing.T) {
	sp := loadFence(t)

	// Declared and fenced by ae_id: allowed.
	e := NewEngine(sp, []*core.Capability{
		{AEID: "fusion_ae", Publishes: []string{"fused.track"}},
	})
	assert.True(t, e.CanPublish("fusion_ae", "fused.track", nil))

	// Fenced but never declared: denied.
	e = NewEngine(sp, nil)
	assert.False(t, e.CanPublish("fusion_ae", "fused.track", nil))

	// Declared but the fence names someone else: denied.
	e = NewEngine(sp, []*core.Capability{
		{AEID: "rogue_ae", Publishes: []string{"fused.track"}},
	})
	assert.False(t, e.CanPublish("rogue_ae", "fused.track", nil))
}

func TestFenceMatchesByRole(t *testing.T) {
	sp := loadFence(t)
	e := NewEngine(sp, []*core.Capability{
		{AEID: "some_ae", Publishes: []string{"fused.track"}, Subscribes: []string{"fused.track"}},
	})

	assert.True(t, e.CanPublish("some_ae", "fused.track", []string{"tracker"}))
	assert.False(t, e.CanPublish("some_ae", "fused.track", []string{"other_role"}))
	assert.True(t, e.CanSubscribe("some_ae", "fused.track", []string{"viewer"}))
}

func TestCapabilityOutsideFenceIsDropped(t *testing.T) {
	sp := loadFence(t)
	e := NewEngine(sp, []*core.Capability{
		{AEID: "fusion_ae", Publishes: []string{"fused.track", "not.in.fence"}},
	})

	assert.True(t, e.CanPublish("fusion_ae", "fused.track", nil))
	assert.False(t, e.CanPublish("fusion_ae", "not.in.fence", nil))
	assert.False(t, e.KnownSubject("not.in.fence"))
}

func TestUnknownSubjectDenied(t *testing.T) {
	e := NewEngine(loadFence(t), []*core.Capability{
		{AEID: "fusion_ae", Publishes: []string{"fused.track"}},
	})

	assert.False(t, e.CanPublish("fusion_ae", "no.such.subject", nil))
	assert.False(t, e.CanSubscribe("fusion_ae", "no.such.subject", nil))
}

func TestSnapshotSwapIsObserved(t *testing.T) {
	sp := loadFence(t)
	empty := NewEngine(sp, nil)
	snap := NewSnapshot(empty)

	assert.False(t, snap.Current().CanPublish("fusion_ae", "fused.track", nil))

	granted := NewEngine(sp, []*core.Capability{
		{AEID: "fusion_ae", Publishes: []string{"fused.track"}},
	})
	snap.Swap(granted)

	assert.True(t, snap.Current().CanPublish("fusion_ae", "fused.track", nil))
}
