package keyring

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegnix/abi/internal/config"
	"github.com/aegnix/abi/internal/core"
	"github.com/aegnix/abi/internal/storage"
)

func newTestKeyring(t *testing.T) *Keyring {
	t.Helper()
	store, err := storage.Open(config.StorageConfig{Provider: "sqlite", SQLitePath: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { store.Close() })
	return New(store)
}

func genKeyB64(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(pub)
}

func TestAddKeyIndexesBothWays(t *testing.T) {
	k := newTestKeyring(t)
	pubB64 := genKeyB64(t)

	rec, err := k.AddKey(context.Background(), "fusion_ae", pubB64, []string{"tracker"}, core.KeyStatusTrusted)
	require.NoError(t, err)
	assert.Len(t, rec.Fingerprint, 64, "sha-256 hex fingerprint")

	byID, ok := k.GetByAEID("fusion_ae")
	require.True(t, ok)
	assert.Equal(t, rec.Fingerprint, byID.Fingerprint)

	byFpr, ok := k.GetByFingerprint(rec.Fingerprint)
	require.True(t, ok)
	assert.Equal(t, "fusion_ae", byFpr.AEID)
}

func TestAddKeyDefaultsToUntrusted(t *testing.T) {
	k := newTestKeyring(t)

	rec, err := k.AddKey(context.Background(), "new_ae", genKeyB64(t), nil, "")
	require.NoError(t, err)
	assert.Equal(t, core.KeyStatusUntrusted, rec.Status)
}

func TestAddKeyRejectsBadMaterial(t *testing.T) {
	k := newTestKeyring(t)
	ctx := context.Background()

	_, err := k.AddKey(ctx, "ae", "not-base64!!!", nil, "")
	assert.Error(t, err)

	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	_, err = k.AddKey(ctx, "ae", short, nil, "")
	assert.Error(t, err)

	_, err = k.AddKey(ctx, "ae", genKeyB64(t), nil, "SHADY")
	assert.Error(t, err)
}

func TestRotationDropsOldFingerprint(t *testing.T) {
	k := newTestKeyring(t)
	ctx := context.Background()

	first, err := k.AddKey(ctx, "fusion_ae", genKeyB64(t), nil, core.KeyStatusTrusted)
	require.NoError(t, err)
	second, err := k.AddKey(ctx, "fusion_ae", genKeyB64(t), nil, core.KeyStatusTrusted)
	require.NoError(t, err)
	require.NotEqual(t, first.Fingerprint, second.Fingerprint)

	_, ok := k.GetByFingerprint(first.Fingerprint)
	assert.False(t, ok, "stale fingerprint must not resolve")
	_, ok = k.GetByFingerprint(second.Fingerprint)
	assert.True(t, ok)
}

func TestRevokeRetainsRecord(t *testing.T) {
	k := newTestKeyring(t)
	ctx := context.Background()

	rec, err := k.AddKey(ctx, "fusion_ae", genKeyB64(t), nil, core.KeyStatusTrusted)
	require.NoError(t, err)
	require.NoError(t, k.Revoke(ctx, "fusion_ae"))

	got, ok := k.GetByAEID("fusion_ae")
	require.True(t, ok)
	assert.Equal(t, core.KeyStatusRevoked, got.Status)
	assert.Equal(t, rec.Fingerprint, got.Fingerprint)
}

func TestRevokeUnknownAE(t *testing.T) {
	k := newTestKeyring(t)
	err := k.Revoke(context.Background(), "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLoadWarmsIndexes(t *testing.T) {
	store, err := storage.Open(config.StorageConfig{Provider: "sqlite", SQLitePath: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { store.Close() })

	first := New(store)
	rec, err := first.AddKey(context.Background(), "fusion_ae", genKeyB64(t), []string{"tracker"}, core.KeyStatusTrusted)
	require.NoError(t, err)

	// A fresh keyring over the same store sees the record after Load.
	second := New(store)
	_, ok := second.GetByAEID("fusion_ae")
	require.False(t, ok)
	require.NoError(t, second.Load(context.Background()))

	got, ok := second.GetByAEID("fusion_ae")
	require.True(t, ok)
	assert.Equal(t, rec.Fingerprint, got.Fingerprint)
	assert.Equal(t, []string{"tracker"}, got.Roles)
}
