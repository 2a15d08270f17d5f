package admission

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegnix/abi/internal/config"
	"github.com/aegnix/abi/internal/core"
	"github.com/aegnix/abi/internal/keyring"
	"github.com/aegnix/abi/internal/storage"
)

func newTestService(t *testing.T, ttl time.Duration) (*Service, ed25519.PrivateKey) {
	t.Helper()
	store, err := storage.Open(config.StorageConfig{Provider: "sqlite", SQLitePath: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { store.Close() })

	keys := keyring.New(store)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = keys.AddKey(context.Background(), "fusion_ae",
		base64.StdEncoding.EncodeToString(pub), []string{"tracker"}, core.KeyStatusTrusted)
	require.NoError(t, err)

	return NewService(keys, ttl), priv
}

func TestChallengeRoundTrip(t *testing.T) {
	svc, priv := newTestService(t, time.Minute)

	nonce, err := svc.IssueChallenge("fusion_ae")
	require.NoError(t, err)
	require.Len(t, nonce, NonceSize)

	ok, reason := svc.VerifyResponse("fusion_ae", ed25519.Sign(priv, nonce))
	assert.True(t, ok)
	assert.Equal(t, ReasonVerified, reason)
}

func TestChallengeUnknownAE(t *testing.T) {
	svc, _ := newTestService(t, time.Minute)

	_, err := svc.IssueChallenge("ghost_ae")
	assert.ErrorIs(t, err, ErrUnknownAE)
}

func TestVerifyWithoutChallenge(t *testing.T) {
	svc, priv := newTestService(t, time.Minute)

	ok, reason := svc.VerifyResponse("fusion_ae", ed25519.Sign(priv, []byte("anything")))
	assert.False(t, ok)
	assert.Equal(t, ReasonNoChallenge, reason)
}

func TestVerifyBadSignatureIsRetryable(t *testing.T) {
	svc, priv := newTestService(t, time.Minute)

	nonce, err := svc.IssueChallenge("fusion_ae")
	require.NoError(t, err)

	ok, reason := svc.VerifyResponse("fusion_ae", []byte("garbage signature"))
	assert.False(t, ok)
	assert.Equal(t, ReasonBadSignature, reason)

	// The nonce was not consumed; a correct retry succeeds.
	ok, reason = svc.VerifyResponse("fusion_ae", ed25519.Sign(priv, nonce))
	assert.True(t, ok)
	assert.Equal(t, ReasonVerified, reason)
}

func TestNonceConsumedOnSuccess(t *testing.T) {
	svc, priv := newTestService(t, time.Minute)

	nonce, err := svc.IssueChallenge("fusion_ae")
	require.NoError(t, err)
	sig := ed25519.Sign(priv, nonce)

	ok, _ := svc.VerifyResponse("fusion_ae", sig)
	require.True(t, ok)

	// Replay of the same signed nonce fails.
	ok, reason := svc.VerifyResponse("fusion_ae", sig)
	assert.False(t, ok)
	assert.Equal(t, ReasonNoChallenge, reason)
}

func TestExpiredChallenge(t *testing.T) {
	svc, priv := newTestService(t, time.Millisecond)

	nonce, err := svc.IssueChallenge("fusion_ae")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	ok, reason := svc.VerifyResponse("fusion_ae", ed25519.Sign(priv, nonce))
	assert.False(t, ok)
	assert.Equal(t, ReasonExpired, reason)
}

func TestRevokedAENeverAdmits(t *testing.T) {
	svc, priv := newTestService(t, time.Minute)

	nonce, err := svc.IssueChallenge("fusion_ae")
	require.NoError(t, err)

	rec, _ := svc.keys.GetByAEID("fusion_ae")
	require.NoError(t, svc.keys.Revoke(context.Background(), rec.AEID))

	ok, reason := svc.VerifyResponse("fusion_ae", ed25519.Sign(priv, nonce))
	assert.False(t, ok)
	assert.Equal(t, ReasonAERevoked, reason)
}

func TestJanitorSweepsExpiredNonces(t *testing.T) {
	svc, _ := newTestService(t, time.Millisecond)

	_, err := svc.IssueChallenge("fusion_ae")
	require.NoError(t, err)
	require.Equal(t, 1, svc.Nonces().Len())

	time.Sleep(5 * time.Millisecond)
	svc.Nonces().sweep()
	assert.Equal(t, 0, svc.Nonces().Len())
}
