package tokens

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegnix/abi/internal/core"
)

func TestIssueAndVerify(t *testing.T) {
	svc, err := NewService("test-secret", "HS256", 5*time.Minute)
	require.NoError(t, err)

	raw, err := svc.IssueAccessToken("fusion_ae", "sid-1", []string{"tracker"})
	require.NoError(t, err)

	claims, err := svc.VerifyAccessToken(raw)
	require.NoError(t, err)
	assert.Equal(t, "fusion_ae", claims.AEID())
	assert.Equal(t, "sid-1", claims.SID)
	assert.Equal(t, []string{"tracker"}, claims.Roles)
}

func TestHMACOnly(t *testing.T) {
	_, err := NewService("secret", "RS256", time.Minute)
	assert.Error(t, err)

	_, err = NewService("secret", "nonsense", time.Minute)
	assert.Error(t, err)

	// Empty algo defaults to HS256.
	svc, err := NewService("secret", "", time.Minute)
	require.NoError(t, err)
	raw, err := svc.IssueAccessToken("ae", "sid", nil)
	require.NoError(t, err)
	_, err = svc.VerifyAccessToken(raw)
	assert.NoError(t, err)
}

func TestExpiredTokenDistinctFromInvalid(t *testing.T) {
	svc, err := NewService("secret", "HS256", -time.Minute)
	require.NoError(t, err)

	raw, err := svc.IssueAccessToken("fusion_ae", "sid-1", nil)
	require.NoError(t, err)

	_, err = svc.VerifyAccessToken(raw)
	rej := core.AsRejection(err)
	require.NotNil(t, rej)
	assert.Equal(t, core.ReasonTokenExpired, rej.Reason)
}

func TestWrongSecretRejected(t *testing.T) {
	issuer, err := NewService("secret-a", "HS256", time.Minute)
	require.NoError(t, err)
	verifier, err := NewService("secret-b", "HS256", time.Minute)
	require.NoError(t, err)

	raw, err := issuer.IssueAccessToken("fusion_ae", "sid-1", nil)
	require.NoError(t, err)

	_, err = verifier.VerifyAccessToken(raw)
	rej := core.AsRejection(err)
	require.NotNil(t, rej)
	assert.Equal(t, core.ReasonInvalidToken, rej.Reason)
}

func TestGarbageTokenRejected(t *testing.T) {
	svc, err := NewService("secret", "HS256", time.Minute)
	require.NoError(t, err)

	for _, raw := range []string{"", "garbage", "a.b.c"} {
		_, err := svc.VerifyAccessToken(raw)
		rej := core.AsRejection(err)
		require.NotNil(t, rej, "token %q", raw)
		assert.Equal(t, core.ReasonInvalidToken, rej.Reason)
	}
}

func TestMissingSubjectOrSessionRejected(t *testing.T) {
	svc, err := NewService("secret", "HS256", time.Minute)
	require.NoError(t, err)

	raw, err := svc.IssueAccessToken("", "sid-1", nil)
	require.NoError(t, err)
	_, err = svc.VerifyAccessToken(raw)
	assert.Error(t, err)

	raw, err = svc.IssueAccessToken("fusion_ae", "", nil)
	require.NoError(t, err)
	_, err = svc.VerifyAccessToken(raw)
	assert.Error(t, err)
}
