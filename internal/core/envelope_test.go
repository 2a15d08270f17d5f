package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnvelope() *Envelope {
	return &Envelope{
		Producer: "fusion_ae",
		Subject:  "fused.track",
		Payload:  map[string]interface{}{"track_id": "TEST-123", "x": 1.5},
		Labels:   map[string]string{"grid": "alpha"},
		KeyID:    "abcdef",
		TS:       1700000000.5,
		Sig:      "c2ln",
	}
}

func TestDecodeEnvelope(t *testing.T) {
	raw, err := json.Marshal(validEnvelope())
	require.NoError(t, err)

	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, "fusion_ae", env.Producer)
	assert.Equal(t, "fused.track", env.Subject)
	assert.Equal(t, "TEST-123", env.Payload["track_id"])
}

func TestDecodeEnvelopeShapeErrors(t *testing.T) {
	cases := map[string]string{
		"malformed json":   `{not json`,
		"missing producer": `{"subject":"s","sig":"x"}`,
		"missing subject":  `{"producer":"p","sig":"x"}`,
		"missing sig":      `{"producer":"p","subject":"s"}`,
	}
	for name, raw := range cases {
		_, err := DecodeEnvelope([]byte(raw))
		rej := AsRejection(err)
		require.NotNil(t, rej, name)
		assert.Equal(t, KindBadRequest, rej.Kind, name)
	}
}

func TestSigningBytesExcludeSig(t *testing.T) {
	env := validEnvelope()

	signed, err := env.SigningBytes()
	require.NoError(t, err)
	assert.NotContains(t, string(signed), `"sig"`)

	// The signature field never changes what gets signed.
	env.Sig = "ZGlmZmVyZW50"
	again, err := env.SigningBytes()
	require.NoError(t, err)
	assert.Equal(t, signed, again)
}

func TestSigningBytesStableAcrossFieldOrder(t *testing.T) {
	a := []byte(`{"producer":"p","subject":"s","ts":1,"payload":{"b":2,"a":1},"sig":"x"}`)
	b := []byte(`{"sig":"x","payload":{"a":1,"b":2},"ts":1,"subject":"s","producer":"p"}`)

	envA, err := DecodeEnvelope(a)
	require.NoError(t, err)
	envB, err := DecodeEnvelope(b)
	require.NoError(t, err)

	bytesA, err := envA.SigningBytes()
	require.NoError(t, err)
	bytesB, err := envB.SigningBytes()
	require.NoError(t, err)
	assert.Equal(t, bytesA, bytesB)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	env := validEnvelope()
	env.Sig = ""
	toSign, err := env.SigningBytes()
	require.NoError(t, err)
	env.Sig = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, toSign))

	// Verification recomputes the same bytes the producer signed.
	check, err := env.SigningBytes()
	require.NoError(t, err)
	sig, err := base64.StdEncoding.DecodeString(env.Sig)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, check, sig))

	// Any payload tamper breaks the signature.
	env.Payload["track_id"] = "TAMPERED"
	check, err = env.SigningBytes()
	require.NoError(t, err)
	assert.False(t, ed25519.Verify(pub, check, sig))
}

func TestToMapOmitsEmptyFields(t *testing.T) {
	env := &Envelope{Producer: "p", Subject: "s", TS: 1}

	m := env.ToMap()
	assert.Equal(t, "p", m["producer"])
	assert.NotContains(t, m, "payload")
	assert.NotContains(t, m, "sig")
	assert.NotContains(t, m, "key_id")
}
