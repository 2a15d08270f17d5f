package broker

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"time"

	"github.com/aegnix/abi/internal/core"
	"github.com/aegnix/abi/internal/runtime"
	"github.com/aegnix/abi/internal/tokens"
)

// Receipt acknowledges an accepted emit. It reflects ingress acceptance
// only; downstream delivery is the mesh's problem and is not awaited.
type Receipt struct {
	Status  string  `json:"status"`
	Subject string  `json:"subject"`
	TS      float64 `json:"ts"`
}

// Emit is the ingress checkpoint. Stages run in strict order and the
// first failure short-circuits with a specific rejection after writing
// its audit record. Stages through signature verification are pure
// against broker state; what follows are side effects that must not
// convert an accepted emit into a rejection.
func (b *Broker) Emit(ctx context.Context, bearer string, body []byte) (*Receipt, error) {
	started := time.Now()
	receipt, err := b.emit(ctx, bearer, body)
	result := "accepted"
	if err != nil {
		result = core.AsRejection(err).Reason
	}
	b.Metrics.EmitTotal.WithLabelValues(result).Inc()
	b.Metrics.EmitDuration.WithLabelValues(result).Observe(time.Since(started).Seconds())
	return receipt, err
}

func (b *Broker) emit(ctx context.Context, bearer string, body []byte) (*Receipt, error) {
	// 1-2. Bearer presence and token verification.
	claims, err := b.verifyBearer(bearer)
	if err != nil {
		b.auditRejection(err, "", "")
		return nil, err
	}

	// 3. Envelope decode.
	env, err := core.DecodeEnvelope(body)
	if err != nil {
		b.auditRejection(err, claims.AEID(), "")
		return nil, err
	}

	// 4. Producer identity must match the token subject.
	if env.Producer != claims.AEID() {
		rej := core.Reject(core.KindForbidden, core.ReasonProducerMismatch,
			"envelope producer does not match token subject")
		b.Audit.Log("emit_blocked_trust", map[string]interface{}{
			"producer": env.Producer, "subject": env.Subject,
			"token_sub": claims.AEID(), "reason": rej.Reason,
		})
		return nil, rej
	}

	// 5. Session must still be active.
	if _, err := b.Sessions.AssertSessionActive(ctx, claims.SID); err != nil {
		b.auditRejection(err, env.Producer, env.Subject)
		return nil, err
	}

	// 6. Keyring trust, by producer id with fingerprint fallback.
	rec, ok := b.Keyring.GetByAEID(env.Producer)
	if !ok && env.KeyID != "" {
		rec, ok = b.Keyring.GetByFingerprint(env.KeyID)
	}
	if !ok {
		rej := core.Reject(core.KindForbidden, core.ReasonAENotFound, "producer not enrolled")
		b.Audit.Log("emit_blocked_trust", map[string]interface{}{
			"producer": env.Producer, "subject": env.Subject,
			"key_id": env.KeyID, "reason": rej.Reason,
		})
		return nil, rej
	}
	if !rec.Trusted() {
		rej := core.Reject(core.KindForbidden, core.ReasonNotTrusted, "producer key not trusted")
		b.Audit.Log("emit_blocked_trust", map[string]interface{}{
			"producer": env.Producer, "subject": env.Subject,
			"status": rec.Status, "reason": rej.Reason,
		})
		return nil, rej
	}

	// 7. Policy. Keyring roles take precedence over token roles.
	roles := rec.Roles
	if len(roles) == 0 {
		roles = claims.Roles
	}
	if !b.Policy.Current().CanPublish(env.Producer, env.Subject, roles) {
		rej := core.Reject(core.KindForbidden, core.ReasonPolicyDenied, "publish not allowed by policy")
		b.Audit.Log("emit_blocked_policy", map[string]interface{}{
			"producer": env.Producer, "subject": env.Subject, "reason": rej.Reason,
		})
		return nil, rej
	}

	// 8. Signature, strict Ed25519 over the canonical signing bytes.
	if err := verifySignature(rec, env); err != nil {
		b.Audit.Log("emit_blocked_sig", map[string]interface{}{
			"producer": env.Producer, "subject": env.Subject,
			"reason": core.ReasonInvalidSignature,
		})
		return nil, err
	}

	// 9. Liveness heartbeat, best-effort.
	b.Heartbeat(env.Producer, claims.SID, runtime.SourceEmit, "publish", env.Subject, "normal")

	// 10. Audit receipt then processing.
	now := float64(time.Now().UnixNano()) / 1e9
	b.Audit.Log("emit_received", map[string]interface{}{
		"ts": now, "producer": env.Producer, "subject": env.Subject, "labels": env.Labels,
	})
	b.Audit.Log("emit_processed", map[string]interface{}{
		"producer": env.Producer, "subject": env.Subject,
	})

	// 11. Mesh dispatch, the one trust-boundary crossing. Failure is
	// INTERNAL: the attempt is already on record.
	wire, err := env.Bytes()
	if err != nil {
		return nil, core.Reject(core.KindInternal, core.ReasonInternal, err.Error())
	}
	if err := b.Mesh.Publish(ctx, env.Subject, wire); err != nil {
		b.logger.Printf("mesh publish failed subject=%s: %v", env.Subject, err)
		return nil, core.Reject(core.KindInternal, core.ReasonMeshUnavailable, "mesh transport failed")
	}

	// 12. Local fan-out to streaming subscribers.
	b.Bus.Publish(env.Subject, env.ToMap())
	b.Metrics.BusPublished.WithLabelValues(env.Subject).Inc()

	return &Receipt{Status: "accepted", Subject: env.Subject, TS: now}, nil
}

// verifyBearer handles stages 1 and 2: header shape, then signature and
// expiry of the access token.
func (b *Broker) verifyBearer(bearer string) (*tokens.AccessClaims, error) {
	if bearer == "" {
		return nil, core.Reject(core.KindUnauthenticated, core.ReasonMissingBearer, "missing bearer token")
	}
	return b.Tokens.VerifyAccessToken(bearer)
}

func verifySignature(rec *core.KeyRecord, env *core.Envelope) error {
	sig, err := base64.StdEncoding.DecodeString(env.Sig)
	if err != nil {
		return core.Reject(core.KindBadRequest, core.ReasonInvalidSignature, "sig is not valid base64")
	}
	msg, err := env.SigningBytes()
	if err != nil {
		return core.Reject(core.KindBadRequest, core.ReasonInvalidSignature, "envelope not canonicalizable")
	}
	if len(rec.PubKey) != ed25519.PublicKeySize || !ed25519.Verify(ed25519.PublicKey(rec.PubKey), msg, sig) {
		return core.Reject(core.KindBadRequest, core.ReasonInvalidSignature, "signature does not verify")
	}
	return nil
}

// auditRejection writes the generic rejection record stages 1-5 share.
func (b *Broker) auditRejection(err error, producer, subject string) {
	rej := core.AsRejection(err)
	b.Audit.Log("emit_rejected", map[string]interface{}{
		"producer": producer, "subject": subject, "reason": rej.Reason,
	})
}
