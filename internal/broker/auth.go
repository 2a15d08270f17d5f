package broker

import (
	"context"
	"encoding/base64"

	"github.com/aegnix/abi/internal/admission"
	"github.com/aegnix/abi/internal/audit"
	"github.com/aegnix/abi/internal/core"
	"github.com/aegnix/abi/internal/runtime"
	"github.com/aegnix/abi/internal/tokens"
)

// Grant is the token bundle returned by verification and refresh.
type Grant struct {
	AEID             string `json:"ae_id"`
	Verified         bool   `json:"verified"`
	SessionID        string `json:"session_id"`
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	Reason           string `json:"reason,omitempty"`
}

// IssueChallenge starts admission for aeID.
func (b *Broker) IssueChallenge(aeID string) (string, error) {
	nonce, err := b.Admission.IssueChallenge(aeID)
	if err != nil {
		return "", err
	}
	b.Audit.Log(audit.EventChallengeIssued, map[string]interface{}{"ae_id": aeID})
	return base64.StdEncoding.EncodeToString(nonce), nil
}

// VerifyChallenge completes admission: checks the signed nonce, opens a
// session under the default profile, and issues the token pair. A failed
// signature check returns a Grant with Verified=false and the reason,
// mirroring the challenge protocol rather than an HTTP error.
func (b *Broker) VerifyChallenge(ctx context.Context, aeID, signedNonceB64 string) (*Grant, error) {
	rec, ok := b.Keyring.GetByAEID(aeID)
	if !ok || rec.Status == core.KeyStatusRevoked {
		return nil, core.Reject(core.KindForbidden, core.ReasonNotTrusted, "ae not found or revoked")
	}

	signed, err := base64.StdEncoding.DecodeString(signedNonceB64)
	if err != nil {
		return nil, core.Reject(core.KindBadRequest, core.ReasonBadRequest, "signed_nonce_b64 is not valid base64")
	}

	ok, reason := b.Admission.VerifyResponse(aeID, signed)
	b.Metrics.AdmissionTotal.WithLabelValues(reason).Inc()
	b.Audit.Log(audit.EventVerifyResult, map[string]interface{}{
		"ae_id": aeID, "verified": ok, "reason": reason,
	})
	if !ok {
		return &Grant{AEID: aeID, Verified: false, Reason: reason}, nil
	}

	const profile = "default"
	session, err := b.Sessions.CreateSession(ctx, aeID, rec.Fingerprint, profile,
		map[string]string{"roles": joinRoles(rec.Roles)})
	if err != nil {
		return nil, err
	}
	rawRefresh, refreshRec, err := b.Sessions.CreateRefreshToken(ctx, session.ID, profile)
	if err != nil {
		return nil, err
	}
	access, err := b.Tokens.IssueAccessToken(aeID, session.ID, rec.Roles)
	if err != nil {
		return nil, err
	}

	b.Metrics.SessionsCreated.Inc()
	b.Heartbeat(aeID, session.ID, runtime.SourceRegister, "", "", "normal")

	return &Grant{
		AEID:             aeID,
		Verified:         true,
		SessionID:        session.ID,
		AccessToken:      access,
		ExpiresIn:        int64(b.Tokens.TTL().Seconds()),
		RefreshToken:     rawRefresh,
		RefreshExpiresIn: refreshRec.ExpiresAt - refreshRec.CreatedAt,
		Reason:           admission.ReasonVerified,
	}, nil
}

// RefreshSession exchanges a refresh token for a new access token,
// rotating the refresh token. The session must still be active.
func (b *Broker) RefreshSession(ctx context.Context, sessionID, rawRefresh string) (*Grant, error) {
	tokenRec, err := b.Sessions.ValidateRefreshToken(ctx, sessionID, rawRefresh)
	if err != nil {
		return nil, err
	}
	session, err := b.Sessions.AssertSessionActive(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	newRaw, newRec, err := b.Sessions.RotateRefreshToken(ctx, tokenRec)
	if err != nil {
		return nil, err
	}

	roles := splitRoles(session.Metadata["roles"])
	access, err := b.Tokens.IssueAccessToken(session.Subject, session.ID, roles)
	if err != nil {
		return nil, err
	}
	if err := b.Sessions.Touch(ctx, sessionID); err != nil {
		b.logger.Printf("touch after refresh sid=%s: %v", sessionID, err)
	}

	b.Metrics.RefreshRotated.Inc()
	b.Heartbeat(session.Subject, session.ID, runtime.SourceSession, "", "", "normal")

	return &Grant{
		AEID:             session.Subject,
		SessionID:        session.ID,
		AccessToken:      access,
		ExpiresIn:        int64(b.Tokens.TTL().Seconds()),
		RefreshToken:     newRaw,
		RefreshExpiresIn: newRec.ExpiresAt - newRec.CreatedAt,
	}, nil
}

// SessionHeartbeat slides the idle window for the token's session.
func (b *Broker) SessionHeartbeat(ctx context.Context, bearer, source string) (*tokens.AccessClaims, error) {
	claims, err := b.verifyBearer(bearer)
	if err != nil {
		return nil, err
	}
	if _, err := b.Sessions.AssertSessionActive(ctx, claims.SID); err != nil {
		return nil, err
	}
	if err := b.Sessions.Touch(ctx, claims.SID); err != nil {
		return nil, err
	}
	b.Heartbeat(claims.AEID(), claims.SID, source, "", "", "normal")
	return claims, nil
}

// AuthorizeSubscribe gates streaming egress: token, trust, policy, then
// a heartbeat with source "subscribe". Returns the verified claims.
func (b *Broker) AuthorizeSubscribe(ctx context.Context, bearer, topic string) (*tokens.AccessClaims, error) {
	claims, err := b.verifyBearer(bearer)
	if err != nil {
		return nil, err
	}
	if _, err := b.Sessions.AssertSessionActive(ctx, claims.SID); err != nil {
		return nil, err
	}

	rec, ok := b.Keyring.GetByAEID(claims.AEID())
	if !ok {
		return nil, core.Reject(core.KindForbidden, core.ReasonAENotFound, "subscriber not enrolled")
	}
	if !rec.Trusted() {
		return nil, core.Reject(core.KindForbidden, core.ReasonNotTrusted, "subscriber key not trusted")
	}

	roles := rec.Roles
	if len(roles) == 0 {
		roles = claims.Roles
	}
	if !b.Policy.Current().CanSubscribe(claims.AEID(), topic, roles) {
		b.Audit.Log(audit.EventSubscribeDenied, map[string]interface{}{
			"ae_id": claims.AEID(), "topic": topic, "reason": core.ReasonPolicyDenied,
		})
		return nil, core.Reject(core.KindForbidden, core.ReasonPolicyDenied, "subscribe not allowed by policy")
	}

	b.Heartbeat(claims.AEID(), claims.SID, runtime.SourceSubscribe, "subscribe", topic, "normal")
	return claims, nil
}

// DeclareCapability validates the requested subjects against the static
// fence, persists the declaration, and rebuilds policy so enforcement
// sees it immediately.
func (b *Broker) DeclareCapability(ctx context.Context, bearer string, publishes, subscribes []string, meta map[string]string) (*core.Capability, error) {
	claims, err := b.verifyBearer(bearer)
	if err != nil {
		return nil, err
	}
	if _, err := b.Sessions.AssertSessionActive(ctx, claims.SID); err != nil {
		return nil, err
	}

	engine := b.Policy.Current()
	var unknown []string
	for _, s := range append(append([]string(nil), publishes...), subscribes...) {
		if !engine.KnownSubject(s) {
			unknown = append(unknown, s)
		}
	}
	if len(unknown) > 0 {
		return nil, core.Reject(core.KindBadRequest, core.ReasonUnknownSubject,
			"unknown subjects: "+joinRoles(unknown))
	}

	cap := &core.Capability{
		AEID:       claims.AEID(),
		Publishes:  publishes,
		Subscribes: subscribes,
		Meta:       meta,
		UpdatedAt:  nowUnix(),
	}
	if err := b.Store.UpsertCapability(ctx, cap); err != nil {
		return nil, err
	}
	if err := b.RebuildPolicy(ctx); err != nil {
		b.logger.Printf("policy rebuild after capability upsert: %v", err)
	}

	b.Heartbeat(claims.AEID(), claims.SID, runtime.SourceExplicit, "declare", "", "normal")
	return cap, nil
}
