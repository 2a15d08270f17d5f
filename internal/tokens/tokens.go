// Package tokens issues and verifies the short-lived access tokens the
// ingress pipeline trusts. Access tokens are HMAC-signed JWTs; refresh
// tokens are opaque strings owned by the session manager, never JWTs.
package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aegnix/abi/internal/core"
)

// AccessClaims bind a token to an admitted AE and its session.
type AccessClaims struct {
	jwt.RegisteredClaims
	SID   string   `json:"sid"`
	Roles []string `json:"roles,omitempty"`
}

// AEID is the token subject.
func (c *AccessClaims) AEID() string { return c.Subject }

// Service signs and validates access tokens with a shared secret.
type Service struct {
	secret []byte
	ttl    time.Duration
	method jwt.SigningMethod
}

// NewService builds the token service. Only HMAC algorithms are accepted:
// the broker is the single issuer and verifier, so asymmetric signing
// buys nothing here.
func NewService(secret, algo string, ttl time.Duration) (*Service, error) {
	if algo == "" {
		algo = "HS256"
	}
	method := jwt.GetSigningMethod(algo)
	if method == nil {
		return nil, fmt.Errorf("unknown jwt algorithm %q", algo)
	}
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("jwt algorithm %q not supported (HMAC only)", algo)
	}
	return &Service{secret: []byte(secret), ttl: ttl, method: method}, nil
}

// TTL is the configured access token lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

// IssueAccessToken signs claims {sub, sid, roles, iat, exp} for the pair
// (aeID, sessionID).
func (s *Service) IssueAccessToken(aeID, sessionID string, roles []string) (string, error) {
	now := time.Now().UTC()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   aeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		SID:   sessionID,
		Roles: roles,
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.secret)
}

// VerifyAccessToken validates signature and expiry. Clock skew is not
// compensated; an expired token is reported distinctly from an invalid one.
func (s *Service) VerifyAccessToken(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{s.method.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, core.Reject(core.KindUnauthenticated, core.ReasonTokenExpired, "access token expired")
		}
		return nil, core.Reject(core.KindUnauthenticated, core.ReasonInvalidToken, "access token invalid")
	}
	if !token.Valid || claims.Subject == "" || claims.SID == "" {
		return nil, core.Reject(core.KindUnauthenticated, core.ReasonInvalidToken, "access token invalid")
	}
	return claims, nil
}
