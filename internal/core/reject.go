package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a rejection into its transport-level outcome.
type Kind string

const (
	KindUnauthenticated Kind = "UNAUTHENTICATED"
	KindForbidden       Kind = "FORBIDDEN"
	KindBadRequest      Kind = "BAD_REQUEST"
	KindConflict        Kind = "CONFLICT"
	KindNotFound        Kind = "NOT_FOUND"
	KindInternal        Kind = "INTERNAL"
)

// Machine-readable rejection reasons. The vocabulary is closed: handlers,
// audit entries and clients all switch on these strings.
const (
	ReasonMissingBearer    = "missing_bearer"
	ReasonInvalidToken     = "invalid_token"
	ReasonTokenExpired     = "token_expired"
	ReasonProducerMismatch = "producer_mismatch"
	ReasonAENotFound       = "ae_not_found"
	ReasonNotTrusted       = "not_trusted"
	ReasonPolicyDenied     = "policy_denied"
	ReasonInvalidSignature = "invalid_signature"
	ReasonSessionExpired   = "session_expired"
	ReasonSessionRevoked   = "session_revoked"
	ReasonUnknownSubject   = "unknown_subject"
	ReasonBadRefresh       = "bad_refresh"
	ReasonBadRequest       = "bad_request"
	ReasonMeshUnavailable  = "mesh_unavailable"
	ReasonInternal         = "internal"
)

// Rejection is the one error type that crosses pipeline stage boundaries.
// Stages return it instead of writing to the response; the handler layer
// translates it to the wire format exactly once.
type Rejection struct {
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("%s: %s", r.Kind, r.Reason)
	}
	return fmt.Sprintf("%s: %s (%s)", r.Kind, r.Reason, r.Detail)
}

// Reject builds a Rejection with the given kind and closed-vocabulary reason.
func Reject(kind Kind, reason, detail string) *Rejection {
	return &Rejection{Kind: kind, Reason: reason, Detail: detail}
}

// HTTPStatus maps the rejection kind to its HTTP status code.
func (r *Rejection) HTTPStatus() int {
	switch r.Kind {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindBadRequest:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// AsRejection extracts a *Rejection from err, wrapping anything else as
// INTERNAL so unexpected failures never leak stack detail to the wire.
func AsRejection(err error) *Rejection {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej
	}
	return &Rejection{Kind: KindInternal, Reason: ReasonInternal, Detail: err.Error()}
}
