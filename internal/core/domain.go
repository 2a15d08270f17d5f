// Package core holds the domain types shared across the broker: key
// records, capabilities, sessions, refresh tokens, envelopes and the
// rejection type used by the ingress pipeline.
package core

// Key trust states. A revoked key is never usable, but the record is
// retained so audits can still resolve the identity.
const (
	KeyStatusUntrusted = "untrusted"
	KeyStatusTrusted   = "trusted"
	KeyStatusRevoked   = "revoked"
)

// KeyRecord binds an AE identity to its Ed25519 public key, roles and
// trust status. The fingerprint is computed once at insert time and is a
// secondary lookup key for envelope key_id resolution.
type KeyRecord struct {
	AEID        string   `json:"ae_id"`
	PubKey      []byte   `json:"-"`
	PubKeyB64   string   `json:"pubkey_b64"`
	Fingerprint string   `json:"pubkey_fingerprint"`
	Roles       []string `json:"roles"`
	Status      string   `json:"status"`
	ExpiresAt   int64    `json:"expires_at,omitempty"`
}

// Trusted reports whether the key may admit or sign traffic.
func (k *KeyRecord) Trusted() bool {
	return k.Status == KeyStatusTrusted
}

// Capability is an AE's declared publish/subscribe intent. One record per
// AE with upsert semantics; subjects must exist in the static fence.
type Capability struct {
	AEID       string            `json:"ae_id"`
	Publishes  []string          `json:"publishes"`
	Subscribes []string          `json:"subscribes"`
	Meta       map[string]string `json:"meta,omitempty"`
	UpdatedAt  int64             `json:"updated_at"`
}

// Session lifecycle states. REVOKED and EXPIRED are terminal.
const (
	SessionActive  = "ACTIVE"
	SessionStale   = "STALE"
	SessionRevoked = "REVOKED"
	SessionExpired = "EXPIRED"
)

// Session is the unit of authenticated presence for an AE. Timestamps are
// unix seconds; invariant: LastSeenAt <= min(now, ExpiresAt).
type Session struct {
	ID         string            `json:"id"`
	Subject    string            `json:"subject"`
	PubKeyFpr  string            `json:"pubkey_fpr"`
	CreatedAt  int64             `json:"created_at"`
	ExpiresAt  int64             `json:"expires_at"`
	LastSeenAt int64             `json:"last_seen_at"`
	Status     string            `json:"status"`
	MaxIdleSec int64             `json:"max_idle_sec"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Terminal reports whether the session can never become ACTIVE again.
func (s *Session) Terminal() bool {
	return s.Status == SessionRevoked || s.Status == SessionExpired
}

// RefreshToken is the stored form of an opaque refresh credential. Only
// the SHA-256 hash is persisted; the raw token is returned exactly once.
type RefreshToken struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	TokenHash string `json:"-"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
	Revoked   bool   `json:"revoked"`
	Rotation  int    `json:"rotation"`
	Reason    string `json:"reason,omitempty"`
}
