// Package sessions owns the authenticated-presence lifecycle: session
// records, opaque refresh tokens, idle and hard expiry, rotation and
// revocation. All mutations for one session id are serialized through a
// striped lock; the store only ever sees single-statement writes.
package sessions

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegnix/abi/internal/core"
	"github.com/aegnix/abi/internal/storage"
)

// Profile is a named preset of session timing constants, all in seconds.
type Profile struct {
	SessionLifetimeSec int64
	RefreshLifetimeSec int64
	AccessTTLSec       int64
	MaxIdleSec         int64
}

// Built-in profiles. "long_lived" and "backend_daemon" share constants:
// the former is the operator-facing name, the latter what daemons request.
func defaultProfiles() map[string]Profile {
	day := int64(24 * 3600)
	month := int64(30 * 24 * 3600)
	week := int64(7 * 24 * 3600)
	return map[string]Profile{
		"default":        {SessionLifetimeSec: day, RefreshLifetimeSec: day, AccessTTLSec: 300, MaxIdleSec: 600},
		"tactical_ae":    {SessionLifetimeSec: day, RefreshLifetimeSec: day, AccessTTLSec: 300, MaxIdleSec: 600},
		"long_lived":     {SessionLifetimeSec: month, RefreshLifetimeSec: week, AccessTTLSec: 900, MaxIdleSec: day},
		"backend_daemon": {SessionLifetimeSec: month, RefreshLifetimeSec: week, AccessTTLSec: 900, MaxIdleSec: day},
	}
}

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	subject TEXT NOT NULL,
	pubkey_fpr TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	last_seen_at INTEGER NOT NULL,
	status TEXT NOT NULL,
	max_idle_sec INTEGER NOT NULL,
	metadata TEXT
)`

const refreshSchema = `
CREATE TABLE IF NOT EXISTS refresh_tokens (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	token_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	revoked INTEGER NOT NULL,
	rotation INTEGER NOT NULL,
	reason TEXT
)`

const lockStripes = 64

// Manager creates, validates, rotates and revokes sessions and their
// refresh tokens.
type Manager struct {
	store    storage.Storage
	profiles map[string]Profile
	locks    [lockStripes]sync.Mutex
	logger   *log.Logger

	// test seam; production always uses wall time
	now func() int64
}

func NewManager(store storage.Storage) *Manager {
	return &Manager{
		store:    store,
		profiles: defaultProfiles(),
		logger:   log.New(os.Stdout, "[Sessions] ", log.LstdFlags),
		now:      func() int64 { return time.Now().Unix() },
	}
}

// EnsureTables creates the session tables. Called once at startup.
func (m *Manager) EnsureTables(ctx context.Context) error {
	if err := m.store.Execute(ctx, sessionsSchema); err != nil {
		return fmt.Errorf("sessions schema: %w", err)
	}
	if err := m.store.Execute(ctx, refreshSchema); err != nil {
		return fmt.Errorf("refresh_tokens schema: %w", err)
	}
	m.logger.Printf("session tables ready")
	return nil
}

// OverrideProfile replaces or adds a named profile; zero fields keep the
// built-in values.
func (m *Manager) OverrideProfile(name string, p Profile) {
	base, ok := m.profiles[name]
	if !ok {
		base = m.profiles["default"]
	}
	if p.SessionLifetimeSec > 0 {
		base.SessionLifetimeSec = p.SessionLifetimeSec
	}
	if p.RefreshLifetimeSec > 0 {
		base.RefreshLifetimeSec = p.RefreshLifetimeSec
	}
	if p.AccessTTLSec > 0 {
		base.AccessTTLSec = p.AccessTTLSec
	}
	if p.MaxIdleSec > 0 {
		base.MaxIdleSec = p.MaxIdleSec
	}
	m.profiles[name] = base
}

// Profile returns a named preset.
func (m *Manager) Profile(name string) (Profile, bool) {
	p, ok := m.profiles[name]
	return p, ok
}

func (m *Manager) lockFor(sid string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sid))
	return &m.locks[h.Sum32()%lockStripes]
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func newRawToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ============================================================================
// Creation
// ============================================================================

// CreateSession opens an ACTIVE session for subject under the named profile.
func (m *Manager) CreateSession(ctx context.Context, subject, pubkeyFpr, profile string, metadata map[string]string) (*core.Session, error) {
	p, ok := m.profiles[profile]
	if !ok {
		return nil, fmt.Errorf("unknown session profile: %s", profile)
	}
	now := m.now()

	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	sid := uuid.New().String()
	record := storage.Row{
		"id":           sid,
		"subject":      subject,
		"pubkey_fpr":   pubkeyFpr,
		"created_at":   now,
		"expires_at":   now + p.SessionLifetimeSec,
		"last_seen_at": now,
		"status":       core.SessionActive,
		"max_idle_sec": p.MaxIdleSec,
		"metadata":     string(meta),
	}
	if err := m.store.Insert(ctx, "sessions", record); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	m.logger.Printf("session created sid=%s subject=%s profile=%s", sid, subject, profile)
	return m.GetSession(ctx, sid)
}

// CreateRefreshToken issues a fresh opaque token for the session. The raw
// value is returned exactly once; only its hash reaches storage.
func (m *Manager) CreateRefreshToken(ctx context.Context, sessionID, profile string) (string, *core.RefreshToken, error) {
	p, ok := m.profiles[profile]
	if !ok {
		return "", nil, fmt.Errorf("unknown session profile: %s", profile)
	}
	raw, err := newRawToken()
	if err != nil {
		return "", nil, err
	}
	now := m.now()

	rid := uuid.New().String()
	record := storage.Row{
		"id":         rid,
		"session_id": sessionID,
		"token_hash": hashToken(raw),
		"created_at": now,
		"expires_at": now + p.RefreshLifetimeSec,
		"revoked":    0,
		"rotation":   0,
		"reason":     "",
	}
	if err := m.store.Insert(ctx, "refresh_tokens", record); err != nil {
		return "", nil, fmt.Errorf("insert refresh token: %w", err)
	}

	m.logger.Printf("refresh token issued sid=%s", sessionID)
	tok, err := m.getRefreshToken(ctx, rid)
	if err != nil {
		return "", nil, err
	}
	return raw, tok, nil
}

// ============================================================================
// Lookup
// ============================================================================

// GetSession returns the session or storage.ErrNotFound.
func (m *Manager) GetSession(ctx context.Context, sid string) (*core.Session, error) {
	row, err := m.store.FetchOne(ctx,
		`SELECT id, subject, pubkey_fpr, created_at, expires_at, last_seen_at, status, max_idle_sec, metadata
		 FROM sessions WHERE id = ?`, sid)
	if err != nil {
		return nil, err
	}
	return sessionFromRow(row)
}

func sessionFromRow(row storage.Row) (*core.Session, error) {
	s := &core.Session{
		ID:         row.String("id"),
		Subject:    row.String("subject"),
		PubKeyFpr:  row.String("pubkey_fpr"),
		CreatedAt:  row.Int64("created_at"),
		ExpiresAt:  row.Int64("expires_at"),
		LastSeenAt: row.Int64("last_seen_at"),
		Status:     row.String("status"),
		MaxIdleSec: row.Int64("max_idle_sec"),
	}
	if meta := row.String("metadata"); meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &s.Metadata); err != nil {
			return nil, fmt.Errorf("session %s: bad metadata: %w", s.ID, err)
		}
	}
	return s, nil
}

func (m *Manager) getRefreshToken(ctx context.Context, rid string) (*core.RefreshToken, error) {
	row, err := m.store.FetchOne(ctx,
		`SELECT id, session_id, token_hash, created_at, expires_at, revoked, rotation, reason
		 FROM refresh_tokens WHERE id = ?`, rid)
	if err != nil {
		return nil, err
	}
	return refreshFromRow(row), nil
}

func refreshFromRow(row storage.Row) *core.RefreshToken {
	return &core.RefreshToken{
		ID:        row.String("id"),
		SessionID: row.String("session_id"),
		TokenHash: row.String("token_hash"),
		CreatedAt: row.Int64("created_at"),
		ExpiresAt: row.Int64("expires_at"),
		Revoked:   row.Bool("revoked"),
		Rotation:  int(row.Int64("rotation")),
		Reason:    row.String("reason"),
	}
}

// ============================================================================
// Validation
// ============================================================================

// ValidateRefreshToken resolves the session's non-revoked token and
// compares hashes in constant time. Expired tokens are auto-revoked with
// reason "expired" and rejected.
func (m *Manager) ValidateRefreshToken(ctx context.Context, sessionID, raw string) (*core.RefreshToken, error) {
	rows, err := m.store.FetchAll(ctx,
		`SELECT id, session_id, token_hash, created_at, expires_at, revoked, rotation, reason
		 FROM refresh_tokens WHERE session_id = ? AND revoked = 0`, sessionID)
	if err != nil {
		return nil, err
	}

	presented := hashToken(raw)
	var match *core.RefreshToken
	for _, row := range rows {
		tok := refreshFromRow(row)
		if subtle.ConstantTimeCompare([]byte(tok.TokenHash), []byte(presented)) == 1 {
			match = tok
			break
		}
	}
	if match == nil {
		return nil, core.Reject(core.KindUnauthenticated, core.ReasonBadRefresh, "refresh token not recognized")
	}

	if match.ExpiresAt < m.now() {
		if err := m.RevokeRefreshToken(ctx, match.ID, "expired"); err != nil {
			m.logger.Printf("revoke expired refresh token %s: %v", match.ID, err)
		}
		m.logger.Printf("expired refresh token rejected sid=%s", sessionID)
		return nil, core.Reject(core.KindUnauthenticated, core.ReasonBadRefresh, "refresh token expired")
	}
	return match, nil
}

// AssertSessionActive gates the ingress pipeline. Idle and hard expiry
// mutate the session to EXPIRED before rejecting; terminal sessions are
// rejected as-is.
func (m *Manager) AssertSessionActive(ctx context.Context, sid string) (*core.Session, error) {
	lock := m.lockFor(sid)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.GetSession(ctx, sid)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, core.Reject(core.KindUnauthenticated, core.ReasonInvalidToken, "session not found")
		}
		return nil, err
	}

	now := m.now()

	switch session.Status {
	case core.SessionRevoked:
		return nil, core.Reject(core.KindUnauthenticated, core.ReasonSessionRevoked, "session revoked")
	case core.SessionExpired:
		return nil, core.Reject(core.KindUnauthenticated, core.ReasonSessionExpired, "session expired")
	}

	if now-session.LastSeenAt > session.MaxIdleSec {
		if err := m.expireSession(ctx, sid, "idle_timeout"); err != nil {
			return nil, err
		}
		return nil, core.Reject(core.KindUnauthenticated, core.ReasonSessionExpired, "session expired due to idle timeout")
	}
	if now > session.ExpiresAt {
		if err := m.expireSession(ctx, sid, "session_lifetime"); err != nil {
			return nil, err
		}
		return nil, core.Reject(core.KindUnauthenticated, core.ReasonSessionExpired, "session lifetime exceeded")
	}
	return session, nil
}

// Touch slides the idle window. Terminal sessions are left untouched so
// LastSeenAt never moves after expiry or revocation.
func (m *Manager) Touch(ctx context.Context, sid string) error {
	lock := m.lockFor(sid)
	lock.Lock()
	defer lock.Unlock()
	return m.store.Execute(ctx,
		`UPDATE sessions SET last_seen_at = ? WHERE id = ? AND status = ?`,
		m.now(), sid, core.SessionActive)
}

// ============================================================================
// Revocation / expiration
// ============================================================================

// RevokeSession terminates the session and cascades to all of its refresh
// tokens.
func (m *Manager) RevokeSession(ctx context.Context, sid, reason string) error {
	if reason == "" {
		reason = "admin_revoke"
	}
	lock := m.lockFor(sid)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.Execute(ctx,
		`UPDATE sessions SET status = ? WHERE id = ?`, core.SessionRevoked, sid); err != nil {
		return err
	}
	if err := m.store.Execute(ctx,
		`UPDATE refresh_tokens SET revoked = 1, reason = ? WHERE session_id = ?`, reason, sid); err != nil {
		return err
	}
	m.logger.Printf("session revoked sid=%s reason=%s", sid, reason)
	return nil
}

// RevokeRefreshToken marks one token revoked with the given reason.
func (m *Manager) RevokeRefreshToken(ctx context.Context, rid, reason string) error {
	return m.store.Execute(ctx,
		`UPDATE refresh_tokens SET revoked = 1, reason = ? WHERE id = ?`, reason, rid)
}

func (m *Manager) expireSession(ctx context.Context, sid, reason string) error {
	if err := m.store.Execute(ctx,
		`UPDATE sessions SET status = ? WHERE id = ?`, core.SessionExpired, sid); err != nil {
		return err
	}
	if err := m.store.Execute(ctx,
		`UPDATE refresh_tokens SET revoked = 1, reason = ? WHERE session_id = ?`, reason, sid); err != nil {
		return err
	}
	m.logger.Printf("session expired sid=%s reason=%s", sid, reason)
	return nil
}

// ============================================================================
// Rotation
// ============================================================================

// RotateRefreshToken revokes the old token (reason "rotation") and issues
// its successor: rotation+1, same total lifetime window re-anchored at
// now. The per-session lock makes revoke+insert atomic with respect to
// concurrent rotations, so at most one non-revoked token exists per
// session at any instant.
func (m *Manager) RotateRefreshToken(ctx context.Context, token *core.RefreshToken) (string, *core.RefreshToken, error) {
	lock := m.lockFor(token.SessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.RevokeRefreshToken(ctx, token.ID, "rotation"); err != nil {
		return "", nil, fmt.Errorf("revoke rotated token: %w", err)
	}

	newRaw, err := newRawToken()
	if err != nil {
		return "", nil, err
	}
	now := m.now()

	newRID := uuid.New().String()
	record := storage.Row{
		"id":         newRID,
		"session_id": token.SessionID,
		"token_hash": hashToken(newRaw),
		"created_at": now,
		"expires_at": now + (token.ExpiresAt - token.CreatedAt),
		"revoked":    0,
		"rotation":   token.Rotation + 1,
		"reason":     "",
	}
	if err := m.store.Insert(ctx, "refresh_tokens", record); err != nil {
		return "", nil, fmt.Errorf("insert rotated token: %w", err)
	}

	m.logger.Printf("refresh token rotated sid=%s rotation=%d", token.SessionID, token.Rotation+1)
	tok, err := m.getRefreshToken(ctx, newRID)
	if err != nil {
		return "", nil, err
	}
	return newRaw, tok, nil
}

// Stats reports session counts by status, for health and admin surfaces.
func (m *Manager) Stats(ctx context.Context) (map[string]int64, error) {
	rows, err := m.store.FetchAll(ctx,
		`SELECT status, COUNT(*) AS n FROM sessions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[strings.ToLower(row.String("status"))] = row.Int64("n")
	}
	return out, nil
}
