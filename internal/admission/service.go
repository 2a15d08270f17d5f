// Package admission implements challenge/response entry to the broker:
// an AE asks for a nonce, signs it with its enrolled Ed25519 key, and the
// broker verifies the signature against the keyring before any session is
// created.
package admission

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aegnix/abi/internal/core"
	"github.com/aegnix/abi/internal/keyring"
)

// NonceSize matches the entropy of the session layer: 32 random bytes.
const NonceSize = 32

// Verification outcomes. "verified" is the single success reason; the
// rest name the exact failure so callers never guess.
const (
	ReasonVerified     = "verified"
	ReasonNoChallenge  = "no-challenge"
	ReasonExpired      = "expired"
	ReasonBadSignature = "bad-signature"
	ReasonAERevoked    = "ae-revoked"
)

// ErrUnknownAE is returned when a challenge is requested for an AE that
// was never enrolled.
var ErrUnknownAE = errors.New("admission: unknown ae")

// Service issues nonces and verifies signed responses.
type Service struct {
	keys   *keyring.Keyring
	nonces *NonceStore
	logger *log.Logger
}

func NewService(keys *keyring.Keyring, nonceTTL time.Duration) *Service {
	return &Service{
		keys:   keys,
		nonces: NewNonceStore(nonceTTL),
		logger: log.New(os.Stdout, "[Admission] ", log.LstdFlags),
	}
}

// Nonces exposes the store so the broker can run its janitor.
func (s *Service) Nonces() *NonceStore { return s.nonces }

// IssueChallenge generates a cryptographically random nonce for aeID and
// stores it with a short TTL. Unknown AEs are refused before any entropy
// is spent.
func (s *Service) IssueChallenge(aeID string) ([]byte, error) {
	if _, ok := s.keys.GetByAEID(aeID); !ok {
		return nil, ErrUnknownAE
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	s.nonces.Put(aeID, nonce)
	s.logger.Printf("challenge issued ae=%s", aeID)
	return nonce, nil
}

// VerifyResponse checks the Ed25519 signature over the outstanding raw
// nonce bytes. The nonce is consumed on success only, so a bad signature
// may be retried until the TTL lapses.
func (s *Service) VerifyResponse(aeID string, signedNonce []byte) (bool, string) {
	nonce, ok, expired := s.nonces.Get(aeID)
	if expired {
		return false, ReasonExpired
	}
	if !ok {
		return false, ReasonNoChallenge
	}

	rec, ok := s.keys.GetByAEID(aeID)
	if !ok {
		return false, ReasonNoChallenge
	}
	if rec.Status == core.KeyStatusRevoked {
		return false, ReasonAERevoked
	}
	if len(rec.PubKey) != ed25519.PublicKeySize ||
		!ed25519.Verify(ed25519.PublicKey(rec.PubKey), nonce, signedNonce) {
		s.logger.Printf("verify failed ae=%s reason=%s", aeID, ReasonBadSignature)
		return false, ReasonBadSignature
	}

	s.nonces.Consume(aeID)
	s.logger.Printf("verify ok ae=%s", aeID)
	return true, ReasonVerified
}
