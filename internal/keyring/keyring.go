// Package keyring maps AE identities to their Ed25519 public keys, roles
// and trust status. Lookups are O(1) on both ae_id and key fingerprint;
// mutations write through to storage so the indexes survive restarts.
package keyring

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/aegnix/abi/internal/core"
	"github.com/aegnix/abi/internal/storage"
)

// Fingerprint is the deterministic identity of a public key: SHA-256 of
// the raw key bytes, hex encoded. Computed once at insert and stored.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// Keyring is the in-memory index over stored key records.
type Keyring struct {
	mu     sync.RWMutex
	store  storage.Storage
	byID   map[string]*core.KeyRecord
	byFpr  map[string]*core.KeyRecord
	logger *log.Logger
}

func New(store storage.Storage) *Keyring {
	return &Keyring{
		store:  store,
		byID:   make(map[string]*core.KeyRecord),
		byFpr:  make(map[string]*core.KeyRecord),
		logger: log.New(os.Stdout, "[Keyring] ", log.LstdFlags),
	}
}

// Load warms the indexes from storage. Called once at startup.
func (k *Keyring) Load(ctx context.Context) error {
	recs, err := k.store.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("load keyring: %w", err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, rec := range recs {
		k.byID[rec.AEID] = rec
		k.byFpr[rec.Fingerprint] = rec
	}
	k.logger.Printf("loaded %d key records", len(recs))
	return nil
}

// AddKey upserts a key record for aeID. The fingerprint is derived here;
// callers supply the base64 public key as it arrives on the wire.
func (k *Keyring) AddKey(ctx context.Context, aeID, pubkeyB64 string, roles []string, status string) (*core.KeyRecord, error) {
	raw, err := base64.StdEncoding.DecodeString(pubkeyB64)
	if err != nil {
		return nil, fmt.Errorf("bad pubkey encoding: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("pubkey must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	switch status {
	case "":
		status = core.KeyStatusUntrusted
	case core.KeyStatusUntrusted, core.KeyStatusTrusted, core.KeyStatusRevoked:
	default:
		return nil, fmt.Errorf("unknown key status %q", status)
	}

	rec := &core.KeyRecord{
		AEID:        aeID,
		PubKey:      raw,
		PubKeyB64:   pubkeyB64,
		Fingerprint: Fingerprint(raw),
		Roles:       roles,
		Status:      status,
	}
	if err := k.store.UpsertKey(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist key %s: %w", aeID, err)
	}

	k.mu.Lock()
	if old, ok := k.byID[aeID]; ok && old.Fingerprint != rec.Fingerprint {
		delete(k.byFpr, old.Fingerprint)
	}
	k.byID[aeID] = rec
	k.byFpr[rec.Fingerprint] = rec
	k.mu.Unlock()

	k.logger.Printf("key upserted ae=%s status=%s fpr=%s", aeID, status, rec.Fingerprint[:12])
	return rec, nil
}

// GetByAEID returns the record for aeID, if any.
func (k *Keyring) GetByAEID(aeID string) (*core.KeyRecord, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	rec, ok := k.byID[aeID]
	return rec, ok
}

// GetByFingerprint resolves a key by its fingerprint (envelope key_id).
func (k *Keyring) GetByFingerprint(fpr string) (*core.KeyRecord, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	rec, ok := k.byFpr[fpr]
	return rec, ok
}

// Revoke marks the key unusable but retains the record. Mutation is
// copy-on-write so readers holding the old pointer see a consistent value.
func (k *Keyring) Revoke(ctx context.Context, aeID string) error {
	k.mu.RLock()
	old, ok := k.byID[aeID]
	k.mu.RUnlock()
	if !ok {
		return storage.ErrNotFound
	}

	revoked := *old
	revoked.Status = core.KeyStatusRevoked
	if err := k.store.UpsertKey(ctx, &revoked); err != nil {
		return fmt.Errorf("persist revoke %s: %w", aeID, err)
	}

	k.mu.Lock()
	k.byID[aeID] = &revoked
	k.byFpr[revoked.Fingerprint] = &revoked
	k.mu.Unlock()

	k.logger.Printf("key revoked ae=%s", aeID)
	return nil
}

// ListKeys returns a snapshot of all records ordered by storage.
func (k *Keyring) ListKeys(ctx context.Context) ([]*core.KeyRecord, error) {
	return k.store.ListKeys(ctx)
}
