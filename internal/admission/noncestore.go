package admission

import (
	"sync"
	"time"
)

type challenge struct {
	nonce     []byte
	expiresAt time.Time
}

// NonceStore holds outstanding admission challenges keyed by ae_id. Each
// nonce is one-shot: it is consumed the moment a signature verifies.
// Expired entries are purged lazily on access and by a janitor ticker.
type NonceStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]challenge
	stopCh  chan struct{}
}

func NewNonceStore(ttl time.Duration) *NonceStore {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &NonceStore{
		ttl:     ttl,
		entries: make(map[string]challenge),
		stopCh:  make(chan struct{}),
	}
}

// Put records a fresh challenge for aeID, replacing any outstanding one.
func (ns *NonceStore) Put(aeID string, nonce []byte) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.entries[aeID] = challenge{nonce: nonce, expiresAt: time.Now().Add(ns.ttl)}
}

// Get returns the outstanding nonce for aeID. expired entries are removed
// and reported so the caller can distinguish "expired" from "no challenge".
func (ns *NonceStore) Get(aeID string) (nonce []byte, ok, expired bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	c, found := ns.entries[aeID]
	if !found {
		return nil, false, false
	}
	if time.Now().After(c.expiresAt) {
		delete(ns.entries, aeID)
		return nil, false, true
	}
	return c.nonce, true, false
}

// Consume removes the challenge after successful verification.
func (ns *NonceStore) Consume(aeID string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	delete(ns.entries, aeID)
}

// Len reports the number of outstanding challenges.
func (ns *NonceStore) Len() int {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return len(ns.entries)
}

// StartJanitor sweeps expired challenges on a fixed interval.
func (ns *NonceStore) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ns.sweep()
			case <-ns.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the janitor.
func (ns *NonceStore) Stop() {
	close(ns.stopCh)
}

func (ns *NonceStore) sweep() {
	now := time.Now()
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for aeID, c := range ns.entries {
		if now.After(c.expiresAt) {
			delete(ns.entries, aeID)
		}
	}
}
