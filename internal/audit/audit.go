// Package audit is the structured trail of every ingress decision:
// accepted emits, each blocked stage, admission outcomes. Entries go to
// slog immediately, into a bounded in-memory ring for the /audit read
// surface, and asynchronously into the storage event log so a slow disk
// never sits on the request path.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aegnix/abi/internal/storage"
)

// Event names written by the ingress pipeline.
const (
	EventEmitReceived      = "emit_received"
	EventEmitProcessed     = "emit_processed"
	EventEmitBlockedPolicy = "emit_blocked_policy"
	EventEmitBlockedTrust  = "emit_blocked_trust"
	EventEmitBlockedSig    = "emit_blocked_sig"
	EventEmitRejected      = "emit_rejected"
	EventSubscribeDenied   = "subscribe_denied"
	EventChallengeIssued   = "challenge_issued"
	EventVerifyResult      = "verify_result"
)

// Entry is one audit record.
type Entry struct {
	TS      float64                `json:"ts"`
	Event   string                 `json:"event"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

const ringSize = 1024

// Trail records audit entries. The ring keeps the newest ringSize
// entries for cheap reads; storage holds the durable history.
type Trail struct {
	mu    sync.Mutex
	ring  []Entry
	next  int
	count int

	store  storage.Storage
	logger *slog.Logger
}

// New builds a trail. store may be nil; entries then live only in the
// ring and the log stream.
func New(store storage.Storage, logger *slog.Logger) *Trail {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trail{
		ring:   make([]Entry, ringSize),
		store:  store,
		logger: logger,
	}
}

// Log records one event. Persistence is best-effort and asynchronous;
// a storage failure is logged and swallowed.
func (t *Trail) Log(event string, payload map[string]interface{}) {
	entry := Entry{
		TS:      float64(time.Now().UnixNano()) / 1e9,
		Event:   event,
		Payload: payload,
	}

	attrs := make([]any, 0, 2*len(payload)+2)
	attrs = append(attrs, "event", event)
	for k, v := range payload {
		attrs = append(attrs, k, v)
	}
	t.logger.Info("audit", attrs...)

	t.mu.Lock()
	t.ring[t.next] = entry
	t.next = (t.next + 1) % ringSize
	if t.count < ringSize {
		t.count++
	}
	t.mu.Unlock()

	if t.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.store.LogEvent(ctx, event, payload); err != nil {
			t.logger.Error("audit persist failed", "event", event, "error", err)
		}
	}()
}

// Recent returns up to limit entries, newest first.
func (t *Trail) Recent(limit int) []Entry {
	if limit <= 0 {
		limit = 20
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit > t.count {
		limit = t.count
	}
	out := make([]Entry, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (t.next - i + ringSize) % ringSize
		out = append(out, t.ring[idx])
	}
	return out
}
