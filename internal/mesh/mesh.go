// Package mesh is the broker's downstream handoff: accepted envelopes
// leave the trust boundary exactly once through a Transport. Three
// adapters are wired in: loopback (dev/tests), Redis pub/sub, and
// Google Cloud Pub/Sub.
package mesh

import (
	"context"
	"log"
	"os"
	"sync"
)

// Transport is the opaque publish sink. The ABI records the attempt
// before calling and does not wait for downstream delivery guarantees.
type Transport interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Close() error
}

// Loopback swallows publishes after counting them. It stands in for the
// mesh in dev runs and lets tests assert dispatch without a broker.
type Loopback struct {
	mu        sync.Mutex
	published map[string][][]byte
	logger    *log.Logger
}

func NewLoopback() *Loopback {
	return &Loopback{
		published: make(map[string][][]byte),
		logger:    log.New(os.Stdout, "[Mesh] ", log.LstdFlags),
	}
}

func (l *Loopback) Publish(_ context.Context, subject string, payload []byte) error {
	l.mu.Lock()
	l.published[subject] = append(l.published[subject], payload)
	n := len(l.published[subject])
	l.mu.Unlock()
	l.logger.Printf("loopback publish subject=%s seq=%d bytes=%d", subject, n, len(payload))
	return nil
}

// Published returns the payloads dispatched for subject, in order.
func (l *Loopback) Published(subject string) [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.published[subject]))
	copy(out, l.published[subject])
	return out
}

func (l *Loopback) Close() error { return nil }
