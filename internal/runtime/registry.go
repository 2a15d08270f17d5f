// Package runtime tracks AE liveness through the live/stale/dead lattice.
// Heartbeats are the only promotion path, the sweeper the only demotion
// path, and every crossing emits a transition to the configured hook.
package runtime

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Liveness states. An ae_id occupies exactly one partition at any instant.
const (
	StateLive  = "live"
	StateStale = "stale"
	StateDead  = "dead"
)

// Heartbeat sources, named after the operation that produced the touch.
const (
	SourceRegister  = "register"
	SourceEmit      = "emit"
	SourceSubscribe = "subscribe"
	SourceSession   = "session"
	SourceExplicit  = "explicit"
)

// Record is the liveness entry for one AE.
type Record struct {
	AEID           string            `json:"ae_id"`
	SessionID      string            `json:"session_id,omitempty"`
	State          string            `json:"state"`
	FirstSeen      float64           `json:"first_seen"`
	LastSeen       float64           `json:"last_seen"`
	LastSource     string            `json:"last_source"`
	LastIntent     string            `json:"last_intent,omitempty"`
	LastSubject    string            `json:"last_subject,omitempty"`
	Quality        string            `json:"quality"`
	HeartbeatCount int64             `json:"heartbeat_count"`
	Meta           map[string]string `json:"meta,omitempty"`
}

// Transition describes one lattice crossing, delivered to the hook
// outside the registry's critical section.
type Transition struct {
	AEID      string  `json:"ae_id"`
	SessionID string  `json:"session_id,omitempty"`
	From      string  `json:"from_state"`
	To        string  `json:"to_state"`
	Reason    string  `json:"reason"`
	TS        float64 `json:"ts"`
	Record    Record  `json:"record"`
}

// TransitionHook observes lattice crossings. Must not call back into the
// registry.
type TransitionHook func(t Transition)

// HeartbeatOpts carries the semantic fields of one activity touch.
type HeartbeatOpts struct {
	SessionID string
	Source    string
	Intent    string
	Subject   string
	Quality   string
	Meta      map[string]string
}

// Registry holds the three partitions under a single mutex.
type Registry struct {
	mu         sync.Mutex
	live       map[string]*Record
	stale      map[string]*Record
	dead       map[string]*Record
	staleAfter time.Duration
	deadAfter  time.Duration
	hook       TransitionHook
	logger     *log.Logger

	// test seam; production always uses wall time
	now func() float64
}

// NewRegistry validates the thresholds and builds an empty registry.
func NewRegistry(staleAfter, deadAfter time.Duration) (*Registry, error) {
	if deadAfter <= staleAfter {
		return nil, fmt.Errorf("runtime: dead_after (%s) must exceed stale_after (%s)", deadAfter, staleAfter)
	}
	return &Registry{
		live:       make(map[string]*Record),
		stale:      make(map[string]*Record),
		dead:       make(map[string]*Record),
		staleAfter: staleAfter,
		deadAfter:  deadAfter,
		logger:     log.New(os.Stdout, "[Runtime] ", log.LstdFlags),
		now:        func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}, nil
}

// SetHook installs the transition observer. Call before traffic starts.
func (r *Registry) SetHook(hook TransitionHook) {
	r.hook = hook
}

// SetClock overrides the time source. Tests drive sweeps with this;
// production never calls it.
func (r *Registry) SetClock(now func() float64) {
	r.now = now
}

// Heartbeat records activity for aeID, creating the record on first
// contact and re-anchoring it to live from any partition. A promotion
// from stale or dead emits a transition with reason "heartbeat".
func (r *Registry) Heartbeat(aeID string, opts HeartbeatOpts) {
	now := r.now()
	if opts.Source == "" {
		opts.Source = "unknown"
	}
	if opts.Quality == "" {
		opts.Quality = "normal"
	}

	r.mu.Lock()
	rec, from := r.locate(aeID)
	if rec == nil {
		rec = &Record{AEID: aeID, FirstSeen: now}
	}
	rec.SessionID = opts.SessionID
	rec.State = StateLive
	rec.LastSeen = now
	rec.LastSource = opts.Source
	rec.LastIntent = opts.Intent
	rec.LastSubject = opts.Subject
	rec.Quality = opts.Quality
	rec.HeartbeatCount++
	if opts.Meta != nil {
		rec.Meta = opts.Meta
	}
	delete(r.stale, aeID)
	delete(r.dead, aeID)
	r.live[aeID] = rec
	var emit *Transition
	if from != "" && from != StateLive {
		emit = &Transition{
			AEID: aeID, SessionID: rec.SessionID,
			From: from, To: StateLive,
			Reason: "heartbeat", TS: now, Record: *rec,
		}
	}
	r.mu.Unlock()

	if emit != nil && r.hook != nil {
		r.hook(*emit)
	}
}

// locate finds the record and names its current partition. Caller holds
// the mutex.
func (r *Registry) locate(aeID string) (*Record, string) {
	if rec, ok := r.live[aeID]; ok {
		return rec, StateLive
	}
	if rec, ok := r.stale[aeID]; ok {
		return rec, StateStale
	}
	if rec, ok := r.dead[aeID]; ok {
		return rec, StateDead
	}
	return nil, ""
}

// Sweep demotes records whose last_seen age crossed a threshold:
// live -> dead, live -> stale, stale -> dead. Negative ages clamp to
// zero so a backwards clock step never demotes anything. Transition
// emission happens after the mutex is released.
func (r *Registry) Sweep() {
	now := r.now()
	var emits []Transition

	r.mu.Lock()
	for aeID, rec := range r.live {
		age := now - rec.LastSeen
		if age < 0 {
			age = 0
		}
		switch {
		case age >= r.deadAfter.Seconds():
			rec.State = StateDead
			r.dead[aeID] = rec
			delete(r.live, aeID)
			emits = append(emits, Transition{
				AEID: aeID, SessionID: rec.SessionID,
				From: StateLive, To: StateDead,
				Reason: "sweep", TS: now, Record: *rec,
			})
		case age >= r.staleAfter.Seconds():
			rec.State = StateStale
			r.stale[aeID] = rec
			delete(r.live, aeID)
			emits = append(emits, Transition{
				AEID: aeID, SessionID: rec.SessionID,
				From: StateLive, To: StateStale,
				Reason: "sweep", TS: now, Record: *rec,
			})
		}
	}
	for aeID, rec := range r.stale {
		age := now - rec.LastSeen
		if age < 0 {
			age = 0
		}
		if age >= r.deadAfter.Seconds() {
			rec.State = StateDead
			r.dead[aeID] = rec
			delete(r.stale, aeID)
			emits = append(emits, Transition{
				AEID: aeID, SessionID: rec.SessionID,
				From: StateStale, To: StateDead,
				Reason: "sweep", TS: now, Record: *rec,
			})
		}
	}
	r.mu.Unlock()

	for _, t := range emits {
		r.logger.Printf("transition ae=%s %s->%s", t.AEID, t.From, t.To)
		if r.hook != nil {
			r.hook(t)
		}
	}
}

// Live returns a snapshot of the live partition.
func (r *Registry) Live() []Record { return r.snapshot(StateLive) }

// Stale returns a snapshot of the stale partition.
func (r *Registry) Stale() []Record { return r.snapshot(StateStale) }

// Dead returns a snapshot of the dead partition.
func (r *Registry) Dead() []Record { return r.snapshot(StateDead) }

func (r *Registry) snapshot(state string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var src map[string]*Record
	switch state {
	case StateLive:
		src = r.live
	case StateStale:
		src = r.stale
	default:
		src = r.dead
	}
	out := make([]Record, 0, len(src))
	for _, rec := range src {
		out = append(out, *rec)
	}
	return out
}

// Get returns the record for aeID wherever it resides.
func (r *Registry) Get(aeID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, _ := r.locate(aeID)
	if rec == nil {
		return Record{}, false
	}
	return *rec, true
}

// All returns every partition keyed by state name.
func (r *Registry) All() map[string][]Record {
	return map[string][]Record{
		StateLive:  r.Live(),
		StateStale: r.Stale(),
		StateDead:  r.Dead(),
	}
}
