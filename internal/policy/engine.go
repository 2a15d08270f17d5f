// Package policy decides who may publish and subscribe to which subject.
// Two layers apply in order: the static subject fence an operator
// declares in YAML, then the dynamic per-AE capability declarations that
// narrow within it. Engines are immutable snapshots; the reloader builds
// a complete replacement and swaps one pointer.
package policy

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v2"

	"github.com/aegnix/abi/internal/core"
)

// SubjectRule is one fence entry: who may publish and subscribe the
// subject. Entries match an AE's id or any of its roles.
type SubjectRule struct {
	Publishers  []string          `yaml:"publishers"`
	Subscribers []string          `yaml:"subscribers"`
	Labels      map[string]string `yaml:"labels"`
}

// StaticPolicy is the declarative fence file shape.
type StaticPolicy struct {
	Subjects map[string]SubjectRule `yaml:"subjects"`
}

// LoadStaticPolicy parses the fence file. A missing file is an error;
// an empty file yields an empty fence that denies everything.
func LoadStaticPolicy(path string) (*StaticPolicy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var sp StaticPolicy
	if err := yaml.Unmarshal(raw, &sp); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if sp.Subjects == nil {
		sp.Subjects = make(map[string]SubjectRule)
	}
	return &sp, nil
}

// Engine is one immutable policy snapshot.
type Engine struct {
	subjects   map[string]SubjectRule
	publishes  map[string]map[string]bool // ae_id -> subject set
	subscribes map[string]map[string]bool
}

// NewEngine combines the fence with the current capability table.
// Capability subjects outside the fence are dropped here, so a decision
// never needs to re-check declaration validity.
func NewEngine(static *StaticPolicy, caps []*core.Capability) *Engine {
	e := &Engine{
		subjects:   static.Subjects,
		publishes:  make(map[string]map[string]bool, len(caps)),
		subscribes: make(map[string]map[string]bool, len(caps)),
	}
	for _, c := range caps {
		pubs := make(map[string]bool, len(c.Publishes))
		for _, s := range c.Publishes {
			if _, ok := e.subjects[s]; ok {
				pubs[s] = true
			}
		}
		subs := make(map[string]bool, len(c.Subscribes))
		for _, s := range c.Subscribes {
			if _, ok := e.subjects[s]; ok {
				subs[s] = true
			}
		}
		e.publishes[c.AEID] = pubs
		e.subscribes[c.AEID] = subs
	}
	return e
}

// KnownSubject reports whether the fence names the subject at all.
func (e *Engine) KnownSubject(subject string) bool {
	_, ok := e.subjects[subject]
	return ok
}

// Subjects returns the fence subject names.
func (e *Engine) Subjects() []string {
	out := make([]string, 0, len(e.subjects))
	for s := range e.subjects {
		out = append(out, s)
	}
	return out
}

// CanPublish allows aeID to publish subject iff the fence rule matches
// its id or any role AND the AE declared the subject. False on any miss.
func (e *Engine) CanPublish(aeID, subject string, roles []string) bool {
	rule, ok := e.subjects[subject]
	if !ok {
		return false
	}
	if !matches(rule.Publishers, aeID, roles) {
		return false
	}
	return e.publishes[aeID][subject]
}

// CanSubscribe is the symmetric subscribe decision.
func (e *Engine) CanSubscribe(aeID, subject string, roles []string) bool {
	rule, ok := e.subjects[subject]
	if !ok {
		return false
	}
	if !matches(rule.Subscribers, aeID, roles) {
		return false
	}
	return e.subscribes[aeID][subject]
}

func matches(allowed []string, aeID string, roles []string) bool {
	for _, a := range allowed {
		if a == aeID {
			return true
		}
		for _, r := range roles {
			if a == r {
				return true
			}
		}
	}
	return false
}

// Snapshot holds the current engine behind an atomic pointer. In-flight
// decisions keep whichever engine they captured.
type Snapshot struct {
	ptr atomic.Pointer[Engine]
}

func NewSnapshot(e *Engine) *Snapshot {
	s := &Snapshot{}
	s.ptr.Store(e)
	return s
}

// Current returns the engine the caller should use for one decision.
func (s *Snapshot) Current() *Engine {
	return s.ptr.Load()
}

// Swap atomically installs a fully built replacement engine.
func (s *Snapshot) Swap(e *Engine) {
	s.ptr.Store(e)
}
