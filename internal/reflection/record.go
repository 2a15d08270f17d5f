// Package reflection records the semantic truth of the broker: an
// append-only log of runtime heartbeats and lifecycle transitions, plus
// the deterministic operator queries over it. No record is ever mutated
// after append and no query performs inference.
package reflection

import (
	"time"

	"github.com/google/uuid"
)

// Record domains.
const (
	DomainRuntime   = "runtime"
	DomainABI       = "abi"
	DomainAE        = "ae"
	DomainTransport = "transport"
)

// Correlation confidence levels.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Severities.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Transition is an explicit state crossing extracted from a runtime or
// control event.
type Transition struct {
	Name      string  `json:"name"`
	FromState string  `json:"from_state,omitempty"`
	ToState   string  `json:"to_state,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	TS        float64 `json:"ts"`
}

// Correlation is the deterministic linkage metadata for a record.
type Correlation struct {
	AEID       string `json:"ae_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
	Confidence string `json:"confidence"`
}

// Record is one immutable reflection entry.
type Record struct {
	RecordID    string                 `json:"record_id"`
	TS          float64                `json:"ts"`
	Domain      string                 `json:"domain"`
	EventType   string                 `json:"event_type"`
	Intent      string                 `json:"intent,omitempty"`
	Subject     string                 `json:"subject,omitempty"`
	Source      map[string]interface{} `json:"source,omitempty"`
	Correlation Correlation            `json:"correlation"`
	Transitions []Transition           `json:"transitions,omitempty"`
	Severity    string                 `json:"severity"`
	Quality     string                 `json:"quality,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Labels      map[string]string      `json:"labels,omitempty"`
}

// NewRecord fills the identity fields every record carries.
func NewRecord(domain, eventType string) Record {
	return Record{
		RecordID: uuid.New().String(),
		TS:       float64(time.Now().UnixNano()) / 1e9,
		Domain:   domain,
		EventType: eventType,
		Severity: SeverityInfo,
		Correlation: Correlation{Confidence: ConfidenceLow},
	}
}
