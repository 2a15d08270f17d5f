package core

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Envelope is the signed unit of publication. The producer signs the
// canonical serialization of every field except sig; the broker verifies
// that signature against the keyring before dispatching to the mesh.
type Envelope struct {
	Producer string                 `json:"producer"`
	Subject  string                 `json:"subject"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	Labels   map[string]string      `json:"labels,omitempty"`
	KeyID    string                 `json:"key_id,omitempty"`
	TS       float64                `json:"ts,omitempty"`
	Sig      string                 `json:"sig,omitempty"`
}

// DecodeEnvelope parses and structurally validates an envelope body.
// Signature validity is a later pipeline stage; here only shape is checked.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, Reject(KindBadRequest, ReasonBadRequest, "malformed envelope: "+err.Error())
	}
	if env.Producer == "" || env.Subject == "" {
		return nil, Reject(KindBadRequest, ReasonBadRequest, "envelope requires producer and subject")
	}
	if env.Sig == "" {
		return nil, Reject(KindBadRequest, ReasonBadRequest, "envelope requires sig")
	}
	return &env, nil
}

// SigningBytes returns the bytes the producer signed: RFC 8785 (JCS)
// canonical JSON of the envelope without its sig field. Canonicalization
// makes the byte sequence stable across producers regardless of field
// order or whitespace.
func (e *Envelope) SigningBytes() ([]byte, error) {
	unsigned := *e
	unsigned.Sig = ""
	raw, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize envelope: %w", err)
	}
	return canonical, nil
}

// Bytes is the wire form handed to the mesh transport, signature included.
func (e *Envelope) Bytes() ([]byte, error) {
	return json.Marshal(e)
}

// ToMap renders the envelope as a generic map for local bus fan-out, so
// subscribers see the same shape the mesh receives.
func (e *Envelope) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"producer": e.Producer,
		"subject":  e.Subject,
		"ts":       e.TS,
	}
	if e.Payload != nil {
		m["payload"] = e.Payload
	}
	if e.Labels != nil {
		m["labels"] = e.Labels
	}
	if e.KeyID != "" {
		m["key_id"] = e.KeyID
	}
	if e.Sig != "" {
		m["sig"] = e.Sig
	}
	return m
}
