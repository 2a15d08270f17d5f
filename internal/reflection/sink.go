package reflection

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/aegnix/abi/internal/bus"
)

// Bus topics the sink listens on.
const (
	TopicRuntime    = "ae.runtime"
	TopicTransition = "abi.runtime.transition"
)

// Sink normalizes bus payloads on the runtime topics into Records and
// appends them to the store. Append failures are logged and swallowed:
// reflection is a best-effort side effect and must never reject traffic.
type Sink struct {
	store  Store
	logger *log.Logger
}

func NewSink(store Store) *Sink {
	return &Sink{
		store:  store,
		logger: log.New(os.Stdout, "[Reflection] ", log.LstdFlags),
	}
}

// Register attaches the sink to its topics with explicit handlers.
func (s *Sink) Register(b *bus.Bus) {
	b.RegisterHandler(TopicRuntime, s.OnEvent)
	b.RegisterHandler(TopicTransition, s.OnEvent)
}

// OnEvent is the bus handler for both topics.
func (s *Sink) OnEvent(topic string, msg bus.Message) {
	rec, ok := s.normalize(topic, msg)
	if !ok {
		return
	}
	if err := s.store.Append(context.Background(), rec); err != nil {
		s.logger.Printf("append failed topic=%s ae=%s: %v", topic, rec.Correlation.AEID, err)
	}
}

func (s *Sink) normalize(topic string, msg bus.Message) (Record, bool) {
	now := float64(time.Now().UnixNano()) / 1e9

	aeID := str(msg, "ae_id")
	sessionID := str(msg, "session_id")
	correlation := Correlation{
		AEID:       aeID,
		SessionID:  sessionID,
		Confidence: ConfidenceLow,
	}
	if aeID != "" {
		correlation.Confidence = ConfidenceHigh
	}

	switch topic {
	case TopicRuntime:
		rec := NewRecord(DomainRuntime, topic)
		rec.TS = ts(msg, now)
		rec.Intent = str(msg, "intent")
		rec.Subject = str(msg, "subject")
		rec.Source = map[string]interface{}{"type": "ae", "id": aeID}
		rec.Correlation = correlation
		rec.Quality = str(msg, "quality")
		rec.Payload = msg
		rec.Labels = map[string]string{"topic": topic}
		return rec, true

	case TopicTransition:
		rec := NewRecord(DomainABI, topic)
		rec.TS = ts(msg, now)
		rec.Source = map[string]interface{}{"type": "abi"}
		rec.Correlation = correlation
		rec.Transitions = []Transition{{
			Name:      "lifecycle",
			FromState: str(msg, "from_state"),
			ToState:   str(msg, "to_state"),
			Reason:    str(msg, "reason"),
			TS:        ts(msg, now),
		}}
		if str(msg, "to_state") == "dead" {
			rec.Severity = SeverityWarn
		}
		rec.Payload = msg
		rec.Labels = map[string]string{"topic": topic}
		return rec, true
	}
	return Record{}, false
}

func str(msg bus.Message, key string) string {
	if v, ok := msg[key].(string); ok {
		return v
	}
	return ""
}

func ts(msg bus.Message, fallback float64) float64 {
	switch v := msg["ts"].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return fallback
	}
}
