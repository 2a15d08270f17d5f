package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

const keepaliveInterval = 15 * time.Second

// handleSubscribeSSE streams bus messages for one topic as server-sent
// events. The subscriber is gated exactly like a publisher: bearer token,
// live session, trusted key, policy subscribe grant.
func (s *Server) handleSubscribeSSE(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]

	claims, err := s.broker.AuthorizeSubscribe(r.Context(), bearerToken(r), topic)
	if err != nil {
		writeRejection(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	q := s.broker.Bus.Subscribe(topic)
	s.broker.Metrics.Subscribers.WithLabelValues(topic).Inc()
	defer func() {
		s.broker.Bus.Unsubscribe(topic, q)
		s.broker.Metrics.Subscribers.WithLabelValues(topic).Dec()
	}()

	s.logger.Printf("sse subscriber attached: topic=%s sub=%s sid=%s", topic, claims.Subject, claims.SID)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Printf("sse subscriber detached: topic=%s sub=%s", topic, claims.Subject)
			return
		case <-keepalive.C:
			fmt.Fprint(w, "data: {\"ping\": \"keepalive\"}\n\n")
			flusher.Flush()
		case msg, open := <-q.C():
			if !open {
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
