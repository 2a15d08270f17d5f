// Package api wires the broker onto HTTP: gorilla/mux routes, the admin
// guard, SSE and WebSocket egress. Handlers translate Rejections to the
// wire exactly once and never reach around the broker context.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegnix/abi/internal/broker"
	"github.com/aegnix/abi/internal/core"
)

// Server owns the HTTP surface over one broker.
type Server struct {
	broker *broker.Broker
	http   *http.Server
	logger *log.Logger
}

func NewServer(b *broker.Broker) *Server {
	s := &Server{
		broker: b,
		logger: log.New(os.Stdout, "[API] ", log.LstdFlags),
	}

	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	// Admission and session lifecycle.
	r.HandleFunc("/register", s.handleRegister).Methods("POST")
	r.HandleFunc("/verify", s.handleVerify).Methods("POST")
	r.HandleFunc("/session/refresh", s.handleSessionRefresh).Methods("POST")
	r.HandleFunc("/session/heartbeat", s.handleSessionHeartbeat).Methods("POST")
	r.HandleFunc("/ae/heartbeat", s.handleAEHeartbeat).Methods("POST")
	r.HandleFunc("/ae/capabilities", s.handleCapabilities).Methods("POST")

	// Ingress and egress.
	r.HandleFunc("/emit", s.handleEmit).Methods("POST")
	r.HandleFunc("/subscribe/ws/{topic}", s.handleSubscribeWS).Methods("GET")
	r.HandleFunc("/subscribe/{topic}", s.handleSubscribeSSE).Methods("GET")

	// Audit surface.
	r.HandleFunc("/audit", s.handleAuditAppend).Methods("POST")
	r.HandleFunc("/audit", s.handleAuditList).Methods("GET")

	// Admin plane.
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.adminGuard)
	admin.HandleFunc("/runtime/live", s.handleRuntimeState("live")).Methods("GET")
	admin.HandleFunc("/runtime/stale", s.handleRuntimeState("stale")).Methods("GET")
	admin.HandleFunc("/runtime/dead", s.handleRuntimeState("dead")).Methods("GET")
	admin.HandleFunc("/runtime/all", s.handleRuntimeAll).Methods("GET")
	admin.HandleFunc("/runtime/{ae_id}", s.handleRuntimeOne).Methods("GET")
	admin.HandleFunc("/reflect/records", s.handleReflectRecords).Methods("GET")
	admin.HandleFunc("/reflect/aes", s.handleReflectAEs).Methods("GET")
	admin.HandleFunc("/reflect/aes/{ae_id}/sessions", s.handleReflectSessions).Methods("GET")
	admin.HandleFunc("/reflect/aes/{ae_id}/sessions/recent", s.handleReflectRecentSessions).Methods("GET")
	admin.HandleFunc("/reflect/aes/{ae_id}/sessions/{sid}/timeline", s.handleReflectTimeline).Methods("GET")
	admin.HandleFunc("/reflect/aes/{ae_id}/sessions/{sid}/what-happened", s.handleReflectWhatHappened).Methods("GET")
	admin.HandleFunc("/reflect/aes/{ae_id}/sessions/{sid}/why-stopped", s.handleReflectWhyStopped).Methods("GET")
	admin.HandleFunc("/reflect/aes/{ae_id}/sessions/{sid}/preceded-failure", s.handleReflectPrecededFailure).Methods("GET")
	admin.HandleFunc("/keys", s.handleKeysList).Methods("GET")
	admin.HandleFunc("/keys/add", s.handleKeysAdd).Methods("POST")
	admin.HandleFunc("/keys/revoke", s.handleKeysRevoke).Methods("POST")
	admin.HandleFunc("/sessions/{sid}/revoke", s.handleSessionRevoke).Methods("POST")

	// Operational.
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(b.Metrics.Registry, promhttp.HandlerOpts{})).Methods("GET")

	s.http = &http.Server{
		Addr:        ":" + b.Config.Server.Port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: SSE and WebSocket streams outlive any fixed
		// write deadline. Per-handler deadlines guard the JSON routes.
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Printf("listening on %s", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for httptest.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(started))
	})
}

// writeJSON renders one JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRejection is the single translation point from pipeline errors
// to the wire format.
func writeRejection(w http.ResponseWriter, err error) {
	rej := core.AsRejection(err)
	writeJSON(w, rej.HTTPStatus(), map[string]string{
		"error":  string(rej.Kind),
		"reason": rej.Reason,
		"detail": rej.Detail,
	})
}

// bearerToken strips the Authorization header down to the raw token.
// Empty string means missing or malformed; the broker rejects it.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return ""
	}
	return h[len(prefix):]
}
