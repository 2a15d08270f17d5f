package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/aegnix/abi/internal/reflection"
)

// ============================================================================
// Runtime plane
// ============================================================================

func (s *Server) handleRuntimeState(state string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var recs interface{}
		switch state {
		case "live":
			recs = s.broker.Runtime.Live()
		case "stale":
			recs = s.broker.Runtime.Stale()
		default:
			recs = s.broker.Runtime.Dead()
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func (s *Server) handleRuntimeAll(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Runtime.All())
}

func (s *Server) handleRuntimeOne(w http.ResponseWriter, r *http.Request) {
	aeID := mux.Vars(r)["ae_id"]
	rec, ok := s.broker.Runtime.Get(aeID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "ae not found", "ae_id": aeID})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ============================================================================
// Reflection plane
// ============================================================================

func (s *Server) handleReflectRecords(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 500)
	if limit > 5000 {
		limit = 5000
	}
	q := r.URL.Query()
	records, err := s.broker.Reflection.Records(r.Context(), reflection.Filter{
		AEID:      q.Get("ae_id"),
		SessionID: q.Get("session_id"),
		EventType: q.Get("event_type"),
		Since:     queryFloat(r, "since"),
		Until:     queryFloat(r, "until"),
		Limit:     limit,
	})
	if err != nil {
		writeRejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(records), "records": records,
	})
}

func (s *Server) handleReflectAEs(w http.ResponseWriter, r *http.Request) {
	aes, err := s.broker.Reflection.AEs(r.Context())
	if err != nil {
		writeRejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"aes": aes, "count": len(aes)})
}

func (s *Server) handleReflectSessions(w http.ResponseWriter, r *http.Request) {
	aeID := mux.Vars(r)["ae_id"]
	sessions, err := s.broker.Reflection.Sessions(r.Context(), aeID)
	if err != nil {
		writeRejection(w, err)
		return
	}
	if len(sessions) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no sessions found for ae", "ae_id": aeID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ae_id": aeID, "count": len(sessions), "sessions": sessions,
	})
}

func (s *Server) handleReflectRecentSessions(w http.ResponseWriter, r *http.Request) {
	aeID := mux.Vars(r)["ae_id"]
	sessions, err := s.broker.Reflection.RecentSessions(r.Context(), aeID, queryInt(r, "limit", 20))
	if err != nil {
		writeRejection(w, err)
		return
	}
	if len(sessions) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no sessions found for ae", "ae_id": aeID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ae_id": aeID, "count": len(sessions), "sessions": sessions,
	})
}

func (s *Server) handleReflectTimeline(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tl, err := s.broker.Reflection.SessionTimeline(r.Context(), vars["ae_id"], vars["sid"])
	if err != nil {
		writeRejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

func (s *Server) handleReflectWhatHappened(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	out, err := s.broker.Reflection.WhatHappened(r.Context(), vars["ae_id"], vars["sid"])
	if err != nil {
		writeRejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReflectWhyStopped(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	out, err := s.broker.Reflection.WhyStopped(r.Context(), vars["ae_id"], vars["sid"])
	if err != nil {
		writeRejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReflectPrecededFailure(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	out, err := s.broker.Reflection.PrecededFailure(r.Context(), vars["ae_id"], vars["sid"], queryInt(r, "window", 5))
	if err != nil {
		writeRejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ============================================================================
// Key management
// ============================================================================

func (s *Server) handleKeysList(w http.ResponseWriter, r *http.Request) {
	keys, err := s.broker.Keyring.ListKeys(r.Context())
	if err != nil {
		writeRejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
}

func (s *Server) handleKeysAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AEID      string   `json:"ae_id"`
		PubKeyB64 string   `json:"pubkey_b64"`
		Roles     []string `json:"roles"`
		Status    string   `json:"status"`
	}
	if err := decodeBody(r, &req); err != nil || req.AEID == "" || req.PubKeyB64 == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ae_id and pubkey_b64 required"})
		return
	}

	rec, err := s.broker.Keyring.AddKey(r.Context(), req.AEID, req.PubKeyB64, req.Roles, req.Status)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "added", "record": rec})
}

func (s *Server) handleKeysRevoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AEID string `json:"ae_id"`
	}
	if err := decodeBody(r, &req); err != nil || req.AEID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ae_id required"})
		return
	}
	if err := s.broker.Keyring.Revoke(r.Context(), req.AEID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "ae not found", "ae_id": req.AEID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked", "ae_id": req.AEID})
}

// ============================================================================
// Session administration
// ============================================================================

func (s *Server) handleSessionRevoke(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	var req struct {
		Reason string `json:"reason"`
	}
	_ = decodeBody(r, &req)

	if _, err := s.broker.Sessions.GetSession(r.Context(), sid); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found", "sid": sid})
		return
	}
	if err := s.broker.Sessions.RevokeSession(r.Context(), sid, req.Reason); err != nil {
		writeRejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked", "sid": sid})
}
