package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/aegnix/abi/internal/admission"
	"github.com/aegnix/abi/internal/core"
	"github.com/aegnix/abi/internal/runtime"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AEID string `json:"ae_id"`
	}
	if err := decodeBody(r, &req); err != nil || req.AEID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ae_id required"})
		return
	}

	nonceB64, err := s.broker.IssueChallenge(req.AEID)
	if err != nil {
		if errors.Is(err, admission.ErrUnknownAE) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown ae", "ae_id": req.AEID})
			return
		}
		writeRejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ae_id": req.AEID, "nonce": nonceB64})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AEID           string `json:"ae_id"`
		SignedNonceB64 string `json:"signed_nonce_b64"`
	}
	if err := decodeBody(r, &req); err != nil || req.AEID == "" || req.SignedNonceB64 == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ae_id and signed_nonce_b64 required"})
		return
	}

	grant, err := s.broker.VerifyChallenge(r.Context(), req.AEID, req.SignedNonceB64)
	if err != nil {
		writeRejection(w, err)
		return
	}
	if !grant.Verified {
		writeJSON(w, http.StatusForbidden, grant)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (s *Server) handleSessionRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID    string `json:"session_id"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeBody(r, &req); err != nil || req.SessionID == "" || req.RefreshToken == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id and refresh_token required"})
		return
	}

	grant, err := s.broker.RefreshSession(r.Context(), req.SessionID, req.RefreshToken)
	if err != nil {
		writeRejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":         grant.SessionID,
		"access_token":       grant.AccessToken,
		"expires_in":         grant.ExpiresIn,
		"refresh_token":      grant.RefreshToken,
		"refresh_expires_in": grant.RefreshExpiresIn,
	})
}

func (s *Server) handleSessionHeartbeat(w http.ResponseWriter, r *http.Request) {
	claims, err := s.broker.SessionHeartbeat(r.Context(), bearerToken(r), runtime.SourceSession)
	if err != nil {
		writeRejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "sid": claims.SID})
}

func (s *Server) handleAEHeartbeat(w http.ResponseWriter, r *http.Request) {
	claims, err := s.broker.SessionHeartbeat(r.Context(), bearerToken(r), runtime.SourceExplicit)
	if err != nil {
		writeRejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true, "ae_id": claims.AEID(), "sid": claims.SID,
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Publishes  []string          `json:"publishes"`
		Subscribes []string          `json:"subscribes"`
		Meta       map[string]string `json:"meta"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}

	cap, err := s.broker.DeclareCapability(r.Context(), bearerToken(r), req.Publishes, req.Subscribes, req.Meta)
	if err != nil {
		writeRejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok", "ae_id": cap.AEID, "capability": cap,
	})
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeRejection(w, core.Reject(core.KindBadRequest, core.ReasonBadRequest, "unreadable body"))
		return
	}

	receipt, err := s.broker.Emit(r.Context(), bearerToken(r), body)
	if err != nil {
		writeRejection(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleAuditAppend(w http.ResponseWriter, r *http.Request) {
	var payload map[string]interface{}
	if err := decodeBody(r, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	eventType, _ := payload["event_type"].(string)
	if eventType == "" {
		eventType = "generic_event"
	}
	s.broker.Audit.Log(eventType, payload)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged", "event_type": eventType})
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": s.broker.Audit.Recent(limit),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
