package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"

	"golang.org/x/crypto/bcrypt"
)

// adminGuard protects the /admin plane. A bcrypt hash is preferred; the
// plain ADMIN_TOKEN falls back to a constant-time compare. With neither
// configured the admin surface is disabled outright.
func (s *Server) adminGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("X-Admin-Token")
		if presented == "" {
			presented = bearerToken(r)
		}

		auth := s.broker.Config.Auth
		switch {
		case auth.AdminTokenBcrypt != "":
			if bcrypt.CompareHashAndPassword([]byte(auth.AdminTokenBcrypt), []byte(presented)) != nil {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin token rejected"})
				return
			}
		case auth.AdminToken != "":
			if subtle.ConstantTimeCompare([]byte(auth.AdminToken), []byte(presented)) != 1 {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin token rejected"})
				return
			}
		default:
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin surface disabled"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func queryFloat(r *http.Request, key string) float64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return f
}
