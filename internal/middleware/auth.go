// Package middleware provides HTTP middleware for the swarm wire endpoints.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// RequireBearerToken rejects any request whose Authorization header does
// not carry the configured token, before any handler runs. An empty token
// disables the check entirely (no shared-secret configured).
func RequireBearerToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
				return
			}
			got := strings.TrimPrefix(header, prefix)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid bearer token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
