package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// RequireHumanAuth gates /approve and /deny behind a single shared
// bearer secret (spec §6, Non-goals: no per-reviewer identity beyond
// this). An empty apiKey means the deployment never configured
// HUMAN_API_KEY, so every request is rejected rather than silently
// allowed.
func RequireHumanAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				http.Error(w, "human approval endpoint not configured", http.StatusUnauthorized)
				return
			}
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			provided := strings.TrimPrefix(header, prefix)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
