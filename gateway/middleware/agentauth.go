package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/jlugo63/gavel/identity"
)

type principalContextKey struct{}

// PrincipalFromContext returns the authenticated caller recorded by
// RequireAgentAuth, if any.
func PrincipalFromContext(ctx context.Context) (*identity.Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*identity.Principal)
	return p, ok
}

// RequireAgentAuth authenticates /propose and /execute calls against
// auth using the X-Api-Key/X-Timestamp/X-Nonce/X-Signature headers
// (spec §6). The request body is buffered and restored so downstream
// handlers can still decode it after the signature check consumes it.
func RequireAgentAuth(auth *identity.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, int64(identity.MaxBodyForSignature)+1))
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			principal, err := auth.Authenticate(r, body)
			if err != nil {
				http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
