// Package routes implements the Gateway's HTTP surface: propose,
// execute, approve, deny, and health (spec §4.4, §6). The Gateway owns
// no mutable state beyond the request lifetime — every decision is
// read from or appended to the Ledger.
package routes

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jlugo63/gavel/approval"
	"github.com/jlugo63/gavel/blastbox"
	"github.com/jlugo63/gavel/gateway/middleware"
	"github.com/jlugo63/gavel/identity"
	"github.com/jlugo63/gavel/ledger"
	"github.com/jlugo63/gavel/policy"
)

// Server holds the four subsystems the Gateway orchestrates plus the
// auth/observability middleware wrapped around them.
type Server struct {
	Ledger    ledger.Store
	Policy    *policy.Engine
	Approvals *approval.Registry
	Box       *blastbox.Box
	Allow     *identity.AllowList

	AgentAuth       *identity.Authenticator
	HumanAPIKey     string
	RateLimiter     *middleware.RateLimiter
	Observability   *middleware.Observability
	MaxVerifyEvents int
}

// New builds the chi router mounting every endpoint in the HTTP
// surface table (spec §6).
func New(s *Server) http.Handler {
	r := chi.NewRouter()

	if s.Observability != nil {
		r.Use(s.Observability.Middleware("root"))
		r.Handle("/metrics", s.Observability.MetricsHandler())
	}

	r.Get("/health", s.handleHealth)

	r.Group(func(gr chi.Router) {
		if s.RateLimiter != nil {
			gr.Use(s.RateLimiter.Middleware("propose"))
		}
		if s.AgentAuth != nil {
			gr.Use(middleware.RequireAgentAuth(s.AgentAuth))
		}
		gr.Post("/propose", s.handlePropose)
		gr.Post("/execute", s.handleExecute)
	})

	r.Group(func(gr chi.Router) {
		gr.Use(middleware.RequireHumanAuth(s.HumanAPIKey))
		gr.Post("/approve", s.handleApprove)
		gr.Post("/deny", s.handleDeny)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
