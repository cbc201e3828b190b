package routes

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/jlugo63/gavel/approval"
	"github.com/jlugo63/gavel/gateway/middleware"
	"github.com/jlugo63/gavel/ledger"
	"github.com/jlugo63/gavel/policy"
)

type proposeRequest struct {
	ActorID    string `json:"actor_id"`
	ActionType string `json:"action_type"`
	Content    string `json:"content"`
}

type proposeResponse struct {
	Decision      string             `json:"decision"`
	RiskScore     float64            `json:"risk_score"`
	IntentEventID string             `json:"intent_event_id"`
	PolicyEventID string             `json:"policy_event_id"`
	Violations    []policy.Violation `json:"violations"`
}

func violationsPayload(vs []policy.Violation) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = map[string]any{"rule": v.Rule, "description": v.Description}
	}
	return out
}

// handlePropose implements spec §4.4 step 1: authenticate, append
// INBOUND_INTENT, evaluate, consult the Approval Registry on
// escalation, and append POLICY_EVAL:{decision}.
func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}
	req.ActorID = strings.TrimSpace(req.ActorID)
	req.ActionType = strings.TrimSpace(req.ActionType)
	if req.ActorID == "" || req.ActionType == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "actor_id and action_type are required")
		return
	}

	if principal, ok := middleware.PrincipalFromContext(ctx); ok && principal.APIKey != req.ActorID {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "actor_id does not match authenticated principal")
		return
	}
	if s.Allow != nil && !s.Allow.Allowed(req.ActorID) {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "unknown actor")
		return
	}

	intentEvent, err := s.Ledger.Append(ctx, req.ActorID, ledger.ActionInboundIntent, map[string]any{
		"actor_id":    req.ActorID,
		"action_type": req.ActionType,
		"content":     req.Content,
	}, s.Policy.Version())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	result := s.Policy.Evaluate(req.ActionType, req.Content)
	decision := result.Decision
	consumedGrantID := ""

	if decision == policy.Escalated {
		fingerprint := approval.Fingerprint(req.ActorID, req.ActionType, req.Content)
		grant, ok, err := s.Approvals.ConsumeIfValid(ctx, req.ActorID, fingerprint, intentEvent.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		if ok {
			decision = policy.Approved
			consumedGrantID = grant.ID
		}
	}

	policyPayload := map[string]any{
		"intent_event_id": intentEvent.ID,
		"risk_score":      result.RiskScore,
		"violations":      violationsPayload(result.Violations),
	}
	if consumedGrantID != "" {
		policyPayload["consumed_grant_event_id"] = consumedGrantID
	}
	policyEvent, err := s.Ledger.Append(ctx, req.ActorID, ledger.PolicyEvalActionType(string(decision)), policyPayload, s.Policy.Version())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	status := http.StatusOK
	switch decision {
	case policy.Escalated:
		status = http.StatusAccepted
	case policy.Denied:
		status = http.StatusForbidden
	}

	writeJSON(w, status, proposeResponse{
		Decision:      string(decision),
		RiskScore:     result.RiskScore,
		IntentEventID: intentEvent.ID,
		PolicyEventID: policyEvent.ID,
		Violations:    result.Violations,
	})
}
