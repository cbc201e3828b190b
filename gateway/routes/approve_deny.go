package routes

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/jlugo63/gavel/approval"
)

const defaultApproverActor = "human:operator"

func approverActor(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get("X-Actor-Id")); actor != "" {
		return actor
	}
	return defaultApproverActor
}

func approvalErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, approval.ErrAlreadyResolved):
		return http.StatusConflict, "APPROVAL_STATE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

type approveRequest struct {
	IntentEventID string `json:"intent_event_id"`
	PolicyEventID string `json:"policy_event_id"`
}

// handleApprove implements POST /approve (spec §4.3 grant, §6).
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}
	req.IntentEventID = strings.TrimSpace(req.IntentEventID)
	if req.IntentEventID == "" || strings.TrimSpace(req.PolicyEventID) == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "intent_event_id and policy_event_id are required")
		return
	}

	event, err := s.Approvals.Grant(r.Context(), req.IntentEventID, req.PolicyEventID, approverActor(r))
	if err != nil {
		status, code := approvalErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "approval_event_id": event.ID})
}

type denyRequest struct {
	IntentEventID string `json:"intent_event_id"`
	PolicyEventID string `json:"policy_event_id"`
	Reason        string `json:"reason"`
}

// handleDeny implements POST /deny (spec §4.3 deny, §6).
func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	var req denyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}
	req.IntentEventID = strings.TrimSpace(req.IntentEventID)
	if req.IntentEventID == "" || strings.TrimSpace(req.PolicyEventID) == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "intent_event_id and policy_event_id are required")
		return
	}

	event, err := s.Approvals.Deny(r.Context(), req.IntentEventID, req.PolicyEventID, req.Reason, approverActor(r))
	if err != nil {
		status, code := approvalErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "denial_event_id": event.ID})
}
