package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/jlugo63/gavel/blastbox"
	"github.com/jlugo63/gavel/ledger"
)

type executeRequest struct {
	ProposalID string `json:"proposal_id"`
}

type executeResponse struct {
	EvidenceEventID string                  `json:"evidence_event_id"`
	EvidencePacket  blastbox.EvidencePacket `json:"evidence_packet"`
}

var policyEvalActionTypes = []string{
	ledger.ActionPolicyEvalApproved,
	ledger.ActionPolicyEvalDenied,
	ledger.ActionPolicyEvalEscalated,
}

// findPolicyEval returns the POLICY_EVAL event whose payload
// intent_event_id equals proposalID, searching each outcome's action
// type since List only filters on a single action_type at a time.
func (s *Server) findPolicyEval(ctx context.Context, proposalID string) (ledger.AuditEvent, bool, error) {
	const pageSize = 200
	for _, actionType := range policyEvalActionTypes {
		for page := 0; ; page++ {
			events, err := s.Ledger.List(ctx, ledger.Filter{ActionType: actionType}, page, pageSize)
			if err != nil {
				return ledger.AuditEvent{}, false, err
			}
			for _, e := range events {
				if id, _ := e.IntentPayload["intent_event_id"].(string); id == proposalID {
					return e, true, nil
				}
			}
			if len(events) < pageSize {
				break
			}
		}
	}
	return ledger.AuditEvent{}, false, nil
}

// handleExecute implements spec §4.4 step 3: look up the referenced
// intent's latest decision and, if APPROVED, run it in the Blast Box.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}
	req.ProposalID = strings.TrimSpace(req.ProposalID)
	if req.ProposalID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "proposal_id is required")
		return
	}

	intent, err := s.Ledger.GetByID(ctx, req.ProposalID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no such proposal")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	policyEvent, found, err := s.findPolicyEval(ctx, req.ProposalID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no policy evaluation for proposal")
		return
	}

	switch policyEvent.ActionType {
	case ledger.ActionPolicyEvalDenied:
		writeError(w, http.StatusForbidden, "POLICY_DENIED", "proposal was denied")
		return
	case ledger.ActionPolicyEvalEscalated:
		writeError(w, http.StatusAccepted, "APPROVAL_REQUIRED", "proposal is awaiting human review")
		return
	case ledger.ActionPolicyEvalApproved:
		// fall through to sandbox execution
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", "unexpected policy evaluation action type")
		return
	}

	content, _ := intent.IntentPayload["content"].(string)
	packet, err := s.Box.Execute(ctx, req.ProposalID, content)
	if err != nil {
		if errors.Is(err, blastbox.ErrSandboxUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "SANDBOX_UNAVAILABLE", "cannot launch the isolated environment")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	evidenceEvent, err := s.Ledger.Append(ctx, "system:blastbox", ledger.ActionEvidencePacket, map[string]any{
		"proposal_id":    packet.ProposalID,
		"command":        packet.Command,
		"exit_code":      packet.ExitCode,
		"duration_ms":    packet.DurationMS,
		"stdout":         packet.Stdout,
		"stderr":         packet.Stderr,
		"timed_out":      packet.TimedOut,
		"workspace_diff": map[string]any{"added": packet.WorkspaceDiff.Added, "modified": packet.WorkspaceDiff.Modified, "deleted": packet.WorkspaceDiff.Deleted},
		"environment": map[string]any{
			"image":           packet.Environment.Image,
			"network_mode":    packet.Environment.NetworkMode,
			"memory_limit":    packet.Environment.MemoryLimit,
			"cpu_limit":       packet.Environment.CPULimit,
			"timeout_seconds": packet.Environment.TimeoutSeconds,
		},
		"evidence_hash": packet.EvidenceHash,
	}, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, executeResponse{
		EvidenceEventID: evidenceEvent.ID,
		EvidencePacket:  packet,
	})
}
