package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/jlugo63/gavel/internal/canonical"
)

// GenesisHash is the sentinel previous_event_hash for the first event
// ever appended to a chain.
const GenesisHash = "GENESIS"

// Closed vocabulary of action_type values a row may carry.
const (
	ActionInboundIntent        = "INBOUND_INTENT"
	ActionPolicyEvalApproved   = "POLICY_EVAL:APPROVED"
	ActionPolicyEvalDenied     = "POLICY_EVAL:DENIED"
	ActionPolicyEvalEscalated  = "POLICY_EVAL:ESCALATED"
	ActionHumanApprovalGranted = "HUMAN_APPROVAL_GRANTED"
	ActionHumanDenial          = "HUMAN_DENIAL"
	ActionApprovalConsumed     = "APPROVAL_CONSUMED"
	ActionAutoDeniedTimeout    = "AUTO_DENIED_TIMEOUT"
	ActionEvidencePacket       = "EVIDENCE_PACKET"
	ActionBootstrap            = "SYSTEM_BOOTSTRAP"
)

// AuditEvent is the atomic unit of the Spine (spec §3).
type AuditEvent struct {
	ID                string
	CreatedAt         time.Time
	ActorID           string
	ActionType        string
	IntentPayload     map[string]any
	PolicyVersion     string
	EventHash         string
	PreviousEventHash string
}

// PolicyEvalActionType maps a policy decision string to its closed
// vocabulary action_type.
func PolicyEvalActionType(decision string) string {
	return "POLICY_EVAL:" + decision
}

// computeEventHash implements (I3):
//
//	event_hash = SHA256(previous_event_hash | actor_id | action_type |
//	                     canonical(intent_payload) | policy_version | canonical(created_at))
func computeEventHash(previousEventHash, actorID, actionType string, payload map[string]any, policyVersion string, createdAt time.Time) (string, error) {
	payloadText, err := canonical.Payload(payload)
	if err != nil {
		return "", err
	}
	joined := strings.Join([]string{
		previousEventHash,
		actorID,
		actionType,
		payloadText,
		policyVersion,
		canonical.Timestamp(createdAt),
	}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:]), nil
}

// VerifyEventHash recomputes e's event_hash from its own fields and
// reports whether it matches the persisted value. Used by Verify and by
// the tamper test in ledger_test.go, which alters a field of an appended
// event in memory and asserts the hash no longer matches.
func VerifyEventHash(e AuditEvent) (bool, error) {
	expected, err := computeEventHash(e.PreviousEventHash, e.ActorID, e.ActionType, e.IntentPayload, e.PolicyVersion, e.CreatedAt)
	if err != nil {
		return false, err
	}
	return expected == e.EventHash, nil
}
