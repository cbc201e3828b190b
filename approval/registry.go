// Package approval implements the Approval Registry: a stateless,
// read-through projection over the Ledger (spec §4.3). It owns no
// storage of its own — every operation either appends a new event or
// scans existing ones.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jlugo63/gavel/ledger"
)

// State is the Approval Registry's per-intent lifecycle position.
type State string

const (
	PendingReview     State = "PENDING_REVIEW"
	HumanRequired     State = "HUMAN_REQUIRED"
	Resolved          State = "RESOLVED"
	AutoDeniedTimeout State = "AUTO_DENIED_TIMEOUT"
)

const (
	humanRequiredAfter = 300 * time.Second
	defaultApprovalTTL = 3600 * time.Second
)

// Errors returned by Registry operations, mapped by the Gateway onto
// the spec §7 taxonomy.
var (
	ErrNotFound        = fmt.Errorf("approval: intent not found")
	ErrAlreadyResolved = fmt.Errorf("approval: already resolved")
)

// Registry evaluates and mutates approval state purely by reading and
// appending Ledger events.
type Registry struct {
	store ledger.Store
	ttl   time.Duration
	now   func() time.Time

	// mu serializes every check-then-append sequence (resolve,
	// ConsumeIfValid) against itself: the Ledger's own tip lock only
	// covers a single Append call, not the read-then-write spanning a
	// lookup and the event it produces, so two concurrent calls could
	// otherwise both observe the pre-write state and both append.
	mu sync.Mutex
}

// New constructs a Registry. ttl is APPROVAL_TTL_SECONDS; zero selects
// the spec default of 3600s.
func New(store ledger.Store, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = defaultApprovalTTL
	}
	return &Registry{store: store, ttl: ttl, now: time.Now}
}

// collectByActionType scans the full ledger for events of actionType.
// The registry is explicitly not performance-optimized (spec §9: "not
// a throughput concern at the intended scale"); a full scan per lookup
// trades index complexity for the Ledger remaining the single source
// of truth with no secondary state to keep consistent.
func (r *Registry) collectByActionType(ctx context.Context, actionType string) ([]ledger.AuditEvent, error) {
	const pageSize = 200
	var out []ledger.AuditEvent
	for page := 0; ; page++ {
		events, err := r.store.List(ctx, ledger.Filter{ActionType: actionType}, page, pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
		if len(events) < pageSize {
			return out, nil
		}
	}
}

func payloadString(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// findEscalation returns the POLICY_EVAL:ESCALATED event whose
// intent_event_id matches, if any.
func (r *Registry) findEscalation(ctx context.Context, intentEventID string) (ledger.AuditEvent, bool, error) {
	events, err := r.collectByActionType(ctx, ledger.ActionPolicyEvalEscalated)
	if err != nil {
		return ledger.AuditEvent{}, false, err
	}
	for _, e := range events {
		if payloadString(e.IntentPayload, "intent_event_id") == intentEventID {
			return e, true, nil
		}
	}
	return ledger.AuditEvent{}, false, nil
}

// resolution captures whichever terminal event resolved an intent
// first, for state reporting and ALREADY_RESOLVED checks.
type resolution struct {
	Kind  string // "grant", "deny", "consumed", "auto_denied"
	Event ledger.AuditEvent
}

func (r *Registry) findResolutions(ctx context.Context, intentEventID string) ([]resolution, error) {
	var out []resolution
	grants, err := r.collectByActionType(ctx, ledger.ActionHumanApprovalGranted)
	if err != nil {
		return nil, err
	}
	for _, e := range grants {
		if payloadString(e.IntentPayload, "intent_event_id") == intentEventID {
			out = append(out, resolution{Kind: "grant", Event: e})
		}
	}
	denials, err := r.collectByActionType(ctx, ledger.ActionHumanDenial)
	if err != nil {
		return nil, err
	}
	for _, e := range denials {
		if payloadString(e.IntentPayload, "intent_event_id") == intentEventID {
			out = append(out, resolution{Kind: "deny", Event: e})
		}
	}
	consumed, err := r.collectByActionType(ctx, ledger.ActionApprovalConsumed)
	if err != nil {
		return nil, err
	}
	for _, e := range consumed {
		if payloadString(e.IntentPayload, "original_intent_event_id") == intentEventID {
			out = append(out, resolution{Kind: "consumed", Event: e})
		}
	}
	autoDenied, err := r.collectByActionType(ctx, ledger.ActionAutoDeniedTimeout)
	if err != nil {
		return nil, err
	}
	for _, e := range autoDenied {
		if payloadString(e.IntentPayload, "intent_event_id") == intentEventID {
			out = append(out, resolution{Kind: "auto_denied", Event: e})
		}
	}
	return out, nil
}

// State reports the current lifecycle position for intentEventID. It
// requires the escalation event to exist; callers must have already
// confirmed the intent was ESCALATED.
func (r *Registry) State(ctx context.Context, intentEventID string) (State, error) {
	escalation, found, err := r.findEscalation(ctx, intentEventID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrNotFound
	}
	resolutions, err := r.findResolutions(ctx, intentEventID)
	if err != nil {
		return "", err
	}
	if len(resolutions) > 0 {
		return Resolved, nil
	}
	elapsed := r.now().Sub(escalation.CreatedAt)
	if elapsed > r.ttl {
		return AutoDeniedTimeout, nil
	}
	if elapsed >= humanRequiredAfter {
		return HumanRequired, nil
	}
	return PendingReview, nil
}

// Grant appends HUMAN_APPROVAL_GRANTED for intentEventID, per spec
// §4.3's grant contract.
func (r *Registry) Grant(ctx context.Context, intentEventID, policyEventID, approverActor string) (ledger.AuditEvent, error) {
	return r.resolve(ctx, intentEventID, policyEventID, approverActor, ledger.ActionHumanApprovalGranted, map[string]any{
		"intent_event_id": intentEventID,
		"policy_event_id": policyEventID,
		"granted_at":      r.now().UTC().Format(time.RFC3339Nano),
	})
}

// Deny appends HUMAN_DENIAL for intentEventID.
func (r *Registry) Deny(ctx context.Context, intentEventID, policyEventID, reason, approverActor string) (ledger.AuditEvent, error) {
	return r.resolve(ctx, intentEventID, policyEventID, approverActor, ledger.ActionHumanDenial, map[string]any{
		"intent_event_id": intentEventID,
		"policy_event_id": policyEventID,
		"reason":          reason,
	})
}

func (r *Registry) resolve(ctx context.Context, intentEventID, policyEventID, approverActor, actionType string, payload map[string]any) (ledger.AuditEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, found, err := r.findEscalation(ctx, intentEventID)
	if err != nil {
		return ledger.AuditEvent{}, err
	}
	if !found {
		return ledger.AuditEvent{}, ErrNotFound
	}
	resolutions, err := r.findResolutions(ctx, intentEventID)
	if err != nil {
		return ledger.AuditEvent{}, err
	}
	if len(resolutions) > 0 {
		return ledger.AuditEvent{}, ErrAlreadyResolved
	}
	return r.store.Append(ctx, approverActor, actionType, payload, "")
}

// ConsumeIfValid looks for the newest unconsumed, unexpired grant for
// fingerprint and actorID. If found, it appends APPROVAL_CONSUMED
// referencing both the grant and newIntentEventID, and returns the
// grant event. Returns ok=false if no valid grant exists (spec §4.3).
// The whole lookup-then-append sequence runs under r.mu so concurrent
// re-proposes of the same grant can't both see it unconsumed (A1).
func (r *Registry) ConsumeIfValid(ctx context.Context, actorID, fingerprint, newIntentEventID string) (grant ledger.AuditEvent, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	grants, err := r.collectByActionType(ctx, ledger.ActionHumanApprovalGranted)
	if err != nil {
		return ledger.AuditEvent{}, false, err
	}

	consumedGrantIDs, deniedIntentIDs, err := r.consumedAndDeniedIndex(ctx)
	if err != nil {
		return ledger.AuditEvent{}, false, err
	}

	var best ledger.AuditEvent
	haveBest := false
	now := r.now()
	for _, g := range grants {
		grantedIntentID := payloadString(g.IntentPayload, "intent_event_id")
		if consumedGrantIDs[g.ID] {
			continue // (A1) one-shot
		}
		if deniedIntentIDs[grantedIntentID] {
			continue // (A4) denial blocks consumption
		}
		grantedAt, parseErr := time.Parse(time.RFC3339Nano, payloadString(g.IntentPayload, "granted_at"))
		if parseErr != nil {
			continue
		}
		if now.After(grantedAt.Add(r.ttl)) {
			continue // (A3) expired grants are invisible
		}
		originalEscalation, found, escErr := r.findEscalation(ctx, grantedIntentID)
		if escErr != nil {
			return ledger.AuditEvent{}, false, escErr
		}
		if !found {
			continue
		}
		if originalEscalation.ActorID != actorID {
			continue // (A2) actor-scoped
		}
		originalIntent, intentErr := r.store.GetByID(ctx, grantedIntentID)
		if intentErr != nil {
			continue
		}
		originalActionType := payloadString(originalIntent.IntentPayload, "action_type")
		originalContent := payloadString(originalIntent.IntentPayload, "content")
		if Fingerprint(originalEscalation.ActorID, originalActionType, originalContent) != fingerprint {
			continue
		}
		if !haveBest || g.CreatedAt.After(best.CreatedAt) {
			best = g
			haveBest = true
		}
	}
	if !haveBest {
		return ledger.AuditEvent{}, false, nil
	}

	_, err = r.store.Append(ctx, actorID, ledger.ActionApprovalConsumed, map[string]any{
		"grant_event_id":           best.ID,
		"original_intent_event_id": payloadString(best.IntentPayload, "intent_event_id"),
		"intent_event_id":          newIntentEventID,
	}, "")
	if err != nil {
		return ledger.AuditEvent{}, false, err
	}
	return best, true, nil
}

func (r *Registry) consumedAndDeniedIndex(ctx context.Context) (map[string]bool, map[string]bool, error) {
	consumedGrantIDs := map[string]bool{}
	consumed, err := r.collectByActionType(ctx, ledger.ActionApprovalConsumed)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range consumed {
		consumedGrantIDs[payloadString(e.IntentPayload, "grant_event_id")] = true
	}

	deniedIntentIDs := map[string]bool{}
	denials, err := r.collectByActionType(ctx, ledger.ActionHumanDenial)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range denials {
		deniedIntentIDs[payloadString(e.IntentPayload, "intent_event_id")] = true
	}
	return consumedGrantIDs, deniedIntentIDs, nil
}

// AutoDenyTimedOut appends AUTO_DENIED_TIMEOUT for an escalated intent
// whose TTL has elapsed with no resolution. Callers (a background
// sweep, or a State()-driven lazy check at request time) invoke this
// once State reports AutoDeniedTimeout and no resolution exists yet.
func (r *Registry) AutoDenyTimedOut(ctx context.Context, intentEventID, policyEventID string) (ledger.AuditEvent, error) {
	return r.store.Append(ctx, "system:approval-registry", ledger.ActionAutoDeniedTimeout, map[string]any{
		"intent_event_id": intentEventID,
		"policy_event_id": policyEventID,
	}, "")
}
