package ledger

import (
	"context"
	"errors"
	"time"
)

// Errors surfaced by Store implementations. Handlers map these to the
// taxonomy in spec §7.
var (
	// ErrChainSerializationConflict means the underlying store could not
	// serialize two concurrent appends; the caller may retry.
	ErrChainSerializationConflict = errors.New("ledger: chain serialization conflict")
	// ErrImmutabilityViolation means an UPDATE or DELETE was attempted
	// (or detected) against the audit_events table.
	ErrImmutabilityViolation = errors.New("ledger: immutability violation")
	// ErrNotFound means no event exists with the requested id.
	ErrNotFound = errors.New("ledger: event not found")
)

// Filter narrows List results. Zero values mean "unfiltered" for that
// field.
type Filter struct {
	ActorID    string
	ActionType string
}

// VerifyResult is the read-only outcome of walking the chain.
type VerifyResult struct {
	TotalEvents int
	ChainValid  bool
	BreakAt     string // event id of the first break, empty if ChainValid
}

// Store is the append-only persistence contract every Ledger backend
// implements. append is serialized by an exclusive lock over the chain
// tip (spec §4.1); implementations MUST hold that lock for the full
// read-tip/compute-hash/persist sequence.
type Store interface {
	// Append attaches a new event after the current chain tip. The
	// caller supplies actorID, actionType, the schemaless payload, and
	// the policy_version in force; Append fills ID, CreatedAt,
	// PreviousEventHash, and EventHash.
	Append(ctx context.Context, actorID, actionType string, payload map[string]any, policyVersion string) (AuditEvent, error)

	// GetByID returns a single event, or ErrNotFound.
	GetByID(ctx context.Context, id string) (AuditEvent, error)

	// List returns events matching filter in ascending (created_at, id)
	// order, paginated.
	List(ctx context.Context, filter Filter, page, size int) ([]AuditEvent, error)

	// Tip returns the current chain tip, or ok=false if the chain is
	// empty.
	Tip(ctx context.Context) (event AuditEvent, ok bool, err error)

	// Verify walks up to maxEvents events (0 means unbounded) in
	// ascending (created_at, id) order, recomputing each event_hash and
	// checking chain linkage. It does not repair.
	Verify(ctx context.Context, maxEvents int) (VerifyResult, error)

	// Close releases any underlying connection or file handle.
	Close() error
}

// clampCreatedAt enforces "created_at ... monotonically non-decreasing
// per chain tip" (spec §3): wall-clock now is used unless the tip's
// timestamp is not already strictly before it, in which case the new
// event is bumped by the smallest representable increment so two
// appends in the same process never produce ties that could
// reorder list() output.
func clampCreatedAt(now time.Time, tip AuditEvent, hasTip bool) time.Time {
	if !hasTip {
		return now
	}
	if now.After(tip.CreatedAt) {
		return now
	}
	return tip.CreatedAt.Add(time.Nanosecond)
}
