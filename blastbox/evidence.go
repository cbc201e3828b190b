package blastbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jlugo63/gavel/internal/canonical"
)

// WorkspaceDiff is the paths-only before/after comparison of the
// mounted workspace (spec §4.5).
type WorkspaceDiff struct {
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Deleted  []string `json:"deleted"`
}

// Environment records the sandbox resource knobs in force for one run.
type Environment struct {
	Image          string `json:"image"`
	NetworkMode    string `json:"network_mode"`
	MemoryLimit    string `json:"memory_limit"`
	CPULimit       string `json:"cpu_limit"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// EvidencePacket is the payload of an EVIDENCE_PACKET event (spec §3).
type EvidencePacket struct {
	ProposalID    string        `json:"proposal_id"`
	Command       string        `json:"command"`
	ExitCode      int           `json:"exit_code"`
	DurationMS    int64         `json:"duration_ms"`
	Stdout        string        `json:"stdout"`
	Stderr        string        `json:"stderr"`
	TimedOut      bool          `json:"timed_out"`
	WorkspaceDiff WorkspaceDiff `json:"workspace_diff"`
	Environment   Environment   `json:"environment"`
	EvidenceHash  string        `json:"evidence_hash"`
}

// computeEvidenceHash implements §4.5's hash definition: SHA256 over
// the canonical encoding of every other field. evidence_hash itself is
// SHA-256, matching the Ledger's event_hash scheme, even though
// workspace content hashing upstream of the diff uses blake3 for
// speed — only the externally-verifiable evidence_hash must be
// SHA-256, per the spec's explicit naming of the algorithm.
func computeEvidenceHash(p EvidencePacket) (string, error) {
	fields := map[string]any{
		"proposal_id": p.ProposalID,
		"command":     p.Command,
		"exit_code":   p.ExitCode,
		"duration_ms": p.DurationMS,
		"stdout":      p.Stdout,
		"stderr":      p.Stderr,
		"timed_out":   p.TimedOut,
		"workspace_diff": map[string]any{
			"added":    toAnySlice(p.WorkspaceDiff.Added),
			"modified": toAnySlice(p.WorkspaceDiff.Modified),
			"deleted":  toAnySlice(p.WorkspaceDiff.Deleted),
		},
		"environment": map[string]any{
			"image":           p.Environment.Image,
			"network_mode":    p.Environment.NetworkMode,
			"memory_limit":    p.Environment.MemoryLimit,
			"cpu_limit":       p.Environment.CPULimit,
			"timeout_seconds": p.Environment.TimeoutSeconds,
		},
	}
	text, err := canonical.Payload(fields)
	if err != nil {
		return "", fmt.Errorf("canonicalize evidence packet: %w", err)
	}
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:]), nil
}

// VerifyEvidenceHash recomputes a packet's evidence_hash from its other
// fields and reports whether it matches (spec testable property 9).
func VerifyEvidenceHash(p EvidencePacket) (bool, error) {
	expected, err := computeEvidenceHash(p)
	if err != nil {
		return false, err
	}
	return expected == p.EvidenceHash, nil
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
