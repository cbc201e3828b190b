package blastbox

import (
	"context"
	"fmt"
	"time"
)

// Box wires a Runtime to workspace snapshotting and evidence hashing,
// implementing the Blast Box contract: execute(proposal) -> EvidencePacket
// (spec §4.5).
type Box struct {
	runtime   Runtime
	workspace string
	cfg       Config
}

// New constructs a Box over runtime, rooted at workspace, using cfg as
// the default resource envelope for every run.
func New(runtime Runtime, workspace string, cfg Config) *Box {
	return &Box{runtime: runtime, workspace: workspace, cfg: cfg}
}

// Execute runs command (the proposal's content) in the sandbox and
// returns a fully-hashed EvidencePacket. If the Runtime cannot be
// reached at all, it returns ErrSandboxUnavailable and no packet — per
// §4.5, no EVIDENCE_PACKET event is written in that case. A timeout is
// a normal, packet-producing outcome.
func (b *Box) Execute(ctx context.Context, proposalID, command string) (EvidencePacket, error) {
	if b.runtime == nil {
		return EvidencePacket{}, ErrSandboxUnavailable
	}

	before, err := snapshot(b.workspace)
	if err != nil {
		return EvidencePacket{}, fmt.Errorf("snapshot workspace before run: %w", err)
	}

	start := time.Now()
	result, err := b.runtime.Run(ctx, b.workspace, command, b.cfg)
	duration := time.Since(start)
	if err != nil {
		return EvidencePacket{}, fmt.Errorf("%w: %v", ErrSandboxUnavailable, err)
	}

	after, err := snapshot(b.workspace)
	if err != nil {
		return EvidencePacket{}, fmt.Errorf("snapshot workspace after run: %w", err)
	}

	packet := EvidencePacket{
		ProposalID:    proposalID,
		Command:       command,
		ExitCode:      result.ExitCode,
		DurationMS:    duration.Milliseconds(),
		Stdout:        result.Stdout,
		Stderr:        result.Stderr,
		TimedOut:      result.TimedOut,
		WorkspaceDiff: diffSnapshots(before, after),
		Environment: Environment{
			Image:          b.cfg.Image,
			NetworkMode:    "none",
			MemoryLimit:    b.cfg.MemoryLimit,
			CPULimit:       b.cfg.CPULimit,
			TimeoutSeconds: b.cfg.TimeoutSeconds,
		},
	}
	hash, err := computeEvidenceHash(packet)
	if err != nil {
		return EvidencePacket{}, fmt.Errorf("compute evidence hash: %w", err)
	}
	packet.EvidenceHash = hash
	return packet, nil
}
