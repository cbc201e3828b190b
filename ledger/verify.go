package ledger

// VerifyChain walks events (already ordered ascending by created_at,
// id) recomputing each event_hash and checking chain linkage, mirroring
// the recompute-and-link-check shape of a hash-chain verifier: for each
// row, recompute the hash from its own fields and confirm
// previous_event_hash equals the predecessor's event_hash.
func VerifyChain(events []AuditEvent) (VerifyResult, error) {
	result := VerifyResult{TotalEvents: len(events), ChainValid: true}
	for i, event := range events {
		ok, err := VerifyEventHash(event)
		if err != nil {
			return VerifyResult{}, err
		}
		if !ok {
			result.ChainValid = false
			result.BreakAt = event.ID
			return result, nil
		}
		if i == 0 {
			if event.PreviousEventHash != GenesisHash {
				result.ChainValid = false
				result.BreakAt = event.ID
				return result, nil
			}
			continue
		}
		if event.PreviousEventHash != events[i-1].EventHash {
			result.ChainValid = false
			result.BreakAt = event.ID
			return result, nil
		}
	}
	return result, nil
}
