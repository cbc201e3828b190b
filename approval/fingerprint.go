package approval

import "strings"

// Fingerprint implements the documented approval re-submit matching
// rule (spec §9, Open Question (a) resolved): a stable normalization
// over (actor_id, action_type, content) that trims whitespace and
// performs no other canonicalization. Deliberately narrower than the
// source's substring match over payload text, which the spec flags as
// over-permissive.
func Fingerprint(actorID, actionType, content string) string {
	return strings.Join([]string{
		strings.TrimSpace(actorID),
		strings.TrimSpace(actionType),
		strings.TrimSpace(content),
	}, "|")
}
