// Package canonical produces the stable textual encodings the Ledger and
// Blast Box hash over. Every caller that computes or verifies a hash MUST
// go through these helpers so append and verify never diverge.
package canonical

import (
	"encoding/json"
	"time"
)

// Payload renders an arbitrary schemaless value (the AuditEvent
// intent_payload, an EvidencePacket's fields) as stable JSON text: map
// keys are sorted, and numeric/string/bool/array/nested-map values are
// encoded through encoding/json, which already produces a single
// canonical form for each Go value. Re-encoding decoded JSON yields
// byte-identical output, satisfying the round-trip property.
func Payload(v any) (string, error) {
	normalized, err := normalize(v)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// normalize walks v and copies every map[string]any and []any node,
// recursing into their values. Key order in the output is fixed by
// encoding/json, which always emits map[string]any keys in sorted order
// regardless of the source map's iteration order. Values of any other
// type (structs, typed maps or slices) are passed through unchanged and
// encoded however encoding/json encodes them.
func normalize(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			n, err := normalize(vv)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			n, err := normalize(vv)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		return v, nil
	}
}

// timestampLayout is RFC 3339 with exactly nine fractional-second
// digits; unlike time.RFC3339Nano it keeps trailing zeros, so every
// encoded instant has the same precision and length.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Timestamp renders t as a fixed-precision (nanosecond), timezone-normalized
// RFC 3339 string in UTC. This resolves spec Open Question (b): the
// store's "default timestamp string form" is locale- and
// driver-dependent, so Gavel fixes the wire/hash encoding to one
// explicit format independent of the backend in use.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ParseTimestamp is the inverse of Timestamp, used when recomputing a
// hash from a persisted row.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
