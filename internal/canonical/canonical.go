// Package canonical derives content-address hashes from normalized inputs.
//
// The encoding is deliberately host-independent: keys are sorted
// lexicographically at every nesting level, output is compact JSON without
// HTML escaping, and times encode as UTC ISO-8601. Two payloads that differ
// only in map iteration order always hash identically.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// JSON returns the canonical encoding of v.
func JSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalize(v)); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// HashHex returns the lowercase hex SHA-256 of the canonical encoding of v.
func HashHex(v any) (string, error) {
	raw, err := JSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// normalize reduces v to primitives, string-keyed sorted maps and slices.
// json.Marshal sorts map[string]any keys, so returning ordinary maps is
// enough once every key has been forced to a string.
func normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return t
	case time.Time:
		return isoTime(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalize(vv)
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, vv := range t {
			out = append(out, normalize(vv))
		}
		return out
	case []string:
		out := make([]any, 0, len(t))
		for _, vv := range t {
			out = append(out, vv)
		}
		return out
	default:
		if m, ok := genericMap(v); ok {
			return normalize(m)
		}
		return fmt.Sprint(v)
	}
}

// genericMap widens named map types (domain.ScopeFilters, domain.Metadata)
// without importing them here.
func genericMap(v any) (map[string]any, bool) {
	raw, err := json.Marshal(v)
	if err != nil || len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}

// isoTime encodes midnight-UTC instants as bare dates, everything else as
// RFC 3339 in UTC, matching the upstream feed's date handling.
func isoTime(t time.Time) string {
	u := t.UTC()
	if u.Hour() == 0 && u.Minute() == 0 && u.Second() == 0 && u.Nanosecond() == 0 {
		return u.Format(time.DateOnly)
	}
	return u.Format(time.RFC3339)
}

// SortedKeys returns the sorted keys of a string-keyed map; exported for
// callers that need a deterministic iteration order over filters.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
