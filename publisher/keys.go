package publisher

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/walship/walship/source"
)

// Sentinel partition keys for events whose key cannot be derived.
const (
	// UnknownKey marks events with no key payload (keyless rows).
	UnknownKey = "unknown-key"
	// ErrorKey marks events whose key payload could not be parsed.
	ErrorKey = "error-key"
)

// ExtractKey derives the partition key from the event's key envelope.
//
// A single-field key yields its stringified value. Composite keys are
// joined with ":" in lexicographically sorted field-name order, so the
// same logical row always produces the same key regardless of column
// declaration order.
func ExtractKey(raw source.RawChangeEvent) string {
	if raw.Key == nil {
		return UnknownKey
	}

	var env struct {
		Payload map[string]json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw.Key, &env); err != nil {
		return ErrorKey
	}
	if len(env.Payload) == 0 {
		return UnknownKey
	}

	names := make([]string, 0, len(env.Payload))
	for name := range env.Payload {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		value, ok := stringifyKeyValue(env.Payload[name])
		if !ok {
			return ErrorKey
		}
		parts = append(parts, value)
	}

	return strings.Join(parts, ":")
}

// stringifyKeyValue renders one key field value. Numbers keep their
// source representation (no float round-trip), strings are unquoted,
// everything else keeps its JSON form.
func stringifyKeyValue(raw json.RawMessage) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return "", false
	}

	switch x := v.(type) {
	case nil:
		return "null", true
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case bool:
		if x {
			return "true", true
		}
		return "false", true
	default:
		return string(bytes.TrimSpace(raw)), true
	}
}
