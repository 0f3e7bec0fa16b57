package command

import (
	"encoding/json"
	"fmt"

	"github.com/nevindra/edgelink"
)

// identifierKeys are the opaque-payload fields that must obey the
// thread-id charset. Everything else in those payloads passes through
// untouched.
var identifierKeys = map[string]bool{
	"thread_id":  true,
	"chat_guid":  true,
	"identifier": true,
	"rule_id":    true,
	"plan_id":    true,
}

// validateOpaquePayload applies the structural limits for rule, plan,
// context and upload commands: bounded size, bounded nesting, and the
// restricted charset on identifier fields.
func validateOpaquePayload(payload json.RawMessage) error {
	if len(payload) > maxPayloadBytes {
		return &edgelink.ErrValidation{Reason: fmt.Sprintf("payload exceeds %d bytes", maxPayloadBytes)}
	}
	if len(payload) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return &edgelink.ErrValidation{Reason: "payload is not valid json"}
	}
	if depth(v) > maxPayloadDepth {
		return &edgelink.ErrValidation{Reason: fmt.Sprintf("payload nesting exceeds depth %d", maxPayloadDepth)}
	}
	if key, val, ok := badIdentifier(v); ok {
		return &edgelink.ErrValidation{Reason: fmt.Sprintf("field %s has forbidden characters: %q", key, val)}
	}
	return nil
}

func depth(v any) int {
	switch t := v.(type) {
	case map[string]any:
		max := 0
		for _, child := range t {
			if d := depth(child); d > max {
				max = d
			}
		}
		return 1 + max
	case []any:
		max := 0
		for _, child := range t {
			if d := depth(child); d > max {
				max = d
			}
		}
		return 1 + max
	default:
		return 0
	}
}

// badIdentifier walks the payload looking for identifier fields whose
// value breaks the thread-id charset. First offender wins.
func badIdentifier(v any) (key, val string, found bool) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if s, ok := child.(string); ok && identifierKeys[k] {
				if s != "" && !edgelink.ValidThreadID(s) {
					return k, s, true
				}
				continue
			}
			if key, val, found = badIdentifier(child); found {
				return key, val, true
			}
		}
	case []any:
		for _, child := range t {
			if key, val, found = badIdentifier(child); found {
				return key, val, true
			}
		}
	}
	return "", "", false
}
