package eventlog

import (
	"encoding/json"
	"fmt"
)

// EncodePayload converts a typed domain record into the generic payload
// map stored on an event. The round trip through JSON keeps stored
// payloads identical to what a relay would deliver.
func EncodePayload(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("eventlog: payload encode failed: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("eventlog: payload encode failed: %w", err)
	}
	return payload, nil
}

// DecodePayload converts a stored payload map back into a typed record.
func DecodePayload[T any](payload map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(payload)
	if err != nil {
		return out, fmt.Errorf("eventlog: payload decode failed: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("eventlog: payload decode failed: %w", err)
	}
	return out, nil
}
