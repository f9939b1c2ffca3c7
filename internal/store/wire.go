package store

import "encoding/json"

// Envelope is the sync protocol frame, both directions. Requests carry a
// client-chosen ID echoed in the matching OpAck or OpError; OpValue frames
// reference the subscription's ID instead.
type Envelope struct {
	Op      string                     `json:"op"`
	ID      string                     `json:"id,omitempty"`
	Path    string                     `json:"path,omitempty"`
	Value   json.RawMessage            `json:"value,omitempty"`
	Values  map[string]json.RawMessage `json:"values,omitempty"`
	Key     string                     `json:"key,omitempty"`
	Message string                     `json:"message,omitempty"`
}

// Client-to-server ops.
const (
	OpGet         = "get"
	OpSet         = "set"
	OpUpdate      = "update"
	OpRemove      = "remove"
	OpPush        = "push"
	OpSubscribe   = "sub"
	OpUnsubscribe = "unsub"
)

// Server-to-client ops.
const (
	OpAck   = "ack"
	OpError = "err"
	OpValue = "value"
)

// DecodeWireValue maps a wire value onto the Store's value space: an
// absent or JSON-null value is nil (delete semantics in updates).
func DecodeWireValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}
