package router

import "encoding/json"

// ClientMessage is the inbound envelope. Op selects the handler, Target is
// the addressing identifier (user id, group name, tenant id, role name
// depending on the op), Payload is opaque to this layer.
type ClientMessage struct {
	Op      string          `json:"op"`
	Target  string          `json:"target,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerMessage is the outbound envelope pushed to clients.
type ServerMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
