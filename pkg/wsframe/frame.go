// Package wsframe defines the flat JSON frames clients send over the
// gateway WebSocket and a type-keyed dispatcher for routing them.
//
// Inbound frames carry a "type" discriminator with the type-specific fields
// at the top level; outbound frames reuse the runtime's event shape
// directly, so there is no outbound envelope here.
package wsframe

import "encoding/json"

// Inbound frame types.
const (
	TypeQuery              = "query"
	TypeSubscribe          = "subscribe"
	TypeUnsubscribe        = "unsubscribe"
	TypeUserResponse       = "user_response"
	TypePermissionResponse = "permission_response"
	TypeInterrupt          = "interrupt"
)

// Frame is one inbound client frame. Raw keeps the original bytes so
// handlers can bind their own view of the type-specific fields.
type Frame struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// Decode parses a frame and keeps the raw bytes for Bind. A frame without
// a type is treated as a query.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		f.Type = TypeQuery
	}
	f.Raw = append(json.RawMessage(nil), data...)
	return &f, nil
}

// Bind unmarshals the frame's fields into v.
func (f *Frame) Bind(v interface{}) error {
	if f.Raw == nil {
		return nil
	}
	return json.Unmarshal(f.Raw, v)
}

// QueryRequest starts a background task on a session. An empty or unknown
// SessionID creates a new session; the reply carries the definitive id.
type QueryRequest struct {
	SessionID    string `json:"session_id,omitempty"`
	Content      string `json:"content"`
	EndpointName string `json:"endpoint_name,omitempty"`
	ModelName    string `json:"model_name,omitempty"`
	SecurityMode string `json:"security_mode,omitempty"`
	WorkDir      string `json:"cwd,omitempty"`
}

// SubscribeRequest attaches or detaches this connection from a session's
// event feed.
type SubscribeRequest struct {
	SessionID string `json:"session_id"`
}

// UserResponse answers a pending ask_user request.
type UserResponse struct {
	RequestID string                 `json:"request_id"`
	Answers   map[string]interface{} `json:"answers"`
}

// PermissionResponse answers a pending tool permission request.
type PermissionResponse struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
}

// InterruptRequest stops the session's running task.
type InterruptRequest struct {
	SessionID string `json:"session_id"`
}
