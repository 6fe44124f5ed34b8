// Package protocol defines the JSON frames exchanged on the signaling WebSocket.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// HeaderStreamKey carries the broker-issued API key on the handshake
const HeaderStreamKey = "X-Stream-Key"

// Message types
const (
	TypeJoin         = "join"
	TypeJoined       = "joined"
	TypeLeave        = "leave"
	TypeLeft         = "left"
	TypeMedia        = "media"
	TypeParticipants = "participants"
	TypeError        = "error"
)

// Error codes carried in error frames
const (
	CodeInvalidCall    = "INVALID_CALL"
	CodeNotJoined      = "NOT_JOINED"
	CodeAlreadyJoined  = "ALREADY_JOINED"
	CodeBadMessage     = "BAD_MESSAGE"
	CodeInternal       = "INTERNAL_ERROR"
	CodeServerShutdown = "SERVER_SHUTDOWN"
)

// Envelope is the outer frame. Payload is decoded according to Type. ID is
// set by the client on join and leave requests and echoed on their replies;
// pushed frames carry none.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Join asks the server to add this connection to a call. Token is the
// call-scoped stream token issued by the broker.
type Join struct {
	CallID string `json:"call_id"`
	Token  string `json:"token,omitempty"`
	Create bool   `json:"create"`
	Video  bool   `json:"video"`
	Audio  bool   `json:"audio"`
}

// Joined acknowledges a join and tells the client its own session id
type Joined struct {
	CallID    string `json:"call_id"`
	SessionID string `json:"session_id"`
}

// Left acknowledges a leave
type Left struct {
	CallID string `json:"call_id"`
}

// Media announces a logical device toggle
type Media struct {
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
}

// Participants carries the full raw record set of a call
type Participants struct {
	CallID  string            `json:"call_id"`
	Records []WireParticipant `json:"records"`
}

// WireParticipant is one session record as the signaling backend reports it.
// JoinedAt is RFC 3339 text and may be empty.
type WireParticipant struct {
	UserID     string `json:"user_id"`
	SessionID  string `json:"session_id"`
	JoinedAt   string `json:"joined_at,omitempty"`
	Camera     bool   `json:"camera"`
	Microphone bool   `json:"microphone"`
	Screen     bool   `json:"screen,omitempty"`
}

// Error reports a failed request
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FormatTime renders a join timestamp for the wire
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Encode wraps payload in an envelope of the given type
func Encode(msgType string, payload any) ([]byte, error) {
	return EncodeID("", msgType, payload)
}

// EncodeID is Encode for a request or the reply to one
func EncodeID(id, msgType string, payload any) ([]byte, error) {
	env := Envelope{ID: id, Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Decode parses an envelope
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope has no type")
	}
	return &env, nil
}

// DecodePayload unmarshals the payload into v
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}
