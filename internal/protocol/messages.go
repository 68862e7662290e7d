// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeMessage       = "message"
	TypeRecallMessage = "recall_message"
	TypeFriendRequest = "friend_request"
	TypePing          = "ping"

	// Call signaling types. These are relayed verbatim to the target user;
	// the server only inspects toUserId.
	TypeVideoCall       = "video_call"
	TypeVoiceCall       = "voice_call"
	TypeVideoCallSDP    = "video_call_sdp"
	TypeVideoCallICE    = "video_call_ice"
	TypeVideoCallAnswer = "video_call_answer"
	TypeVideoCallReject = "video_call_reject"
	TypeVideoCallHangup = "video_call_hangup"
)

// Server -> Client message types.
const (
	TypeConnected       = "connected"
	TypeMessageSent     = "message_sent"
	TypeMessageRecalled = "message_recalled"
	TypeAccountKicked   = "account_kicked"
	TypeError           = "error"
	TypePong            = "pong"
)

// signalTypes is the set of client message types relayed as pass-through
// signaling (call setup and friend-request notices).
var signalTypes = map[string]bool{
	TypeVideoCall:       true,
	TypeVoiceCall:       true,
	TypeVideoCallSDP:    true,
	TypeVideoCallICE:    true,
	TypeVideoCallAnswer: true,
	TypeVideoCallReject: true,
	TypeVideoCallHangup: true,
	TypeFriendRequest:   true,
}

// IsSignal reports whether msgType is a pass-through signaling type.
func IsSignal(msgType string) bool {
	return signalTypes[msgType]
}

// SignalTypes returns all pass-through signaling types, for registering a
// shared relay handler.
func SignalTypes() []string {
	out := make([]string, 0, len(signalTypes))
	for t := range signalTypes {
		out = append(out, t)
	}
	return out
}

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// MessageEnvelope is the routable chat message unit. For direct messages
// ToUserID names a single user; for group messages ConversationID names the
// group and ToUserID is rewritten per recipient during fan-out.
type MessageEnvelope struct {
	Type           string          `json:"type,omitempty"`
	MessageID      string          `json:"messageId"`
	ConversationID string          `json:"conversationId"`
	FromUserID     string          `json:"fromUserId,omitempty"`
	ToUserID       string          `json:"toUserId,omitempty"`
	Content        string          `json:"content"`
	Kind           string          `json:"messageType,omitempty"`
	Timestamp      int64           `json:"timestamp"` // unix milliseconds at send time
	Extras         json.RawMessage `json:"extras,omitempty"`
}

// RecallMsg asks the server to recall a previously sent message.
type RecallMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// SignalMsg is a call-signaling or friend-request event. The payload beyond
// toUserId is opaque to the server and relayed as-is.
type SignalMsg struct {
	Type     string          `json:"type"`
	ToUserID string          `json:"toUserId"`
	Raw      json.RawMessage `json:"-"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent by the server once a connection has been admitted as
// the user's sole live session.
type ConnectedMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

// MessageSentMsg is the local acknowledgment for an accepted envelope. It
// confirms routing-layer acceptance, not durability.
type MessageSentMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// MessageRecalledMsg notifies both sender and receivers that a message has
// been recalled.
type MessageRecalledMsg struct {
	Type           string `json:"type"`
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// AccountKickedMsg is the eviction notice sent to a session that is being
// replaced by a newer one for the same user.
type AccountKickedMsg struct {
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMsg is sent by the server to communicate a local validation failure.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. Signaling types decode into SignalMsg with the
// original bytes preserved for pass-through relay. An error is returned for
// unknown or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch {
	case env.Type == TypeMessage:
		var m MessageEnvelope
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case env.Type == TypeRecallMessage:
		var m RecallMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case env.Type == TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case IsSignal(env.Type):
		var m SignalMsg
		err = json.Unmarshal(env.Raw, &m)
		m.Raw = env.Raw
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// InjectField returns a copy of raw with the given string field set. The
// signaling relay uses it to stamp fromUserId onto pass-through payloads
// without otherwise interpreting them.
func InjectField(raw json.RawMessage, key, value string) ([]byte, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload: %w", err)
	}
	m[key] = value
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}
	return out, nil
}
