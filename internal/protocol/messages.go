// Package protocol defines the WebSocket frames exchanged between chat
// widgets and the relay. All frames are JSON objects with a "type"
// discriminator. Server frames carrying chat events reuse the event types
// of package chat.
package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/whisper/relay/internal/chat"
)

// Client -> Server frame types.
const (
	TypePing      = "ping"
	TypeHeartbeat = "heartbeat"
	TypeTyping    = "typing"
	TypeMessage   = "message"
	TypeSeen      = "seen"
)

// Server -> Client frame types, in addition to the chat event types.
const (
	TypePong        = "pong"
	TypeAck         = "ack"
	TypeRateLimited = "rate_limited"
	TypeError       = "error"
)

// Envelope holds the frame type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the frame can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return errors.Wrap(err, "protocol: failed to unmarshal envelope")
	}
	if partial.Type == "" {
		return errors.New(`protocol: missing or empty "type" field`)
	}
	e.Type = partial.Type
	return nil
}

// Credentials identify the acting participant. Every mutating client frame
// carries them; the socket itself is not bound to a role.
type Credentials struct {
	Role  string `json:"role"`
	Token string `json:"token"`
}

// PingMsg is a client-initiated keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// HeartbeatMsg marks the participant as present.
type HeartbeatMsg struct {
	Type string `json:"type"`
	Credentials
}

// TypingMsg replaces the chat's typing display. Empty text clears it.
type TypingMsg struct {
	Type string `json:"type"`
	Credentials
	Text string `json:"text"`
}

// ChatMsg sends a message: either text or an attachment reference.
type ChatMsg struct {
	Type string `json:"type"`
	Credentials
	Text       string           `json:"text,omitempty"`
	Attachment *chat.Attachment `json:"attachment,omitempty"`
	Ref        string           `json:"ref,omitempty"` // echoed in the ack
}

// Payload returns the chat payload carried by the frame.
func (m ChatMsg) Payload() chat.Payload {
	return chat.Payload{Text: m.Text, Attachment: m.Attachment}
}

// SeenMsg marks the message with sequence Seq as read.
type SeenMsg struct {
	Type string `json:"type"`
	Credentials
	Seq int64 `json:"seq"`
}

// PongMsg answers a ping.
type PongMsg struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

// AckMsg confirms a stored message to its sender.
type AckMsg struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
	Seq  int64  `json:"seq"`
}

// RateLimitedMsg tells the client to slow down.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg reports a failed client frame. Code is the relay error kind.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseClientMessage parses raw WebSocket bytes into a typed client frame.
// It returns the frame type, the decoded struct and any parsing error.
// Unknown and server-only types are rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, errors.Wrap(err, "protocol: failed to parse message")
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeHeartbeat:
		var m HeartbeatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSeen:
		var m SeenMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, errors.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, errors.Wrapf(err, "protocol: failed to decode %q payload", env.Type)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates the JSON bytes of a server frame, forcing its
// "type" key to msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "protocol: failed to marshal payload")
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "protocol: failed to unmarshal payload into map")
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "protocol: failed to marshal server message")
	}
	return out, nil
}

// EncodeEvent serialises a chat event as a server frame.
func EncodeEvent(ev chat.Event) ([]byte, error) {
	out, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.Wrapf(err, "protocol: failed to marshal %q event", ev.Type)
	}
	return out, nil
}
