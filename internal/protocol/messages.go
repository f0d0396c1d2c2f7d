// Package protocol defines the frames exchanged on the delivery channel. Every
// frame is a JSON object carrying a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/directchat/internal/model"
)

// Client -> Server frame types.
const (
	TypePing     = "ping"
	TypeMarkSeen = "mark_seen"
)

// Server -> Client frame types.
const (
	TypeOnlineRosterChanged = "online_roster_changed"
	TypeNewMessage          = "new_message"
	TypeMessageSeen         = "message_seen"
	TypeError               = "error"
	TypePong                = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeBadRequest  = "bad_request"
	CodeNotFound    = "not_found"
	CodeRateLimited = "rate_limited"
	CodeInternal    = "internal"
)

// Envelope holds the frame type and the raw JSON for deferred decoding.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps a copy of the full frame and extracts only "type".
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

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

// PingMsg is a client-initiated keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// MarkSeenMsg acknowledges a single delivered message.
type MarkSeenMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// OnlineRosterChangedMsg carries the complete set of online user ids.
type OnlineRosterChangedMsg struct {
	Type        string   `json:"type"`
	OnlineUsers []string `json:"online_users"`
}

// NewMessageMsg delivers a freshly persisted message to its receiver.
type NewMessageMsg struct {
	Type    string        `json:"type"`
	Message model.Message `json:"message"`
}

// MessageSeenMsg confirms a mark_seen acknowledgment.
type MessageSeenMsg struct {
	Type    string        `json:"type"`
	Message model.Message `json:"message"`
}

// ErrorMsg reports a failed client frame.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg answers a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ParseClientMessage decodes a client frame into its typed struct. Unknown
// types and server-only types are rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
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
	case TypeMarkSeen:
		var m MarkSeenMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil && m.MessageID == "" {
			err = fmt.Errorf("missing message_id")
		}
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage marshals payload and forces its "type" key to msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	return encode(msgType, payload)
}

// NewClientMessage builds a client frame. Only client frame types are
// accepted.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	switch msgType {
	case TypePing, TypeMarkSeen:
		return encode(msgType, payload)
	default:
		return nil, fmt.Errorf("protocol: %q is not a client message type", msgType)
	}
}

func encode(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage, 1)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q message: %w", msgType, err)
	}
	return out, nil
}

// ParseServerMessage decodes a server frame; it is the client-side mirror of
// ParseClientMessage.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeOnlineRosterChanged:
		var m OnlineRosterChangedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNewMessage:
		var m NewMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageSeen:
		var m MessageSeenMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		var m PongMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}
