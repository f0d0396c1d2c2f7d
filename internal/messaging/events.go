package messaging

import (
	"encoding/json"
	"fmt"
)

// MessageCreatedEvent is published on SubjectMessageCreated after a message
// is persisted. Delivered reports whether a live push reached the receiver.
type MessageCreatedEvent struct {
	MessageID  string `json:"message_id"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	HasText    bool   `json:"has_text"`
	HasImage   bool   `json:"has_image"`
	Delivered  bool   `json:"delivered"`
	Ts         int64  `json:"ts"` // unix millis
}

// MessageSeenEvent is published on SubjectMessageSeen. Count is the number
// of messages that moved to seen; MessageID is set for single
// acknowledgments.
type MessageSeenEvent struct {
	ReaderID  string `json:"reader_id"`
	SenderID  string `json:"sender_id"`
	MessageID string `json:"message_id,omitempty"`
	Count     int64  `json:"count"`
	Ts        int64  `json:"ts"`
}

// PresenceChangedEvent carries the full online set held by one server.
type PresenceChangedEvent struct {
	Server      string   `json:"server"`
	OnlineUsers []string `json:"online_users"`
	Ts          int64    `json:"ts"`
}

// DecodeEvent decodes data published on subject into its event type.
func DecodeEvent(subject string, data []byte) (interface{}, error) {
	var (
		ev  interface{}
		err error
	)
	switch subject {
	case SubjectMessageCreated:
		var e MessageCreatedEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case SubjectMessageSeen:
		var e MessageSeenEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case SubjectPresence:
		var e PresenceChangedEvent
		err = json.Unmarshal(data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("messaging: unknown subject %q", subject)
	}
	if err != nil {
		return nil, fmt.Errorf("messaging: decode %s: %w", subject, err)
	}
	return ev, nil
}
