package protocol

import (
	"encoding/json"
	"time"
)

// Server → client message types.
const (
	TypeAuthRequired        = "auth_required"
	TypeAuthResponse        = "auth_response"
	TypeSubscribeResponse   = "subscribe_response"
	TypeUnsubscribeResponse = "unsubscribe_response"
	TypeMessage             = "message"
	TypeError               = "error"
	TypeSubscriptions       = "subscriptions"
	TypeAckResponse         = "ack_response"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Message is the envelope every server frame decodes into. Unused fields are
// omitted on the wire.
type Message struct {
	Type      string          `json:"type"`
	Status    string          `json:"status,omitempty"`
	Message   string          `json:"message,omitempty"`
	Code      ErrorCode       `json:"code,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Filter    string          `json:"filter,omitempty"`
	Priority  *int            `json:"priority,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Channels  []string        `json:"channels,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// ParseMessage decodes a server frame.
func ParseMessage(raw []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(raw, &m)
	return m, err
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func marshal(m Message) []byte {
	// Message holds only strings, ints and valid raw JSON.
	b, _ := json.Marshal(m)
	return b
}

// payloadJSON embeds valid JSON as-is and anything else as a JSON string.
func payloadJSON(payload []byte) json.RawMessage {
	if len(payload) > 0 && json.Valid(payload) {
		return json.RawMessage(payload)
	}
	b, _ := json.Marshal(string(payload))
	return b
}

func AuthRequired(now time.Time) []byte {
	return marshal(Message{
		Type:      TypeAuthRequired,
		Message:   "Authentication required",
		Timestamp: millis(now),
	})
}

func AuthSuccess(userID string, channels []string, now time.Time) []byte {
	return marshal(Message{
		Type:      TypeAuthResponse,
		Status:    StatusSuccess,
		Message:   "Authentication successful",
		UserID:    userID,
		Channels:  channels,
		Timestamp: millis(now),
	})
}

func SubscribeResponse(channel, filter string, priority int, now time.Time) []byte {
	return marshal(Message{
		Type:      TypeSubscribeResponse,
		Status:    StatusSuccess,
		Channel:   channel,
		Filter:    filter,
		Priority:  &priority,
		Timestamp: millis(now),
	})
}

func UnsubscribeResponse(channel string, now time.Time) []byte {
	return marshal(Message{
		Type:      TypeUnsubscribeResponse,
		Status:    StatusSuccess,
		Channel:   channel,
		Timestamp: millis(now),
	})
}

func PongMessage(now time.Time) []byte {
	return marshal(Message{Type: TypePong, Timestamp: millis(now)})
}

func PingMessage(now time.Time) []byte {
	return marshal(Message{Type: TypePing, Timestamp: millis(now)})
}

// Event is a delivered channel event. messageID is set for queued deliveries
// so the client can acknowledge them.
func Event(channel string, payload []byte, messageID string, now time.Time) []byte {
	return marshal(Message{
		Type:      TypeMessage,
		Channel:   channel,
		Data:      payloadJSON(payload),
		MessageID: messageID,
		Timestamp: millis(now),
	})
}

func ErrorMessage(code ErrorCode, message string, now time.Time) []byte {
	if message == "" {
		message = code.String()
	}
	return marshal(Message{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Timestamp: millis(now),
	})
}

func SubscriptionList(channels []string, now time.Time) []byte {
	if channels == nil {
		channels = []string{}
	}
	return marshal(Message{
		Type:      TypeSubscriptions,
		Channels:  channels,
		Timestamp: millis(now),
	})
}

func AckResponse(messageID string, acknowledged bool, now time.Time) []byte {
	status := StatusSuccess
	if !acknowledged {
		status = StatusFailed
	}
	return marshal(Message{
		Type:      TypeAckResponse,
		Status:    status,
		MessageID: messageID,
		Timestamp: millis(now),
	})
}

// StatsMessage wraps an arbitrary stats document.
func StatsMessage(stats any, now time.Time) []byte {
	data, err := json.Marshal(stats)
	if err != nil {
		return ErrorMessage(CodeServerError, "", now)
	}
	return marshal(Message{
		Type:      TypeStats,
		Data:      data,
		Timestamp: millis(now),
	})
}
