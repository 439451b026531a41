package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of inter-office message.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeBroadcast    MessageType = "broadcast"
	TypeNotification MessageType = "notification"
	TypeError        MessageType = "error"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeWorkflow     MessageType = "workflow"
	TypeMemoryShare  MessageType = "memory_share"
)

// Priority is carried on every message but not structurally enforced by
// the router; consumers may use it for their own ordering.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Message is the inter-office wire unit. The field set matches the broker
// wire shape exactly; changing it is a protocol break.
type Message struct {
	ID            string                 `json:"id"`
	Type          MessageType            `json:"type"`
	Priority      Priority               `json:"priority"`
	SenderOffice  string                 `json:"sender_office"`
	TargetOffice  string                 `json:"target_office,omitempty"` // empty means broadcast
	Payload       map[string]interface{} `json:"payload"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Timestamp     float64                `json:"timestamp"`
	TTLSeconds    int                    `json:"ttl_seconds"`
	RequireAck    bool                   `json:"require_ack"`
	RetryCount    int                    `json:"retry_count"`
	MaxRetries    int                    `json:"max_retries"`
}

// DefaultTTLSeconds is the message expiry applied when a caller does not
// set one explicitly.
const DefaultTTLSeconds = 300

// DefaultMaxRetries caps request re-sends after timeout.
const DefaultMaxRetries = 3

// NewMessage builds a message with a fresh ID and the protocol defaults.
func NewMessage(msgType MessageType, sender, target string, payload map[string]interface{}) *Message {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &Message{
		ID:           uuid.New().String(),
		Type:         msgType,
		Priority:     PriorityNormal,
		SenderOffice: sender,
		TargetOffice: target,
		Payload:      payload,
		Timestamp:    float64(time.Now().UnixNano()) / float64(time.Second),
		TTLSeconds:   DefaultTTLSeconds,
		MaxRetries:   DefaultMaxRetries,
	}
}

// Expired reports whether the message has outlived its TTL.
func (m *Message) Expired(now time.Time) bool {
	if m.TTLSeconds <= 0 {
		return false
	}
	age := float64(now.UnixNano())/float64(time.Second) - m.Timestamp
	return age > float64(m.TTLSeconds)
}

// Marshal serializes the message for the broker.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal parses a wire message, applying protocol defaults for optional
// fields the sender omitted.
func Unmarshal(data []byte) (*Message, error) {
	msg := Message{
		TTLSeconds: DefaultTTLSeconds,
		MaxRetries: DefaultMaxRetries,
		Priority:   PriorityNormal,
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("decode message: missing id")
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("decode message: missing type")
	}
	return &msg, nil
}
