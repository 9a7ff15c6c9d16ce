package contracts

import (
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of exchange a message takes part in
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeHandoff      MessageType = "handoff"
)

// IsValid reports whether t is one of the known message types
func (t MessageType) IsValid() bool {
	switch t {
	case MessageTypeRequest, MessageTypeResponse, MessageTypeNotification, MessageTypeHandoff:
		return true
	}
	return false
}

// Metadata carries routing and type-specific fields of a message
type Metadata struct {
	ResponseToMessageID string         `json:"responseToMessageId,omitempty"`
	ConversationID      string         `json:"conversationId,omitempty"`
	HandoffReason       string         `json:"handoffReason,omitempty"`
	RequiresAck         bool           `json:"requiresAck,omitempty"`
	Broadcast           bool           `json:"broadcast,omitempty"`
	Extra               map[string]any `json:"extra,omitempty"`
}

func (m Metadata) clone() Metadata {
	if m.Extra != nil {
		extra := make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			extra[k] = v
		}
		m.Extra = extra
	}
	return m
}

// Message is the bus record of a single message.
//
// ID, From, To, Type, Payload, CreatedAt, TTL and Metadata never change after
// creation. Status, RetryCount, AcknowledgedBy, AcknowledgedAt and UpdatedAt
// are owned by the bus and change over the message lifecycle.
type Message struct {
	ID        string        `json:"id"`
	From      string        `json:"from"`
	To        string        `json:"to"`
	Type      MessageType   `json:"messageType"`
	Payload   any           `json:"payload,omitempty"`
	Metadata  Metadata      `json:"metadata"`
	CreatedAt time.Time     `json:"createdAt"`
	TTL       time.Duration `json:"ttl"`

	Status         Status     `json:"status"`
	RetryCount     int        `json:"retryCount"`
	AcknowledgedBy string     `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// NewMessage creates a pending message with a generated ID
func NewMessage(messageType MessageType, from, to string, payload any, ttl time.Duration) *Message {
	now := time.Now().UTC()
	return &Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Type:      messageType,
		Payload:   payload,
		CreatedAt: now,
		TTL:       ttl,
		Status:    StatusPending,
		UpdatedAt: now,
	}
}

// NewConversationID generates a fresh conversation identifier
func NewConversationID() string {
	return uuid.New().String()
}

// ExpiresAt returns the instant after which the message is stale
func (m *Message) ExpiresAt() time.Time {
	return m.CreatedAt.Add(m.TTL)
}

// IsExpired reports whether the message TTL has elapsed at now.
// A message with no TTL never expires.
func (m *Message) IsExpired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.After(m.ExpiresAt())
}

// Advance moves the message to status if that is a forward transition.
// It returns false and leaves the message untouched otherwise.
func (m *Message) Advance(status Status, now time.Time) bool {
	if !m.Status.CanTransitionTo(status) {
		return false
	}
	m.Status = status
	m.UpdatedAt = now
	return true
}

// Acknowledge marks the message acknowledged by agentID
func (m *Message) Acknowledge(agentID string, now time.Time) bool {
	if !m.Advance(StatusAcknowledged, now) {
		return false
	}
	at := now
	m.AcknowledgedBy = agentID
	m.AcknowledgedAt = &at
	return true
}

// Clone returns a copy that is safe to hand out while the original keeps changing.
// The payload itself is shared and treated as immutable.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Metadata = m.Metadata.clone()
	if m.AcknowledgedAt != nil {
		at := *m.AcknowledgedAt
		c.AcknowledgedAt = &at
	}
	return &c
}
