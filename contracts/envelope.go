package contracts

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

// ProtocolVersion is the wire format version stamped on outbound envelopes
const ProtocolVersion = "1.0.0"

// Envelope wraps a message for transport to and from an agent
type Envelope struct {
	Version   string      `json:"version,omitempty"`
	ID        string      `json:"id"`
	Type      MessageType `json:"messageType"`
	From      string      `json:"from,omitempty"`
	To        string      `json:"to,omitempty"`
	Payload   any         `json:"payload,omitempty"`
	Metadata  Metadata    `json:"metadata"`
	Timestamp time.Time   `json:"timestamp"`
	TTL       int64       `json:"ttl,omitempty"` // milliseconds
}

// NewEnvelope builds the wire form of msg
func NewEnvelope(msg *Message, version string) *Envelope {
	return &Envelope{
		Version:   version,
		ID:        msg.ID,
		Type:      msg.Type,
		From:      msg.From,
		To:        msg.To,
		Payload:   msg.Payload,
		Metadata:  msg.Metadata.clone(),
		Timestamp: msg.CreatedAt,
		TTL:       msg.TTL.Milliseconds(),
	}
}

// Validate checks the fields every inbound envelope needs
func (e *Envelope) Validate() error {
	if !e.Type.IsValid() {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidEnvelope, e.Type)
	}
	if e.Type == MessageTypeResponse && e.Metadata.ResponseToMessageID == "" {
		return fmt.Errorf("%w: response without responseToMessageId", ErrInvalidEnvelope)
	}
	return nil
}

// CheckVersion verifies the envelope version satisfies constraint.
// Envelopes without a version are accepted for compatibility with agents
// that predate versioning.
func (e *Envelope) CheckVersion(constraint *semver.Constraints) error {
	if constraint == nil || e.Version == "" {
		return nil
	}
	v, err := semver.NewVersion(e.Version)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsupportedVersion, e.Version, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrUnsupportedVersion, e.Version, constraint)
	}
	return nil
}

// ToMessage converts an inbound envelope into a message record.
// The sender falls back to agentID when the frame does not name one.
func (e *Envelope) ToMessage(agentID string, receivedAt time.Time) *Message {
	id := e.ID
	if id == "" {
		id = uuid.New().String()
	}
	from := e.From
	if from == "" {
		from = agentID
	}
	created := e.Timestamp
	if created.IsZero() {
		created = receivedAt
	}
	return &Message{
		ID:        id,
		From:      from,
		To:        e.To,
		Type:      e.Type,
		Payload:   e.Payload,
		Metadata:  e.Metadata.clone(),
		CreatedAt: created,
		TTL:       time.Duration(e.TTL) * time.Millisecond,
		Status:    StatusDelivered,
		UpdatedAt: receivedAt,
	}
}
