package contracts

import (
	"errors"
	"fmt"
)

var (
	// Lookup errors
	ErrNotFound = errors.New("agentbus: message not found")

	// Request errors
	ErrRequestTimeout = errors.New("Request timeout")
	ErrHandoffFailed  = errors.New("Failed to send handoff")

	// Delivery errors
	ErrNotConnected = errors.New("agentbus: recipient not connected")
	ErrStoreFull    = errors.New("agentbus: message store full of in-flight messages")

	// Lifecycle errors
	ErrBusClosed = errors.New("agentbus: bus is shut down")

	// Validation errors
	ErrInvalidArgument    = errors.New("agentbus: invalid argument")
	ErrInvalidEnvelope    = errors.New("agentbus: invalid envelope")
	ErrUnsupportedVersion = errors.New("agentbus: unsupported protocol version")
)

// NotFoundError reports a lookup of a message id the store does not hold
type NotFoundError struct {
	Op        string // Operation that failed
	MessageID string // Missing message id
	Original  bool   // The id referenced the original of a response
}

func (e *NotFoundError) Error() string {
	if e.Original {
		return fmt.Sprintf("Original message %s not found", e.MessageID)
	}
	return fmt.Sprintf("Message %s not found", e.MessageID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// DeliveryError reports a failed write of a message to an agent transport
type DeliveryError struct {
	MessageID string // Message being delivered
	AgentID   string // Recipient
	Err       error  // Underlying error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of message %s to %s failed: %v", e.MessageID, e.AgentID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether another delivery attempt could succeed.
// Encoding and validation failures will fail the same way every time; a
// cause that classifies itself decides on its own.
func (e *DeliveryError) IsRetryable() bool {
	if errors.Is(e.Err, ErrInvalidEnvelope) || errors.Is(e.Err, ErrInvalidArgument) {
		return false
	}
	var r interface{ IsRetryable() bool }
	if errors.As(e.Err, &r) {
		return r.IsRetryable()
	}
	return true
}
