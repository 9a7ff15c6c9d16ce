package contracts

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg := NewMessage(MessageTypeRequest, "alice", "bob", map[string]any{"q": 1}, time.Minute)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "alice", msg.From)
	assert.Equal(t, "bob", msg.To)
	assert.Equal(t, MessageTypeRequest, msg.Type)
	assert.Equal(t, StatusPending, msg.Status)
	assert.Equal(t, time.Minute, msg.TTL)
	assert.False(t, msg.CreatedAt.IsZero())

	other := NewMessage(MessageTypeRequest, "alice", "bob", nil, time.Minute)
	assert.NotEqual(t, msg.ID, other.ID)
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusPending, StatusDelivered, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusExpired, true},
		{StatusPending, StatusAcknowledged, true},
		{StatusDelivered, StatusAcknowledged, true},
		{StatusDelivered, StatusExpired, true},
		{StatusDelivered, StatusPending, false},
		{StatusAcknowledged, StatusPending, false},
		{StatusAcknowledged, StatusExpired, false},
		{StatusAcknowledged, StatusAcknowledged, false},
		{StatusExpired, StatusFailed, false},
		{StatusFailed, StatusExpired, false},
		{StatusFailed, StatusAcknowledged, true},
		{StatusPending, Status("bogus"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestMessageAdvanceIsMonotonic(t *testing.T) {
	msg := NewMessage(MessageTypeNotification, "a", "b", nil, time.Minute)
	now := time.Now()

	require.True(t, msg.Acknowledge("b", now))
	assert.Equal(t, StatusAcknowledged, msg.Status)
	assert.Equal(t, "b", msg.AcknowledgedBy)
	require.NotNil(t, msg.AcknowledgedAt)

	assert.False(t, msg.Advance(StatusPending, now))
	assert.False(t, msg.Advance(StatusExpired, now))
	assert.False(t, msg.Acknowledge("c", now))
	assert.Equal(t, "b", msg.AcknowledgedBy)
}

func TestMessageIsExpired(t *testing.T) {
	msg := NewMessage(MessageTypeNotification, "a", "b", nil, 100*time.Millisecond)
	msg.CreatedAt = time.Now().Add(-300 * time.Millisecond)
	assert.True(t, msg.IsExpired(time.Now()))

	fresh := NewMessage(MessageTypeNotification, "a", "b", nil, time.Hour)
	assert.False(t, fresh.IsExpired(time.Now()))

	forever := NewMessage(MessageTypeNotification, "a", "b", nil, 0)
	forever.CreatedAt = time.Now().Add(-time.Hour)
	assert.False(t, forever.IsExpired(time.Now()))
}

func TestMessageClone(t *testing.T) {
	msg := NewMessage(MessageTypeHandoff, "a", "b", "task", time.Minute)
	msg.Metadata.Extra = map[string]any{"k": "v"}
	msg.Acknowledge("b", time.Now())

	c := msg.Clone()
	c.Status = StatusPending
	c.Metadata.Extra["k"] = "changed"
	*c.AcknowledgedAt = time.Time{}

	assert.Equal(t, StatusAcknowledged, msg.Status)
	assert.Equal(t, "v", msg.Metadata.Extra["k"])
	assert.False(t, msg.AcknowledgedAt.IsZero())
	assert.Nil(t, (*Message)(nil).Clone())
}

func TestNotFoundError(t *testing.T) {
	err := &NotFoundError{Op: "send response", MessageID: "m-1", Original: true}
	assert.Equal(t, "Original message m-1 not found", err.Error())
	assert.True(t, errors.Is(err, ErrNotFound))

	err = &NotFoundError{Op: "acknowledge", MessageID: "m-2"}
	assert.Equal(t, "Message m-2 not found", err.Error())
}

func TestDeliveryErrorRetryable(t *testing.T) {
	notConnected := &DeliveryError{MessageID: "m", AgentID: "b", Err: ErrNotConnected}
	assert.True(t, notConnected.IsRetryable())
	assert.True(t, errors.Is(notConnected, ErrNotConnected))

	badFrame := &DeliveryError{MessageID: "m", AgentID: "b", Err: ErrInvalidEnvelope}
	assert.False(t, badFrame.IsRetryable())
}
