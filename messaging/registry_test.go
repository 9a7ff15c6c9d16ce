package messaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unidel2035/agentbus/contracts"
)

func TestRegisterConnection(t *testing.T) {
	t.Run("requires an agent id and transport", func(t *testing.T) {
		bus := newTestBus(t)
		assert.ErrorIs(t, bus.RegisterConnection("", newFakeTransport()), contracts.ErrInvalidArgument)
		assert.ErrorIs(t, bus.RegisterConnection("a", nil), contracts.ErrInvalidArgument)
	})

	t.Run("publishes a connection event", func(t *testing.T) {
		bus := newTestBus(t)
		events := NewEventChannel(4)
		bus.Subscribe(events)

		connect(t, bus, "executor")

		event := nextEvent(t, events, EventConnectionRegistered).(ConnectionEvent)
		assert.Equal(t, "executor", event.AgentID)
		assert.True(t, bus.IsConnected("executor"))
		require.Len(t, bus.Connections(), 1)
		assert.Equal(t, "executor", bus.Connections()[0].AgentID)
	})

	t.Run("re-registration replaces and closes the old transport", func(t *testing.T) {
		bus := newTestBus(t)
		events := NewEventChannel(16)
		bus.Subscribe(events)

		old := connect(t, bus, "executor")
		fresh := connect(t, bus, "executor")

		assert.True(t, old.isClosed())
		assert.True(t, bus.IsConnected("executor"))

		// the old reader finishing must not remove the new binding
		_, err := bus.SendNotification(context.Background(), "planner", "executor", "hello")
		require.NoError(t, err)
		assert.Equal(t, 1, fresh.sentCount())
		assert.Equal(t, 0, old.sentCount())
		assert.Equal(t, 1, bus.GetStats().ActiveConnections)

		for len(events.Events()) > 0 {
			assert.NotEqual(t, EventConnectionUnregistered, (<-events.Events()).Kind())
		}
	})

	t.Run("transport closure removes the binding", func(t *testing.T) {
		bus := newTestBus(t)
		events := NewEventChannel(4)
		bus.Subscribe(events)
		transport := connect(t, bus, "executor")

		require.NoError(t, transport.Close())

		event := nextEvent(t, events, EventConnectionUnregistered).(ConnectionEvent)
		assert.Equal(t, "executor", event.AgentID)
		assert.Equal(t, "transport closed", event.Reason)
		assert.False(t, bus.IsConnected("executor"))
	})
}

func TestUnregisterConnection(t *testing.T) {
	bus := newTestBus(t)
	events := NewEventChannel(8)
	bus.Subscribe(events)
	transport := connect(t, bus, "executor")

	bus.UnregisterConnection("executor")
	bus.UnregisterConnection("executor")
	bus.UnregisterConnection("never-registered")

	assert.True(t, transport.isClosed())
	assert.False(t, bus.IsConnected("executor"))

	event := nextEvent(t, events, EventConnectionUnregistered).(ConnectionEvent)
	assert.Equal(t, "unregistered", event.Reason)

	for len(events.Events()) > 0 {
		assert.NotEqual(t, EventConnectionUnregistered, (<-events.Events()).Kind())
	}
}
