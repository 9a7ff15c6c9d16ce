// Package transporttest checks that a messaging.Transport implementation
// carries bus traffic in both directions.
package transporttest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unidel2035/agentbus/contracts"
	"github.com/unidel2035/agentbus/messaging"
	"github.com/unidel2035/agentbus/serialization"
)

// PairFunc opens both ends of a link for agentID. The bus end is registered
// on the bus; the agent end plays the remote agent.
type PairFunc func(t *testing.T, agentID string) (busSide, agentSide messaging.Transport)

// Run exercises outbound delivery, inbound classification and a
// request/response round trip over the pair
func Run(t *testing.T, pair PairFunc) {
	t.Run("outbound notification", func(t *testing.T) {
		bus, agent := attach(t, pair, "worker")

		msg, err := bus.SendNotification(context.Background(), "planner", "worker", "hello")
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusDelivered, msg.Status)

		env := ReadEnvelope(t, agent)
		assert.Equal(t, msg.ID, env.ID)
		assert.Equal(t, contracts.MessageTypeNotification, env.Type)
		assert.Equal(t, "planner", env.From)
		assert.Equal(t, "hello", env.Payload)
	})

	t.Run("inbound request", func(t *testing.T) {
		bus, agent := attach(t, pair, "worker")
		events := messaging.NewEventChannel(16)
		bus.Subscribe(events)

		WriteEnvelope(t, agent, &contracts.Envelope{
			Version:   contracts.ProtocolVersion,
			ID:        "req-1",
			Type:      contracts.MessageTypeRequest,
			From:      "worker",
			To:        "planner",
			Payload:   "help",
			Timestamp: time.Now().UTC(),
		})

		deadline := time.After(5 * time.Second)
		for {
			select {
			case event := <-events.Events():
				if req, ok := event.(messaging.RequestEvent); ok {
					assert.Equal(t, "worker", req.AgentID)
					assert.Equal(t, "req-1", req.Message.ID)
					assert.Equal(t, "help", req.Message.Payload)
					return
				}
			case <-deadline:
				t.Fatal("no request event")
			}
		}
	})

	t.Run("request response round trip", func(t *testing.T) {
		bus, agent := attach(t, pair, "worker")

		result := make(chan any, 1)
		errs := make(chan error, 1)
		go func() {
			payload, err := bus.Request(context.Background(), "planner", "worker", "ping", messaging.WithTTL(5*time.Second))
			if err != nil {
				errs <- err
				return
			}
			result <- payload
		}()

		req := ReadEnvelope(t, agent)
		require.Equal(t, contracts.MessageTypeRequest, req.Type)
		WriteEnvelope(t, agent, &contracts.Envelope{
			Version: contracts.ProtocolVersion,
			ID:      req.ID + "-reply",
			Type:    contracts.MessageTypeResponse,
			From:    "worker",
			To:      "planner",
			Payload: "pong",
			Metadata: contracts.Metadata{
				ResponseToMessageID: req.ID,
				ConversationID:      req.Metadata.ConversationID,
			},
			Timestamp: time.Now().UTC(),
		})

		select {
		case payload := <-result:
			assert.Equal(t, "pong", payload)
		case err := <-errs:
			t.Fatalf("request failed: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("request did not resolve")
		}

		got, ok := bus.GetMessage(req.ID)
		require.True(t, ok)
		assert.Equal(t, contracts.StatusAcknowledged, got.Status)
		assert.Equal(t, "worker", got.AcknowledgedBy)
	})
}

func attach(t *testing.T, pair PairFunc, agentID string) (*messaging.Bus, messaging.Transport) {
	t.Helper()

	bus, err := messaging.NewBus()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bus.Shutdown(ctx)
	})

	busSide, agentSide := pair(t, agentID)
	t.Cleanup(func() { _ = agentSide.Close() })
	require.NoError(t, bus.RegisterConnection(agentID, busSide))
	return bus, agentSide
}

// ReadEnvelope waits for the next JSON frame on the agent end
func ReadEnvelope(t *testing.T, agent messaging.Transport) *contracts.Envelope {
	t.Helper()
	select {
	case frame, ok := <-agent.Frames():
		require.True(t, ok, "agent frames closed")
		env, err := serialization.NewJSONCodec().Decode(frame)
		require.NoError(t, err)
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("no frame reached the agent")
		return nil
	}
}

// WriteEnvelope sends env as a JSON frame from the agent end
func WriteEnvelope(t *testing.T, agent messaging.Transport, env *contracts.Envelope) {
	t.Helper()
	frame, err := serialization.NewJSONCodec().Encode(env)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, agent.Send(ctx, frame))
}
