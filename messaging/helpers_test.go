package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/unidel2035/agentbus/contracts"
	"github.com/unidel2035/agentbus/serialization"
)

var errTransportClosed = errors.New("fake transport closed")

// fakeTransport records written frames and lets tests inject inbound ones
type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	closed  bool

	frames    chan []byte
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan []byte, 16)}
}

func (f *fakeTransport) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errTransportClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return nil
}

func (f *fakeTransport) Frames() <-chan []byte {
	return f.frames
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.frames)
	})
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// envelopes decodes every frame written so far
func (f *fakeTransport) envelopes(t *testing.T) []*contracts.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	codec := serialization.NewJSONCodec()
	out := make([]*contracts.Envelope, 0, len(f.sent))
	for _, frame := range f.sent {
		env, err := codec.Decode(frame)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

// push injects an inbound envelope as if the agent had written it
func (f *fakeTransport) push(t *testing.T, env *contracts.Envelope) {
	t.Helper()
	frame, err := serialization.NewJSONCodec().Encode(env)
	require.NoError(t, err)
	f.frames <- frame
}

func (f *fakeTransport) pushRaw(frame []byte) {
	f.frames <- frame
}

// newTestBus builds a bus whose background loops effectively never fire, so
// tests drive retry and sweep passes directly
func newTestBus(t *testing.T, options ...Option) *Bus {
	t.Helper()

	opts := append([]Option{
		WithMessageRetryDelay(time.Hour),
		WithCleanupInterval(time.Hour),
	}, options...)

	bus, err := NewBus(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = bus.Shutdown(ctx)
	})
	return bus
}

func connect(t *testing.T, bus *Bus, agentID string) *fakeTransport {
	t.Helper()
	transport := newFakeTransport()
	require.NoError(t, bus.RegisterConnection(agentID, transport))
	return transport
}

func responseTo(request *contracts.Envelope, payload any) *contracts.Envelope {
	return &contracts.Envelope{
		Version: contracts.ProtocolVersion,
		ID:      contracts.NewConversationID(),
		Type:    contracts.MessageTypeResponse,
		From:    request.To,
		To:      request.From,
		Payload: payload,
		Metadata: contracts.Metadata{
			ResponseToMessageID: request.ID,
			ConversationID:      request.Metadata.ConversationID,
		},
		Timestamp: time.Now().UTC(),
	}
}

func inboundEnvelope(messageType contracts.MessageType, from, to string, payload any) *contracts.Envelope {
	return &contracts.Envelope{
		Version:   contracts.ProtocolVersion,
		ID:        contracts.NewConversationID(),
		Type:      messageType,
		From:      from,
		To:        to,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// nextEvent waits for the next event of the given kind
func nextEvent(t *testing.T, ch *EventChannel, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case event := <-ch.Events():
			if event.Kind() == kind {
				return event
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return nil
		}
	}
}

// forceAge moves a stored message's creation time into the past
func forceAge(bus *Bus, id string, age time.Duration) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	msg, _ := bus.store.get(id)
	msg.CreatedAt = bus.now().Add(-age)
}
