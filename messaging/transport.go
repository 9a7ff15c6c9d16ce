package messaging

import "context"

// Transport is a duplex, frame-oriented connection to one agent.
//
// Frames must return the same channel on every call and close it once the
// transport is closed, locally or by the remote side. Send must be safe for
// concurrent use.
type Transport interface {
	// Send writes one encoded envelope
	Send(ctx context.Context, frame []byte) error

	// Frames delivers inbound encoded envelopes
	Frames() <-chan []byte

	// Close releases the connection
	Close() error
}

// Registrar attaches transports to agent ids. *Bus implements it.
type Registrar interface {
	RegisterConnection(agentID string, transport Transport) error
}
