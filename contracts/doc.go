// Package contracts provides the core message types exchanged between agents on the bus.
//
// This package defines:
//   - Message: the canonical record of a message, with immutable core fields
//     and mutable lifecycle fields (status, retry count, acknowledgment)
//   - MessageType: request, response, notification, handoff
//   - Status: the monotonic delivery lifecycle of a message
//   - Envelope: the wire representation written to and read from agent transports
//   - The error taxonomy shared by the bus and its transports
//
// Envelopes carry a semantic protocol version so that agents built against
// different releases of the wire format can be detected and rejected early.
package contracts
