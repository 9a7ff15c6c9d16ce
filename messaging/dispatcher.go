package messaging

import (
	"context"
	"fmt"

	"github.com/unidel2035/agentbus/contracts"
	"github.com/unidel2035/agentbus/interceptors"
)

// deliver encodes msg and writes it to the recipient's transport.
// It must be called without holding b.mu.
func (b *Bus) deliver(ctx context.Context, msg *contracts.Message) error {
	conn, ok := b.registry.get(msg.To)
	if !ok {
		return &contracts.DeliveryError{MessageID: msg.ID, AgentID: msg.To, Err: contracts.ErrNotConnected}
	}

	frame, err := b.config.Codec.Encode(contracts.NewEnvelope(msg, b.config.ProtocolVersion))
	if err != nil {
		return &contracts.DeliveryError{MessageID: msg.ID, AgentID: msg.To, Err: err}
	}

	writeCtx, cancel := context.WithTimeout(ctx, b.config.WriteTimeout)
	defer cancel()

	if err := conn.transport.Send(writeCtx, frame); err != nil {
		b.logger.Error("transport write failed",
			"agentId", msg.To,
			"messageId", msg.ID,
			"messageType", msg.Type,
			"error", err,
		)
		return &contracts.DeliveryError{MessageID: msg.ID, AgentID: msg.To, Err: err}
	}

	b.logger.Debug("message written",
		"agentId", msg.To,
		"messageId", msg.ID,
		"messageType", msg.Type,
		"bytes", len(frame),
	)
	return nil
}

// handleFrame decodes, checks and classifies one inbound frame
func (b *Bus) handleFrame(agentID string, frame []byte) {
	msg, err := b.decodeFrame(agentID, frame)
	if err == nil {
		ctx := interceptors.WithAgentID(b.ctx, agentID)
		err = b.chain.Execute(ctx, msg, interceptors.MessageHandlerFunc(b.classify))
	}
	if err != nil {
		b.logger.Warn("inbound frame dropped", "agentId", agentID, "bytes", len(frame), "error", err)
		b.observers.publish(FrameErrorEvent{AgentID: agentID, Err: err})
	}
}

func (b *Bus) decodeFrame(agentID string, frame []byte) (*contracts.Message, error) {
	env, err := b.config.Codec.Decode(frame)
	if err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if err := env.CheckVersion(b.accept); err != nil {
		return nil, err
	}
	return env.ToMessage(agentID, b.now()), nil
}

// classify settles a pending request or hands the message to observers
func (b *Bus) classify(ctx context.Context, msg *contracts.Message) error {
	agentID, _ := interceptors.AgentIDFromContext(ctx)

	switch msg.Type {
	case contracts.MessageTypeResponse:
		if b.settle(agentID, msg) {
			return nil
		}
		b.logger.Warn("orphaned response",
			"agentId", agentID,
			"messageId", msg.ID,
			"responseTo", msg.Metadata.ResponseToMessageID,
		)
		b.observers.publish(ResponseEvent{AgentID: agentID, Message: msg})
	case contracts.MessageTypeRequest:
		b.observers.publish(RequestEvent{AgentID: agentID, Message: msg})
	case contracts.MessageTypeNotification:
		b.observers.publish(NotificationEvent{AgentID: agentID, Message: msg})
	case contracts.MessageTypeHandoff:
		b.observers.publish(HandoffEvent{AgentID: agentID, Message: msg})
	default:
		return fmt.Errorf("%w: unknown message type %q", contracts.ErrInvalidEnvelope, msg.Type)
	}
	return nil
}

// settle completes the pending request msg responds to, if the correlation
// policy lets the connection agentID settle it
func (b *Bus) settle(agentID string, msg *contracts.Message) bool {
	requestID := msg.Metadata.ResponseToMessageID

	b.mu.Lock()
	entry, ok := b.correlations.get(requestID)
	if ok && !b.mayCorrelate(entry.request, agentID) {
		b.logger.Warn("response rejected by correlation policy",
			"agentId", agentID,
			"messageId", msg.ID,
			"responseTo", requestID,
			"policy", b.config.CorrelationPolicy.String(),
		)
		ok = false
	}
	if ok {
		b.correlations.take(requestID)
		if request, found := b.store.get(requestID); found {
			request.Acknowledge(msg.From, b.now())
		}
	}
	b.mu.Unlock()

	if !ok {
		return false
	}

	entry.request.complete(msg, nil)
	b.logger.Debug("request settled",
		"messageId", requestID,
		"agentId", agentID,
		"conversationId", entry.request.ConversationID,
	)
	return true
}

func (b *Bus) mayCorrelate(req *PendingRequest, agentID string) bool {
	switch b.config.CorrelationPolicy {
	case CorrelationRecipientOnly:
		return agentID == req.To
	case CorrelationRequesterOnly:
		return agentID == req.From
	default:
		return true
	}
}
