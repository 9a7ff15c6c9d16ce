package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/unidel2035/agentbus/contracts"
	"github.com/unidel2035/agentbus/internal/reliability"
)

// Delivery is the outcome of one send attempt
type Delivery struct {
	AgentID   string
	Message   *contracts.Message
	Delivered bool
	// Queued is set when the message waits in the retry queue
	Queued bool
	Err    error
}

func (b *Bus) sendOptions(opts []SendOption) SendOptions {
	o := SendOptions{TTL: b.config.MessageDefaultTTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.TTL <= 0 {
		o.TTL = b.config.MessageDefaultTTL
	}
	return o
}

func (b *Bus) newMessage(messageType contracts.MessageType, from, to string, payload any, o SendOptions) (*contracts.Message, error) {
	if from == "" || to == "" {
		return nil, fmt.Errorf("%w: sender and recipient are required", contracts.ErrInvalidArgument)
	}

	msg := contracts.NewMessage(messageType, from, to, payload, o.TTL)
	now := b.now()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if o.MessageID != "" {
		msg.ID = o.MessageID
	}

	msg.Metadata.ConversationID = o.ConversationID
	if msg.Metadata.ConversationID == "" {
		msg.Metadata.ConversationID = contracts.NewConversationID()
	}
	msg.Metadata.RequiresAck = o.RequiresAck
	if len(o.Extra) > 0 {
		msg.Metadata.Extra = make(map[string]any, len(o.Extra))
		for k, v := range o.Extra {
			msg.Metadata.Extra[k] = v
		}
	}
	return msg, nil
}

// recordLocked stores a new message. b.mu must be held.
func (b *Bus) recordLocked(msg *contracts.Message) error {
	if b.closed {
		return contracts.ErrBusClosed
	}
	if b.store.has(msg.ID) {
		return fmt.Errorf("%w: message id %s already in use", contracts.ErrInvalidArgument, msg.ID)
	}

	evicted, err := b.store.add(msg, b.correlations.has)
	if err != nil {
		b.logger.Warn("message store full", "maxMessages", b.config.MaxMessages, "messageId", msg.ID)
		return err
	}
	if evicted != nil {
		b.retries.remove(evicted.ID)
		b.logger.Debug("message evicted", "messageId", evicted.ID, "status", evicted.Status)
	}
	return nil
}

// send records msg, attempts one delivery and applies the outcome
func (b *Bus) send(ctx context.Context, msg *contracts.Message, queueOnFailure bool) (Delivery, error) {
	b.mu.Lock()
	err := b.recordLocked(msg)
	out := msg.Clone()
	b.mu.Unlock()

	if err != nil {
		return Delivery{AgentID: msg.To, Err: err}, err
	}

	return b.applyOutcome(out, b.deliver(ctx, out), queueOnFailure), nil
}

// applyOutcome moves a freshly sent message to delivered, queued or failed
func (b *Bus) applyOutcome(sent *contracts.Message, deliveryErr error, queueOnFailure bool) Delivery {
	d := Delivery{AgentID: sent.To, Delivered: deliveryErr == nil, Err: deliveryErr}
	var events []Event

	b.mu.Lock()
	msg, ok := b.store.get(sent.ID)
	if !ok {
		msg = sent
	}
	now := b.now()
	switch {
	case deliveryErr == nil:
		msg.Advance(contracts.StatusDelivered, now)
	case queueOnFailure && reliability.IsRetryable(deliveryErr):
		events = b.enqueueRetryLocked(msg, deliveryErr)
		d.Queued = b.retries.has(msg.ID)
	default:
		if msg.Advance(contracts.StatusFailed, now) {
			events = append(events, MessageStateEvent{Message: msg.Clone(), Err: deliveryErr})
		}
	}
	d.Message = msg.Clone()
	b.mu.Unlock()

	b.observers.publish(events...)
	return d
}

// SendRequest sends a request and returns a future for its response.
//
// The response deadline is the message TTL. A request that cannot be
// written to the recipient stays pending and its future rejects with
// contracts.ErrRequestTimeout at the deadline, like any unanswered request.
// Codec failures mark the message failed.
func (b *Bus) SendRequest(ctx context.Context, from, to string, payload any, opts ...SendOption) (*PendingRequest, error) {
	o := b.sendOptions(opts)
	msg, err := b.newMessage(contracts.MessageTypeRequest, from, to, payload, o)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if err := b.recordLocked(msg); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	req := newPendingRequest(msg, msg.CreatedAt.Add(msg.TTL))
	id := msg.ID
	timer := time.AfterFunc(msg.TTL, func() { b.timeoutRequest(id) })
	b.correlations.add(req, timer)
	out := msg.Clone()
	b.mu.Unlock()

	if err := b.deliver(ctx, out); err != nil {
		// the entry stays live; a request that never arrives settles with
		// ErrRequestTimeout at its deadline
		if !reliability.IsRetryable(err) {
			b.applyOutcome(out, err, false)
		}
		b.logger.Warn("request not delivered",
			"messageId", id,
			"from", from,
			"agentId", to,
			"error", err,
		)
		return req, nil
	}

	b.applyOutcome(out, nil, false)
	b.logger.Debug("request sent",
		"messageId", id,
		"from", from,
		"agentId", to,
		"conversationId", req.ConversationID,
		"ttl", msg.TTL,
	)
	return req, nil
}

// Request sends a request and waits for the response payload
func (b *Bus) Request(ctx context.Context, from, to string, payload any, opts ...SendOption) (any, error) {
	req, err := b.SendRequest(ctx, from, to, payload, opts...)
	if err != nil {
		return nil, err
	}
	return req.Wait(ctx)
}

func (b *Bus) timeoutRequest(id string) {
	b.mu.Lock()
	entry, ok := b.correlations.take(id)
	b.mu.Unlock()

	if !ok {
		return
	}
	entry.request.complete(nil, contracts.ErrRequestTimeout)
	b.logger.Warn("request timed out",
		"messageId", id,
		"agentId", entry.request.To,
		"conversationId", entry.request.ConversationID,
	)
}

// SendResponse answers the stored message originalID. The response joins
// the original's conversation unless WithConversationID says otherwise.
// It fails with a *contracts.NotFoundError, creating nothing, when the
// original is unknown. A failed write is reported in the Delivery, not as an error.
func (b *Bus) SendResponse(ctx context.Context, originalID, from, to string, payload any, opts ...SendOption) (Delivery, error) {
	b.mu.Lock()
	original, ok := b.store.get(originalID)
	var conversationID string
	if ok {
		conversationID = original.Metadata.ConversationID
	}
	b.mu.Unlock()

	if !ok {
		return Delivery{AgentID: to}, &contracts.NotFoundError{Op: "SendResponse", MessageID: originalID, Original: true}
	}

	o := b.sendOptions(opts)
	if o.ConversationID == "" {
		o.ConversationID = conversationID
	}
	msg, err := b.newMessage(contracts.MessageTypeResponse, from, to, payload, o)
	if err != nil {
		return Delivery{AgentID: to}, err
	}
	msg.Metadata.ResponseToMessageID = originalID

	return b.send(ctx, msg, false)
}

// SendNotification sends a one-way message. When the recipient is
// unreachable and WithRequiresAck(true) was given the message is queued for
// retry; otherwise it is marked failed. Delivery problems are never returned
// as errors.
func (b *Bus) SendNotification(ctx context.Context, from, to string, payload any, opts ...SendOption) (*contracts.Message, error) {
	msg, err := b.newMessage(contracts.MessageTypeNotification, from, to, payload, b.sendOptions(opts))
	if err != nil {
		return nil, err
	}

	d, err := b.send(ctx, msg, msg.Metadata.RequiresAck)
	if err != nil {
		return nil, err
	}
	return d.Message, nil
}

// SendHandoff transfers task ownership to a connected agent. Handoffs are
// never queued: an unreachable recipient fails the call with
// ErrHandoffFailed and the message is recorded as failed.
func (b *Bus) SendHandoff(ctx context.Context, from, to string, payload any, reason string, opts ...SendOption) (*contracts.Message, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: handoff reason is required", contracts.ErrInvalidArgument)
	}

	msg, err := b.newMessage(contracts.MessageTypeHandoff, from, to, payload, b.sendOptions(opts))
	if err != nil {
		return nil, err
	}
	msg.Metadata.HandoffReason = reason

	d, err := b.send(ctx, msg, false)
	if err != nil {
		return nil, err
	}
	if !d.Delivered {
		b.logger.Warn("handoff failed", "messageId", msg.ID, "from", from, "agentId", to, "error", d.Err)
		return nil, fmt.Errorf("%w: %w", contracts.ErrHandoffFailed, d.Err)
	}
	return d.Message, nil
}

// Broadcast sends an independent notification to every recipient
// concurrently. All copies share one conversation id. It never fails as a
// whole; each outcome is reported at the recipient's index.
func (b *Bus) Broadcast(ctx context.Context, from string, to []string, payload any, opts ...SendOption) []Delivery {
	o := b.sendOptions(opts)
	o.MessageID = ""
	if o.ConversationID == "" {
		o.ConversationID = contracts.NewConversationID()
	}

	results := make([]Delivery, len(to))
	var wg sync.WaitGroup
	for i, recipient := range to {
		wg.Add(1)
		go func(i int, recipient string) {
			defer wg.Done()

			msg, err := b.newMessage(contracts.MessageTypeNotification, from, recipient, payload, o)
			if err != nil {
				results[i] = Delivery{AgentID: recipient, Err: err}
				return
			}
			msg.Metadata.Broadcast = true

			// the error is also in Delivery.Err
			results[i], _ = b.send(ctx, msg, msg.Metadata.RequiresAck)
		}(i, recipient)
	}
	wg.Wait()

	return results
}
