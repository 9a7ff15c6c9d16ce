package messaging

import (
	"context"
	"time"

	"github.com/unidel2035/agentbus/contracts"
)

type retryEntry struct {
	messageID  string
	enqueuedAt time.Time
	lastError  error
	notBefore  time.Time // zero means due on the next pass
}

// RetryEntry describes a message waiting in the retry queue
type RetryEntry struct {
	MessageID  string
	AgentID    string
	RetryCount int
	EnqueuedAt time.Time
	// NotBefore is set when the retry policy asked for a longer wait than
	// one processing interval
	NotBefore  time.Time
	LastError  error
}

// retryQueue holds undelivered acknowledgment-required messages in
// enqueue order. The bus mutex guards it.
type retryQueue struct {
	entries []*retryEntry
	index   map[string]*retryEntry
}

func newRetryQueue() *retryQueue {
	return &retryQueue{index: make(map[string]*retryEntry)}
}

func (q *retryQueue) add(id string, now time.Time, cause error) {
	if entry, ok := q.index[id]; ok {
		entry.lastError = cause
		return
	}
	entry := &retryEntry{messageID: id, enqueuedAt: now, lastError: cause}
	q.entries = append(q.entries, entry)
	q.index[id] = entry
}

// schedule holds id back until at
func (q *retryQueue) schedule(id string, at time.Time) {
	if entry, ok := q.index[id]; ok {
		entry.notBefore = at
	}
}

// due reports whether id should be attempted on a pass running at now.
// Passes run every interval, so an entry is taken by the pass nearest to
// its notBefore time.
func (q *retryQueue) due(id string, now time.Time, interval time.Duration) bool {
	entry, ok := q.index[id]
	if !ok {
		return false
	}
	return entry.notBefore.IsZero() || !entry.notBefore.After(now.Add(interval/2))
}

func (q *retryQueue) has(id string) bool {
	_, ok := q.index[id]
	return ok
}

func (q *retryQueue) remove(id string) bool {
	if _, ok := q.index[id]; !ok {
		return false
	}
	delete(q.index, id)
	for i, entry := range q.entries {
		if entry.messageID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	return true
}

func (q *retryQueue) ids() []string {
	ids := make([]string, len(q.entries))
	for i, entry := range q.entries {
		ids[i] = entry.messageID
	}
	return ids
}

func (q *retryQueue) len() int {
	return len(q.entries)
}

func (q *retryQueue) snapshot(store *messageStore) []RetryEntry {
	out := make([]RetryEntry, 0, len(q.entries))
	for _, entry := range q.entries {
		e := RetryEntry{
			MessageID:  entry.messageID,
			EnqueuedAt: entry.enqueuedAt,
			NotBefore:  entry.notBefore,
			LastError:  entry.lastError,
		}
		if msg, ok := store.get(entry.messageID); ok {
			e.AgentID = msg.To
			e.RetryCount = msg.RetryCount
		}
		out = append(out, e)
	}
	return out
}

// enqueueRetryLocked queues msg for another delivery attempt, or fails it
// when its attempts are already used up. b.mu must be held.
func (b *Bus) enqueueRetryLocked(msg *contracts.Message, cause error) []Event {
	if msg.Status.IsTerminal() {
		b.retries.remove(msg.ID)
		return nil
	}

	if msg.RetryCount >= b.maxRetries() {
		b.retries.remove(msg.ID)
		if !msg.Advance(contracts.StatusFailed, b.now()) {
			return nil
		}
		b.logger.Warn("message retries exhausted", "messageId", msg.ID, "agentId", msg.To, "retryCount", msg.RetryCount)
		return []Event{MessageStateEvent{Message: msg.Clone(), Err: cause}}
	}

	b.retries.add(msg.ID, b.now(), cause)
	b.logger.Debug("message queued for retry", "messageId", msg.ID, "agentId", msg.To, "retryCount", msg.RetryCount)
	return nil
}

// processRetries makes one delivery attempt for every queued message
func (b *Bus) processRetries(ctx context.Context) {
	b.mu.Lock()
	ids := b.retries.ids()
	b.mu.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}

		b.mu.Lock()
		msg, ok := b.store.get(id)
		if !ok || msg.Status != contracts.StatusPending {
			b.retries.remove(id)
			b.mu.Unlock()
			continue
		}
		if !b.retries.due(id, b.now(), b.config.MessageRetryDelay) {
			b.mu.Unlock()
			continue
		}
		out := msg.Clone()
		b.mu.Unlock()

		err := b.deliver(ctx, out)
		if ctx.Err() != nil {
			// shutting down; the attempt does not count
			return
		}
		b.applyRetryOutcome(id, err)
	}
}

func (b *Bus) applyRetryOutcome(id string, deliveryErr error) {
	var events []Event

	b.mu.Lock()
	msg, ok := b.store.get(id)
	if !ok || !b.retries.has(id) || msg.Status != contracts.StatusPending {
		// acknowledged, expired or evicted while the write was in flight
		b.retries.remove(id)
		b.mu.Unlock()
		return
	}

	now := b.now()
	if deliveryErr == nil {
		b.retries.remove(id)
		msg.Advance(contracts.StatusDelivered, now)
		events = append(events, MessageStateEvent{Message: msg.Clone()})
		b.logger.Info("queued message delivered", "messageId", id, "agentId", msg.To, "retryCount", msg.RetryCount)
	} else {
		msg.RetryCount++
		msg.UpdatedAt = now
		retry, delay := b.retryPolicy.ShouldRetry(msg.RetryCount, deliveryErr)
		if retry && msg.RetryCount < b.maxRetries() {
			b.retries.add(id, now, deliveryErr)
			if delay > b.config.MessageRetryDelay {
				b.retries.schedule(id, now.Add(delay))
			} else {
				b.retries.schedule(id, time.Time{})
			}
		} else {
			b.retries.remove(id)
			msg.Advance(contracts.StatusFailed, now)
			events = append(events, MessageStateEvent{Message: msg.Clone(), Err: deliveryErr})
			b.logger.Warn("message retries exhausted",
				"messageId", id,
				"agentId", msg.To,
				"retryCount", msg.RetryCount,
				"error", deliveryErr,
			)
		}
	}
	b.mu.Unlock()

	b.observers.publish(events...)
}

// maxRetries is the attempt bound: MessageRetryAttempts, lowered further
// by a custom policy with a smaller non-negative bound
func (b *Bus) maxRetries() int {
	limit := b.config.MessageRetryAttempts
	if policyMax := b.retryPolicy.MaxRetries(); policyMax >= 0 && policyMax < limit {
		limit = policyMax
	}
	return limit
}
