package messaging

import "github.com/unidel2035/agentbus/contracts"

// AcknowledgeMessage marks a message acknowledged by agentID and removes it
// from the retry queue. Acknowledging an acknowledged message returns it
// unchanged. An unknown id fails with a *contracts.NotFoundError and leaves
// the store untouched.
func (b *Bus) AcknowledgeMessage(messageID, agentID string) (*contracts.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	msg, ok := b.store.get(messageID)
	if !ok {
		return nil, &contracts.NotFoundError{Op: "AcknowledgeMessage", MessageID: messageID}
	}

	if msg.Acknowledge(agentID, b.now()) {
		b.retries.remove(messageID)
		b.logger.Debug("message acknowledged", "messageId", messageID, "agentId", agentID)
	}
	return msg.Clone(), nil
}
