package messaging

import "github.com/unidel2035/agentbus/contracts"

// Stats is a point-in-time summary of the bus
type Stats struct {
	TotalMessages     int
	ActiveConnections int
	ByStatus          map[contracts.Status]int
	PendingRequests   int
	RetryQueueSize    int
	Conversations     int
}

// GetMessage returns a copy of the message with the given id
func (b *Bus) GetMessage(id string) (*contracts.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	msg, ok := b.store.get(id)
	if !ok {
		return nil, false
	}
	return msg.Clone(), true
}

// GetAllMessages returns copies of all stored messages in recording order
func (b *Bus) GetAllMessages() []*contracts.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.snapshot(nil)
}

// GetMessagesByStatus returns copies of the messages currently in status
func (b *Bus) GetMessagesByStatus(status contracts.Status) []*contracts.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.snapshot(func(msg *contracts.Message) bool {
		return msg.Status == status
	})
}

// GetConversationMessages returns the messages of a conversation in the
// order the bus recorded them
func (b *Bus) GetConversationMessages(conversationID string) []*contracts.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conversations.messages(conversationID)
}

// GetConversation summarizes a conversation
func (b *Bus) GetConversation(conversationID string) (Conversation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conversations.conversation(conversationID)
}

// RetryQueue lists the messages waiting for another delivery attempt
func (b *Bus) RetryQueue() []RetryEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retries.snapshot(b.store)
}

// GetStats returns message, connection and queue counts
func (b *Bus) GetStats() Stats {
	stats := Stats{
		ActiveConnections: b.registry.len(),
		ByStatus:          make(map[contracts.Status]int, len(contracts.AllStatuses)),
	}
	for _, status := range contracts.AllStatuses {
		stats.ByStatus[status] = 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	stats.TotalMessages = b.store.len()
	b.store.each(func(msg *contracts.Message) bool {
		stats.ByStatus[msg.Status]++
		return true
	})
	stats.PendingRequests = b.correlations.len()
	stats.RetryQueueSize = b.retries.len()
	stats.Conversations = b.conversations.count()
	return stats
}
