package messaging

import (
	"time"

	"github.com/unidel2035/agentbus/contracts"
)

// Conversation summarizes the messages sharing one conversation id
type Conversation struct {
	ID             string
	Participants   []string // from/to agent ids in first-seen order
	MessageCount   int
	FirstMessageAt time.Time
	LastMessageAt  time.Time
}

// conversationTracker derives conversations from the store on demand
type conversationTracker struct {
	store *messageStore
}

func (t conversationTracker) messages(id string) []*contracts.Message {
	if id == "" {
		return []*contracts.Message{}
	}
	return t.store.snapshot(func(msg *contracts.Message) bool {
		return msg.Metadata.ConversationID == id
	})
}

func (t conversationTracker) conversation(id string) (Conversation, bool) {
	conv := Conversation{ID: id}
	if id == "" {
		return conv, false
	}

	seen := make(map[string]bool)
	addParticipant := func(agentID string) {
		if agentID != "" && !seen[agentID] {
			seen[agentID] = true
			conv.Participants = append(conv.Participants, agentID)
		}
	}

	t.store.each(func(msg *contracts.Message) bool {
		if msg.Metadata.ConversationID != id {
			return true
		}
		if conv.MessageCount == 0 {
			conv.FirstMessageAt = msg.CreatedAt
		}
		conv.MessageCount++
		conv.LastMessageAt = msg.CreatedAt
		addParticipant(msg.From)
		addParticipant(msg.To)
		return true
	})

	return conv, conv.MessageCount > 0
}

func (t conversationTracker) count() int {
	ids := make(map[string]struct{})
	t.store.each(func(msg *contracts.Message) bool {
		if msg.Metadata.ConversationID != "" {
			ids[msg.Metadata.ConversationID] = struct{}{}
		}
		return true
	})
	return len(ids)
}
