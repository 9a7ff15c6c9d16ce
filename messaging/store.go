package messaging

import (
	"container/list"

	"github.com/unidel2035/agentbus/contracts"
)

// messageStore keeps messages in recording order with O(1) lookup by id.
// It is not safe for concurrent use; the bus mutex guards it.
type messageStore struct {
	max   int
	order *list.List
	index map[string]*list.Element
}

func newMessageStore(max int) *messageStore {
	return &messageStore{
		max:   max,
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

func (s *messageStore) get(id string) (*contracts.Message, bool) {
	elem, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return elem.Value.(*contracts.Message), true
}

func (s *messageStore) has(id string) bool {
	_, ok := s.index[id]
	return ok
}

func (s *messageStore) len() int {
	return len(s.index)
}

// add records msg, evicting one message first when the store is full.
// inUse reports delivered messages that must not be evicted.
// It returns the evicted message, if any.
func (s *messageStore) add(msg *contracts.Message, inUse func(id string) bool) (*contracts.Message, error) {
	var evicted *contracts.Message
	if s.max > 0 && len(s.index) >= s.max {
		evicted = s.evictOne(inUse)
		if evicted == nil {
			return nil, contracts.ErrStoreFull
		}
	}

	s.index[msg.ID] = s.order.PushBack(msg)
	return evicted, nil
}

// evictOne removes the oldest terminal message, or failing that the oldest
// delivered one nobody is waiting on. Pending messages are never evicted.
func (s *messageStore) evictOne(inUse func(id string) bool) *contracts.Message {
	var candidate *list.Element
	for elem := s.order.Front(); elem != nil; elem = elem.Next() {
		msg := elem.Value.(*contracts.Message)
		if msg.Status.IsTerminal() {
			candidate = elem
			break
		}
		if candidate == nil && msg.Status == contracts.StatusDelivered && !inUse(msg.ID) {
			candidate = elem
		}
	}
	if candidate == nil {
		return nil
	}

	msg := candidate.Value.(*contracts.Message)
	s.order.Remove(candidate)
	delete(s.index, msg.ID)
	return msg
}

func (s *messageStore) remove(id string) bool {
	elem, ok := s.index[id]
	if !ok {
		return false
	}
	s.order.Remove(elem)
	delete(s.index, id)
	return true
}

// each visits messages in recording order until fn returns false
func (s *messageStore) each(fn func(msg *contracts.Message) bool) {
	for elem := s.order.Front(); elem != nil; {
		next := elem.Next()
		if !fn(elem.Value.(*contracts.Message)) {
			return
		}
		elem = next
	}
}

// snapshot returns clones of the messages matching keep, in recording order
func (s *messageStore) snapshot(keep func(msg *contracts.Message) bool) []*contracts.Message {
	out := make([]*contracts.Message, 0)
	s.each(func(msg *contracts.Message) bool {
		if keep == nil || keep(msg) {
			out = append(out, msg.Clone())
		}
		return true
	})
	return out
}
