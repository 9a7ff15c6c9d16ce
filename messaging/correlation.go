package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/unidel2035/agentbus/contracts"
)

// PendingRequest is the future returned by SendRequest.
// It settles exactly once: with the response, a timeout or a shutdown error.
type PendingRequest struct {
	MessageID      string
	From           string
	To             string
	ConversationID string
	Deadline       time.Time

	done      chan struct{}
	mu        sync.Mutex
	completed bool
	response  *contracts.Message
	err       error
}

func newPendingRequest(msg *contracts.Message, deadline time.Time) *PendingRequest {
	return &PendingRequest{
		MessageID:      msg.ID,
		From:           msg.From,
		To:             msg.To,
		ConversationID: msg.Metadata.ConversationID,
		Deadline:       deadline,
		done:           make(chan struct{}),
	}
}

// complete settles the request; later calls are ignored
func (p *PendingRequest) complete(response *contracts.Message, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.completed {
		return false
	}
	p.completed = true
	p.response = response
	p.err = err
	close(p.done)
	return true
}

// Done is closed once the request is settled
func (p *PendingRequest) Done() <-chan struct{} {
	return p.done
}

// IsCompleted reports whether the request is settled
func (p *PendingRequest) IsCompleted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

// Wait blocks until the request settles or ctx is done and returns the
// response payload. Giving up on ctx leaves the request pending.
func (p *PendingRequest) Wait(ctx context.Context) (any, error) {
	response, err := p.WaitResponse(ctx)
	if err != nil {
		return nil, err
	}
	return response.Payload, nil
}

// WaitResponse is Wait returning the whole response message
func (p *PendingRequest) WaitResponse(ctx context.Context) (*contracts.Message, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return p.response.Clone(), nil
}

type correlationEntry struct {
	request *PendingRequest
	timer   *time.Timer
}

// correlationTable maps request ids to pending futures.
// It is not safe for concurrent use; the bus mutex guards it. Whoever
// removes an entry owns its settlement.
type correlationTable struct {
	entries map[string]*correlationEntry
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{entries: make(map[string]*correlationEntry)}
}

func (t *correlationTable) add(req *PendingRequest, timer *time.Timer) {
	t.entries[req.MessageID] = &correlationEntry{request: req, timer: timer}
}

func (t *correlationTable) get(id string) (*correlationEntry, bool) {
	entry, ok := t.entries[id]
	return entry, ok
}

func (t *correlationTable) has(id string) bool {
	_, ok := t.entries[id]
	return ok
}

// take removes the entry and stops its timer
func (t *correlationTable) take(id string) (*correlationEntry, bool) {
	entry, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	delete(t.entries, id)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	return entry, true
}

// drain removes every entry and stops all timers
func (t *correlationTable) drain() []*correlationEntry {
	out := make([]*correlationEntry, 0, len(t.entries))
	for id := range t.entries {
		entry, _ := t.take(id)
		out = append(out, entry)
	}
	return out
}

func (t *correlationTable) len() int {
	return len(t.entries)
}
