package messaging

import (
	"sync"
	"sync/atomic"

	"github.com/unidel2035/agentbus/contracts"
)

// EventKind names an event for logging and filtering
type EventKind string

const (
	EventRequest                EventKind = "message:request"
	EventNotification           EventKind = "message:notification"
	EventHandoff                EventKind = "message:handoff"
	EventResponse               EventKind = "message:response"
	EventInvalidFrame           EventKind = "message:invalid"
	EventMessageDelivered       EventKind = "message:delivered"
	EventMessageFailed          EventKind = "message:failed"
	EventMessageExpired         EventKind = "message:expired"
	EventConnectionRegistered   EventKind = "connection:registered"
	EventConnectionUnregistered EventKind = "connection:unregistered"
)

// Event is published by the bus to its observers. The concrete types are
// RequestEvent, NotificationEvent, HandoffEvent, ResponseEvent,
// FrameErrorEvent, MessageStateEvent and ConnectionEvent.
type Event interface {
	Kind() EventKind
	isEvent()
}

// RequestEvent carries an inbound request for the host application
type RequestEvent struct {
	AgentID string // connection the frame arrived on
	Message *contracts.Message
}

// NotificationEvent carries an inbound notification
type NotificationEvent struct {
	AgentID string
	Message *contracts.Message
}

// HandoffEvent carries an inbound handoff
type HandoffEvent struct {
	AgentID string
	Message *contracts.Message
}

// ResponseEvent carries an inbound response that matched no pending request,
// usually one that arrived after its request timed out
type ResponseEvent struct {
	AgentID string
	Message *contracts.Message
}

// FrameErrorEvent reports an inbound frame that was dropped
type FrameErrorEvent struct {
	AgentID string
	Err     error
}

// MessageStateEvent reports a status change the bus made on its own:
// a retried delivery, an exhausted retry or an expiry
type MessageStateEvent struct {
	Message *contracts.Message
	Err     error
}

// ConnectionEvent reports an agent connecting or disconnecting
type ConnectionEvent struct {
	AgentID   string
	Connected bool
	Reason    string
}

func (RequestEvent) Kind() EventKind      { return EventRequest }
func (NotificationEvent) Kind() EventKind { return EventNotification }
func (HandoffEvent) Kind() EventKind      { return EventHandoff }
func (ResponseEvent) Kind() EventKind     { return EventResponse }
func (FrameErrorEvent) Kind() EventKind   { return EventInvalidFrame }

func (e MessageStateEvent) Kind() EventKind {
	switch e.Message.Status {
	case contracts.StatusExpired:
		return EventMessageExpired
	case contracts.StatusFailed:
		return EventMessageFailed
	default:
		return EventMessageDelivered
	}
}

func (e ConnectionEvent) Kind() EventKind {
	if e.Connected {
		return EventConnectionRegistered
	}
	return EventConnectionUnregistered
}

func (RequestEvent) isEvent()      {}
func (NotificationEvent) isEvent() {}
func (HandoffEvent) isEvent()      {}
func (ResponseEvent) isEvent()     {}
func (FrameErrorEvent) isEvent()   {}
func (MessageStateEvent) isEvent() {}
func (ConnectionEvent) isEvent()   {}

// Observer receives bus events. HandleEvent is called synchronously from the
// goroutine that produced the event and must not block for long.
type Observer interface {
	HandleEvent(event Event)
}

// ObserverFunc is a function adapter for Observer
type ObserverFunc func(event Event)

// HandleEvent implements Observer
func (f ObserverFunc) HandleEvent(event Event) {
	f(event)
}

type observerSet struct {
	mu        sync.RWMutex
	nextID    int
	observers map[int]Observer
	order     []int
}

func newObserverSet() *observerSet {
	return &observerSet{observers: make(map[int]Observer)}
}

func (s *observerSet) subscribe(obs Observer) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = obs
	s.order = append(s.order, id)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.observers, id)
			for i, existing := range s.order {
				if existing == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (s *observerSet) publish(events ...Event) {
	if len(events) == 0 {
		return
	}

	s.mu.RLock()
	targets := make([]Observer, 0, len(s.order))
	for _, id := range s.order {
		targets = append(targets, s.observers[id])
	}
	s.mu.RUnlock()

	for _, event := range events {
		for _, obs := range targets {
			obs.HandleEvent(event)
		}
	}
}

// EventChannel adapts events to a buffered channel. Events that do not fit
// are dropped and counted.
type EventChannel struct {
	ch      chan Event
	dropped atomic.Uint64
}

// NewEventChannel creates an EventChannel with the given buffer size
func NewEventChannel(size int) *EventChannel {
	return &EventChannel{ch: make(chan Event, size)}
}

// HandleEvent implements Observer
func (c *EventChannel) HandleEvent(event Event) {
	select {
	case c.ch <- event:
	default:
		c.dropped.Add(1)
	}
}

// Events returns the receive side of the channel
func (c *EventChannel) Events() <-chan Event {
	return c.ch
}

// Dropped returns how many events did not fit in the buffer
func (c *EventChannel) Dropped() uint64 {
	return c.dropped.Load()
}
