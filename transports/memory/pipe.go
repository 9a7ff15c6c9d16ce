// Package memory provides an in-process transport for embedded agents and
// tests.
package memory

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Send once either end of the pipe is closed
var ErrClosed = errors.New("memory: pipe closed")

type pipe struct {
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	once   sync.Once
}

// Transport is one end of a Pipe. It implements messaging.Transport.
type Transport struct {
	p      *pipe
	frames chan []byte
	peer   *Transport
}

// Pipe returns two connected ends. Frames sent on one end arrive on the
// other; each direction buffers up to buffer frames. Closing either end
// closes both.
func Pipe(buffer int) (*Transport, *Transport) {
	if buffer < 0 {
		buffer = 0
	}
	p := &pipe{done: make(chan struct{})}
	a := &Transport{p: p, frames: make(chan []byte, buffer)}
	b := &Transport{p: p, frames: make(chan []byte, buffer)}
	a.peer, b.peer = b, a
	return a, b
}

// Send copies frame to the peer, blocking while its buffer is full
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	t.p.mu.RLock()
	defer t.p.mu.RUnlock()

	if t.p.closed {
		return ErrClosed
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case t.peer.frames <- buf:
		return nil
	case <-t.p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Frames yields frames sent by the peer
func (t *Transport) Frames() <-chan []byte {
	return t.frames
}

// Close closes both ends. It is idempotent.
func (t *Transport) Close() error {
	t.p.once.Do(func() {
		// unblock senders before taking the write lock
		close(t.p.done)

		t.p.mu.Lock()
		t.p.closed = true
		close(t.frames)
		close(t.peer.frames)
		t.p.mu.Unlock()
	})
	return nil
}
