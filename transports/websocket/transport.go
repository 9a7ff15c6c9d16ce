// Package websocket carries agent frames over gorilla/websocket connections.
// One websocket message is one frame.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send after Close
var ErrClosed = errors.New("websocket: transport closed")

// Config holds transport settings
type Config struct {
	// WriteTimeout bounds a single frame write
	WriteTimeout time.Duration

	// PongWait is how long the peer may stay silent. Zero disables the
	// read deadline.
	PongWait time.Duration

	// PingInterval for keepalive pings. Zero disables pings.
	PingInterval time.Duration

	// MaxFrameSize limits inbound frame size
	MaxFrameSize int64

	// FrameBuffer is the inbound channel capacity
	FrameBuffer int

	// Binary sends frames as binary messages instead of text
	Binary bool

	Logger *slog.Logger
}

// DefaultConfig returns the transport defaults
func DefaultConfig() Config {
	return Config{
		WriteTimeout: 10 * time.Second,
		PongWait:     60 * time.Second,
		PingInterval: 30 * time.Second,
		MaxFrameSize: 1 << 20,
		FrameBuffer:  64,
		Logger:       slog.Default(),
	}
}

// Option configures a transport
type Option func(*Config)

// WithWriteTimeout sets the per-frame write timeout
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) { c.WriteTimeout = d }
}

// WithKeepalive sets the ping interval and the silence allowed before the
// connection is considered dead
func WithKeepalive(ping, pongWait time.Duration) Option {
	return func(c *Config) {
		c.PingInterval = ping
		c.PongWait = pongWait
	}
}

// WithMaxFrameSize limits inbound frames
func WithMaxFrameSize(n int64) Option {
	return func(c *Config) { c.MaxFrameSize = n }
}

// WithBinaryFrames sends binary messages, for binary codecs such as CBOR
func WithBinaryFrames(binary bool) Option {
	return func(c *Config) { c.Binary = binary }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// Transport wraps one websocket connection. It implements
// messaging.Transport.
type Transport struct {
	conn   *websocket.Conn
	cfg    Config
	logger *slog.Logger

	writeMu sync.Mutex
	frames  chan []byte
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// New wraps an established connection and starts its read and ping loops
func New(conn *websocket.Conn, opts ...Option) *Transport {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.FrameBuffer < 0 {
		cfg.FrameBuffer = 0
	}

	t := &Transport{
		conn:   conn,
		cfg:    cfg,
		logger: cfg.Logger.With("remoteAddr", conn.RemoteAddr().String()),
		frames: make(chan []byte, cfg.FrameBuffer),
		done:   make(chan struct{}),
	}

	if cfg.MaxFrameSize > 0 {
		conn.SetReadLimit(cfg.MaxFrameSize)
	}
	if cfg.PongWait > 0 {
		// only fails on a broken connection, which the reader reports
		_ = conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		})
	}

	t.wg.Add(1)
	go t.readLoop()
	if cfg.PingInterval > 0 {
		t.wg.Add(1)
		go t.pingLoop()
	}
	return t
}

// Dial connects to a websocket endpoint, typically a hub's
// /agents/connect?agent=<id>
func Dial(ctx context.Context, url string, header http.Header, opts ...Option) (*Transport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return New(conn, opts...), nil
}

// Send writes one frame. Concurrent calls are serialized.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Time{}
	if t.cfg.WriteTimeout > 0 {
		deadline = time.Now().Add(t.cfg.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	messageType := websocket.TextMessage
	if t.cfg.Binary {
		messageType = websocket.BinaryMessage
	}
	return t.conn.WriteMessage(messageType, frame)
}

// Frames yields inbound frames and closes when the connection ends
func (t *Transport) Frames() <-chan []byte {
	return t.frames
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	defer close(t.frames)

	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		select {
		case t.frames <- data:
		case <-t.done:
			return
		}
	}
}

func (t *Transport) pingLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
			t.writeMu.Unlock()
			if err != nil {
				t.logger.Debug("websocket ping failed", "error", err)
				return
			}
		case <-t.done:
			return
		}
	}
}

// Close sends a close frame and releases the connection. It is idempotent.
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)

		t.writeMu.Lock()
		// best effort; the peer may already be gone
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()

		err = t.conn.Close()
		t.wg.Wait()
	})
	return err
}
