// Package nats attaches agents to a bus through per-agent NATS subjects.
// The bus publishes to <prefix>.<agent>.inbox and subscribes to
// <prefix>.<agent>.outbox.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

var (
	// ErrClosed is returned by Send after Close or once the connection closed
	ErrClosed = errors.New("nats: transport closed")

	// ErrInvalidAgent is returned for agent ids that cannot form a subject
	ErrInvalidAgent = errors.New("nats: invalid agent id")
)

// ConnConfig holds connection settings for Connect
type ConnConfig struct {
	URL            string
	Name           string
	Token          string
	User           string
	Password       string
	ReconnectWait  time.Duration
	MaxReconnects  int // -1 = unlimited
	ConnectTimeout time.Duration
}

// DefaultConnConfig returns connection defaults
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		URL:            nats.DefaultURL,
		Name:           "agentbus",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

// Connect opens a NATS connection from cfg
func Connect(cfg ConnConfig) (*nats.Conn, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}

	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return conn, nil
}

// Config holds transport settings
type Config struct {
	Prefix       string
	FlushOnSend  bool
	FlushTimeout time.Duration
	FrameBuffer  int
	Logger       *slog.Logger
}

// Option configures the transport
type Option func(*Config)

// WithPrefix sets the subject prefix
func WithPrefix(prefix string) Option {
	return func(c *Config) { c.Prefix = prefix }
}

// WithFlushOnSend makes Send wait for the server to receive each frame
func WithFlushOnSend(flush bool) Option {
	return func(c *Config) { c.FlushOnSend = flush }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

func defaultConfig() Config {
	return Config{
		Prefix:       "agentbus",
		FlushOnSend:  true,
		FlushTimeout: 5 * time.Second,
		FrameBuffer:  64,
		Logger:       slog.Default(),
	}
}

// Subjects returns the inbox and outbox subjects for an agent
func Subjects(prefix, agentID string) (inbox, outbox string) {
	return prefix + "." + agentID + ".inbox", prefix + "." + agentID + ".outbox"
}

func validAgentID(agentID string) bool {
	return agentID != "" && !strings.ContainsAny(agentID, ".*> \t\r\n")
}

// Transport is one side of an agent's subject pair. It implements
// messaging.Transport.
type Transport struct {
	conn      *nats.Conn
	publishTo string
	cfg       Config
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
	sub    *nats.Subscription
	frames chan []byte
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// Dial opens the bus side: Send publishes to the inbox and Frames yields
// the agent's outbox
func Dial(conn *nats.Conn, agentID string, opts ...Option) (*Transport, error) {
	return dial(conn, agentID, false, opts)
}

// DialAgent opens the agent side: Send publishes to the outbox and Frames
// yields the inbox
func DialAgent(conn *nats.Conn, agentID string, opts ...Option) (*Transport, error) {
	return dial(conn, agentID, true, opts)
}

func dial(conn *nats.Conn, agentID string, agentSide bool, opts []Option) (*Transport, error) {
	if !validAgentID(agentID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAgent, agentID)
	}
	if conn.IsClosed() {
		return nil, ErrClosed
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	inbox, outbox := Subjects(cfg.Prefix, agentID)
	publishTo, subscribeTo := inbox, outbox
	if agentSide {
		publishTo, subscribeTo = outbox, inbox
	}

	t := &Transport{
		conn:      conn,
		publishTo: publishTo,
		cfg:       cfg,
		logger:    cfg.Logger.With("agentId", agentID),
		frames:    make(chan []byte, cfg.FrameBuffer),
		done:      make(chan struct{}),
	}

	sub, err := conn.Subscribe(subscribeTo, t.deliver)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subscribeTo, err)
	}
	// the subscription must be live before frames are published to it
	if err := conn.FlushTimeout(cfg.FlushTimeout); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	t.sub = sub

	closedCh := conn.StatusChanged(nats.CLOSED)
	t.wg.Add(1)
	go t.watch(closedCh)

	return t, nil
}

func (t *Transport) deliver(msg *nats.Msg) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}

	select {
	case t.frames <- msg.Data:
	case <-t.done:
	}
}

// watch ends the transport when the connection closes for good
func (t *Transport) watch(closedCh <-chan nats.Status) {
	defer t.wg.Done()
	select {
	case <-closedCh:
		t.logger.Warn("nats connection closed")
		go t.Close()
	case <-t.done:
	}
}

// Send publishes one frame
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if err := t.conn.Publish(t.publishTo, frame); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	if !t.cfg.FlushOnSend {
		return nil
	}
	if _, ok := ctx.Deadline(); ok {
		return t.conn.FlushWithContext(ctx)
	}
	return t.conn.FlushTimeout(t.cfg.FlushTimeout)
}

// Frames yields subscribed frames and closes on Close or connection loss
func (t *Transport) Frames() <-chan []byte {
	return t.frames
}

// Close unsubscribes and closes the frame stream. The connection itself
// is left open. It is idempotent.
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)

		t.mu.Lock()
		t.closed = true
		if !t.conn.IsClosed() {
			err = t.sub.Unsubscribe()
		}
		close(t.frames)
		t.mu.Unlock()

		t.wg.Wait()
	})
	return err
}
