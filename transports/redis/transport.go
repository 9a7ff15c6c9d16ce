// Package redis attaches agents to a bus through Redis pub/sub channels.
// The bus publishes to <prefix>:<agent>:inbox and subscribes to
// <prefix>:<agent>:outbox. Pub/sub does not buffer for absent subscribers,
// so a publish nobody received is reported as a failed send and the bus
// retry queue takes over.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrClosed is returned by Send after Close
	ErrClosed = errors.New("redis: transport closed")

	// ErrNoSubscriber is returned when a published frame reached nobody
	ErrNoSubscriber = errors.New("redis: no subscriber on channel")
)

// ConnConfig holds connection settings for Connect
type ConnConfig struct {
	URL      string // redis://host:port/db
	Password string
	DB       int
}

// Connect opens a client and verifies it with PING
func Connect(ctx context.Context, cfg ConnConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis: url is required")
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

// Config holds transport settings
type Config struct {
	Prefix            string
	RequireSubscriber bool
	FrameBuffer       int
	Logger            *slog.Logger
}

// Option configures the transport
type Option func(*Config)

// WithPrefix sets the channel prefix
func WithPrefix(prefix string) Option {
	return func(c *Config) { c.Prefix = prefix }
}

// WithRequireSubscriber controls whether a publish with no receiver fails
func WithRequireSubscriber(require bool) Option {
	return func(c *Config) { c.RequireSubscriber = require }
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
		Prefix:            "agentbus",
		RequireSubscriber: true,
		FrameBuffer:       64,
		Logger:            slog.Default(),
	}
}

// Channels returns the inbox and outbox channel names for an agent
func Channels(prefix, agentID string) (inbox, outbox string) {
	return prefix + ":" + agentID + ":inbox", prefix + ":" + agentID + ":outbox"
}

// Transport is one side of an agent's channel pair. It implements
// messaging.Transport.
type Transport struct {
	client    redis.UniversalClient
	publishTo string
	cfg       Config
	logger    *slog.Logger

	pubsub *redis.PubSub
	frames chan []byte
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// Dial opens the bus side: Send publishes to the inbox and Frames yields
// the agent's outbox
func Dial(ctx context.Context, client redis.UniversalClient, agentID string, opts ...Option) (*Transport, error) {
	return dial(ctx, client, agentID, false, opts)
}

// DialAgent opens the agent side: Send publishes to the outbox and Frames
// yields the inbox
func DialAgent(ctx context.Context, client redis.UniversalClient, agentID string, opts ...Option) (*Transport, error) {
	return dial(ctx, client, agentID, true, opts)
}

func dial(ctx context.Context, client redis.UniversalClient, agentID string, agentSide bool, opts []Option) (*Transport, error) {
	if agentID == "" {
		return nil, errors.New("redis: agent id is required")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	inbox, outbox := Channels(cfg.Prefix, agentID)
	publishTo, subscribeTo := inbox, outbox
	if agentSide {
		publishTo, subscribeTo = outbox, inbox
	}

	pubsub := client.Subscribe(ctx, subscribeTo)
	// wait for the subscription confirmation so no early frame is lost
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", subscribeTo, err)
	}

	t := &Transport{
		client:    client,
		publishTo: publishTo,
		cfg:       cfg,
		logger:    cfg.Logger.With("agentId", agentID),
		pubsub:    pubsub,
		frames:    make(chan []byte, cfg.FrameBuffer),
		done:      make(chan struct{}),
	}

	t.wg.Add(1)
	go t.forward(pubsub.Channel(redis.WithChannelSize(cfg.FrameBuffer)))
	return t, nil
}

func (t *Transport) forward(messages <-chan *redis.Message) {
	defer t.wg.Done()
	defer close(t.frames)

	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return
			}
			select {
			case t.frames <- []byte(msg.Payload):
			case <-t.done:
				return
			}
		case <-t.done:
			return
		}
	}
}

// Send publishes one frame
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	receivers, err := t.client.Publish(ctx, t.publishTo, frame).Result()
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	if receivers == 0 && t.cfg.RequireSubscriber {
		return fmt.Errorf("%w %s", ErrNoSubscriber, t.publishTo)
	}
	return nil
}

// Frames yields subscribed frames and closes on Close
func (t *Transport) Frames() <-chan []byte {
	return t.frames
}

// Close ends the subscription. The client is left open. It is idempotent.
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		err = t.pubsub.Close()
		t.wg.Wait()
	})
	return err
}
