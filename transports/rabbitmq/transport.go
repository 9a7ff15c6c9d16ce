// Package rabbitmq attaches agents to a bus through per-agent RabbitMQ
// queues. The bus publishes frames to <prefix>.<agent>.inbox and consumes
// the agent's frames from <prefix>.<agent>.outbox, both on the default
// exchange.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/unidel2035/agentbus/internal/rabbitmq"
)

// Config holds transport settings
type Config struct {
	Prefix      string
	Durable     bool
	MessageTTL  time.Duration
	MaxLength   int
	ContentType string
	FrameBuffer int
	Logger      *slog.Logger
}

// Option configures the transport
type Option func(*Config)

// WithPrefix sets the queue name prefix
func WithPrefix(prefix string) Option {
	return func(cfg *Config) {
		cfg.Prefix = prefix
	}
}

// WithDurableQueues makes queues and frames survive a broker restart
func WithDurableQueues(durable bool) Option {
	return func(cfg *Config) {
		cfg.Durable = durable
	}
}

// WithQueueTTL drops queued frames nobody consumed within ttl
func WithQueueTTL(ttl time.Duration) Option {
	return func(cfg *Config) {
		cfg.MessageTTL = ttl
	}
}

// WithMaxLength bounds each queue
func WithMaxLength(n int) Option {
	return func(cfg *Config) {
		cfg.MaxLength = n
	}
}

// WithContentType sets the content type stamped on published frames
func WithContentType(contentType string) Option {
	return func(cfg *Config) {
		cfg.ContentType = contentType
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *Config) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

func defaultConfig() Config {
	return Config{
		Prefix:      "agentbus",
		Durable:     true,
		ContentType: "application/json",
		FrameBuffer: 64,
		Logger:      slog.Default(),
	}
}

// QueueNames returns the inbox and outbox queue names for an agent
func QueueNames(prefix, agentID string) (inbox, outbox string) {
	return fmt.Sprintf("%s.%s.inbox", prefix, agentID), fmt.Sprintf("%s.%s.outbox", prefix, agentID)
}

// Transport is one side of an agent's queue pair. It implements
// messaging.Transport.
type Transport struct {
	agentID   string
	publishTo string
	consumer  string
	cfg       Config
	logger    *slog.Logger

	mu     sync.Mutex
	pub    *amqp.Channel
	sub    *amqp.Channel
	closed bool

	frames    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial opens the bus side of agentID's queue pair: Send writes to the
// inbox and Frames yields what the agent put on its outbox
func Dial(ctx context.Context, manager *rabbitmq.ConnectionManager, agentID string, opts ...Option) (*Transport, error) {
	return dial(ctx, manager, agentID, false, opts)
}

// DialAgent opens the agent side of the queue pair: Send writes to the
// outbox and Frames yields what the bus put on the inbox
func DialAgent(ctx context.Context, manager *rabbitmq.ConnectionManager, agentID string, opts ...Option) (*Transport, error) {
	return dial(ctx, manager, agentID, true, opts)
}

func dial(ctx context.Context, manager *rabbitmq.ConnectionManager, agentID string, agentSide bool, opts []Option) (*Transport, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent id is required", rabbitmq.ErrInvalidConfiguration)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	inbox, outbox := QueueNames(cfg.Prefix, agentID)
	publishTo, consumeFrom := inbox, outbox
	if agentSide {
		publishTo, consumeFrom = outbox, inbox
	}

	pub, err := manager.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w", err)
	}

	declare := func(name string) rabbitmq.QueueDeclaration {
		return rabbitmq.QueueDeclaration{
			Name:       name,
			Durable:    cfg.Durable,
			MessageTTL: cfg.MessageTTL,
			MaxLength:  cfg.MaxLength,
		}
	}
	if err := rabbitmq.DeclareQueues(pub, declare(inbox), declare(outbox)); err != nil {
		pub.Close()
		return nil, err
	}
	if err := pub.Confirm(false); err != nil {
		pub.Close()
		return nil, &rabbitmq.ChannelError{Op: "confirm", Err: err, Timestamp: time.Now()}
	}

	sub, err := manager.Channel()
	if err != nil {
		pub.Close()
		return nil, fmt.Errorf("open consume channel: %w", err)
	}

	side := "bus"
	if agentSide {
		side = "agent"
	}
	consumer := fmt.Sprintf("%s-%s-%s", cfg.Prefix, side, agentID)
	deliveries, err := sub.Consume(consumeFrom, consumer, false, true, false, false, nil)
	if err != nil {
		pub.Close()
		sub.Close()
		return nil, &rabbitmq.ChannelError{Op: "consume", Queue: consumeFrom, Err: err, Timestamp: time.Now()}
	}

	t := &Transport{
		agentID:   agentID,
		publishTo: publishTo,
		consumer:  consumer,
		cfg:       cfg,
		logger:    cfg.Logger.With("agentId", agentID, "side", side),
		pub:       pub,
		sub:       sub,
		frames:    make(chan []byte, cfg.FrameBuffer),
		done:      make(chan struct{}),
	}

	t.wg.Add(1)
	go t.consume(deliveries)

	t.logger.Debug("rabbitmq transport attached", "publishTo", publishTo, "consumeFrom", consumeFrom)
	return t, nil
}

// Send publishes one frame and waits for the broker to confirm it
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return rabbitmq.ErrChannelClosed
	}

	mode := amqp.Transient
	if t.cfg.Durable {
		mode = amqp.Persistent
	}
	confirm, err := t.pub.PublishWithDeferredConfirmWithContext(ctx, "", t.publishTo, false, false, amqp.Publishing{
		ContentType:  t.cfg.ContentType,
		DeliveryMode: mode,
		Timestamp:    time.Now(),
		Body:         frame,
	})
	t.mu.Unlock()
	if err != nil {
		return &rabbitmq.ChannelError{Op: "publish", Queue: t.publishTo, Err: err, Timestamp: time.Now()}
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return &rabbitmq.ChannelError{Op: "confirm", Queue: t.publishTo, Err: err, Timestamp: time.Now()}
	}
	if !acked {
		return &rabbitmq.ChannelError{Op: "confirm", Queue: t.publishTo, Err: rabbitmq.ErrPublishNotConfirmed, Timestamp: time.Now()}
	}
	return nil
}

// Frames yields consumed frames. It closes when the consumer stops, either
// through Close or because the broker connection dropped.
func (t *Transport) Frames() <-chan []byte {
	return t.frames
}

func (t *Transport) consume(deliveries <-chan amqp.Delivery) {
	defer t.wg.Done()
	defer close(t.frames)

	for d := range deliveries {
		select {
		case t.frames <- d.Body:
			if err := d.Ack(false); err != nil {
				t.logger.Warn("failed to ack frame", "error", err)
			}
		case <-t.done:
			_ = d.Nack(false, true)
			return
		}
	}
	t.logger.Debug("rabbitmq consumer stopped")
}

// Close cancels the consumer and closes both channels. It is idempotent.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)

		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()

		_ = t.sub.Cancel(t.consumer, false)
		if cerr := t.sub.Close(); cerr != nil && !isClosedErr(cerr) {
			err = cerr
		}
		if cerr := t.pub.Close(); cerr != nil && !isClosedErr(cerr) && err == nil {
			err = cerr
		}
		t.wg.Wait()
	})
	return err
}

func isClosedErr(err error) bool {
	return err == amqp.ErrClosed
}
