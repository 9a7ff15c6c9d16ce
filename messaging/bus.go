package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/unidel2035/agentbus/contracts"
	"github.com/unidel2035/agentbus/interceptors"
	"github.com/unidel2035/agentbus/internal/reliability"
)

// Bus is the agent message bus.
//
// The message store, correlation table and retry queue are guarded by one
// mutex. The connection registry has its own. Transport writes and observer
// callbacks never run under either lock.
type Bus struct {
	config      Config
	logger      *slog.Logger
	accept      *semver.Constraints
	chain       *interceptors.InterceptorChain
	retryPolicy reliability.RetryPolicy
	registry    *connectionRegistry
	observers   *observerSet
	now         func() time.Time

	mu            sync.Mutex
	store         *messageStore
	conversations conversationTracker
	correlations  *correlationTable
	retries       *retryQueue
	closed        bool

	ctx          context.Context
	cancel       context.CancelFunc
	loops        sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewBus creates a bus and starts its retry and cleanup loops
func NewBus(options ...Option) (*Bus, error) {
	cfg := DefaultConfig()
	for _, opt := range options {
		opt(&cfg)
	}

	b, err := newBus(cfg)
	if err != nil {
		return nil, err
	}
	b.start()
	return b, nil
}

func newBus(cfg Config) (*Bus, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var accept *semver.Constraints
	if cfg.AcceptVersions != "" {
		c, err := semver.NewConstraint(cfg.AcceptVersions)
		if err != nil {
			return nil, fmt.Errorf("%w: accept versions %q: %v", contracts.ErrInvalidArgument, cfg.AcceptVersions, err)
		}
		accept = c
	}

	policy := cfg.RetryPolicy
	if policy == nil {
		policy = reliability.NewFixedDelay(cfg.MessageRetryDelay, cfg.MessageRetryAttempts)
	}

	store := newMessageStore(cfg.MaxMessages)
	ctx, cancel := context.WithCancel(context.Background())

	return &Bus{
		config:        cfg,
		logger:        logger,
		accept:        accept,
		chain:         interceptors.NewInterceptorChain(logger, cfg.Interceptors...),
		retryPolicy:   policy,
		registry:      newConnectionRegistry(),
		observers:     newObserverSet(),
		now:           func() time.Time { return time.Now().UTC() },
		store:         store,
		conversations: conversationTracker{store: store},
		correlations:  newCorrelationTable(),
		retries:       newRetryQueue(),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

func validateConfig(cfg Config) error {
	switch {
	case cfg.MaxMessages <= 0:
		return fmt.Errorf("%w: max messages must be positive", contracts.ErrInvalidArgument)
	case cfg.MessageRetryAttempts < 0:
		return fmt.Errorf("%w: retry attempts cannot be negative", contracts.ErrInvalidArgument)
	case cfg.MessageRetryDelay <= 0:
		return fmt.Errorf("%w: retry delay must be positive", contracts.ErrInvalidArgument)
	case cfg.MessageDefaultTTL <= 0:
		return fmt.Errorf("%w: default TTL must be positive", contracts.ErrInvalidArgument)
	case cfg.CleanupInterval <= 0:
		return fmt.Errorf("%w: cleanup interval must be positive", contracts.ErrInvalidArgument)
	case cfg.WriteTimeout <= 0:
		return fmt.Errorf("%w: write timeout must be positive", contracts.ErrInvalidArgument)
	case cfg.Codec == nil:
		return fmt.Errorf("%w: codec is required", contracts.ErrInvalidArgument)
	}
	return nil
}

func (b *Bus) start() {
	b.loops.Add(2)
	go b.runEvery(b.config.MessageRetryDelay, b.processRetries)
	go b.runEvery(b.config.CleanupInterval, func(context.Context) { b.sweep() })

	b.logger.Info("message bus started",
		"maxMessages", b.config.MaxMessages,
		"retryAttempts", b.config.MessageRetryAttempts,
		"retryDelay", b.config.MessageRetryDelay,
		"codec", b.config.Codec.Name(),
		"correlationPolicy", b.config.CorrelationPolicy.String(),
	)
}

func (b *Bus) runEvery(interval time.Duration, fn func(ctx context.Context)) {
	defer b.loops.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			fn(b.ctx)
		}
	}
}

// Config returns the effective configuration
func (b *Bus) Config() Config {
	return b.config
}

// Subscribe registers an observer and returns a function that removes it
func (b *Bus) Subscribe(obs Observer) (unsubscribe func()) {
	return b.observers.subscribe(obs)
}

// RegisterConnection binds transport to agentID, replacing and closing any
// previous transport of that agent. Inbound frames are read until the
// transport closes, after which the binding is removed.
func (b *Bus) RegisterConnection(agentID string, transport Transport) error {
	if agentID == "" || transport == nil {
		return fmt.Errorf("%w: agent id and transport are required", contracts.ErrInvalidArgument)
	}

	conn := &connection{
		Connection: Connection{AgentID: agentID, ConnectedAt: b.now()},
		transport:  transport,
	}

	prev, err := b.registry.register(conn)
	if err != nil {
		return err
	}
	if prev != nil {
		if err := prev.close(); err != nil {
			b.logger.Warn("closing replaced transport failed", "agentId", agentID, "error", err)
		}
		b.logger.Info("agent connection replaced", "agentId", agentID)
	} else {
		b.logger.Info("agent connected", "agentId", agentID)
	}

	go b.readLoop(conn)

	b.observers.publish(ConnectionEvent{AgentID: agentID, Connected: true})
	return nil
}

// UnregisterConnection removes and closes the agent's transport. It is a
// no-op for unknown agents.
func (b *Bus) UnregisterConnection(agentID string) {
	conn := b.registry.unregister(agentID)
	if conn == nil {
		return
	}
	b.disconnected(conn, "unregistered")
}

func (b *Bus) disconnected(conn *connection, reason string) {
	if err := conn.close(); err != nil {
		b.logger.Warn("closing transport failed", "agentId", conn.AgentID, "error", err)
	}
	b.logger.Info("agent disconnected", "agentId", conn.AgentID, "reason", reason)
	b.observers.publish(ConnectionEvent{AgentID: conn.AgentID, Connected: false, Reason: reason})
}

func (b *Bus) readLoop(conn *connection) {
	defer b.registry.readers.Done()

	for frame := range conn.transport.Frames() {
		b.handleFrame(conn.AgentID, frame)
	}

	if b.registry.unregisterIf(conn) {
		b.disconnected(conn, "transport closed")
	}
}

// IsConnected reports whether agentID has a live transport
func (b *Bus) IsConnected(agentID string) bool {
	_, ok := b.registry.get(agentID)
	return ok
}

// Connections lists the registered agents sorted by id
func (b *Bus) Connections() []Connection {
	return b.registry.list()
}

// IsClosed reports whether Shutdown has been called
func (b *Bus) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Shutdown stops the retry and cleanup loops, rejects every pending request
// with ErrBusClosed and closes all transports. It waits for the connection
// readers until ctx is done. Calling it again returns the first result.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		pending := b.correlations.drain()
		b.mu.Unlock()

		b.cancel()
		b.loops.Wait()

		for _, entry := range pending {
			entry.request.complete(nil, contracts.ErrBusClosed)
		}

		for _, conn := range b.registry.closeAll() {
			b.disconnected(conn, "shutdown")
		}

		done := make(chan struct{})
		go func() {
			b.registry.readers.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			b.shutdownErr = fmt.Errorf("waiting for connection readers: %w", ctx.Err())
		}

		b.logger.Info("message bus stopped", "rejectedRequests", len(pending))
	})
	return b.shutdownErr
}
