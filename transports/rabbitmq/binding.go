package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/unidel2035/agentbus/internal/rabbitmq"
	"github.com/unidel2035/agentbus/messaging"
)

// Binding keeps a fixed set of agents registered on a bus through their
// queue pairs, re-attaching them whenever the broker connection comes back
type Binding struct {
	bus     messaging.Registrar
	manager *rabbitmq.ConnectionManager
	agents  []string
	opts    []Option
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Bind attaches every agent and starts following reconnects
func Bind(ctx context.Context, bus messaging.Registrar, manager *rabbitmq.ConnectionManager, agents []string, opts ...Option) (*Binding, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	b := &Binding{
		bus:     bus,
		manager: manager,
		agents:  append([]string(nil), agents...),
		opts:    opts,
		logger:  cfg.Logger,
	}
	if err := b.attach(ctx); err != nil {
		return nil, err
	}

	manager.AddStateListener(b)
	return b, nil
}

// Agents returns the bound agent ids
func (b *Binding) Agents() []string {
	return append([]string(nil), b.agents...)
}

func (b *Binding) attach(ctx context.Context) error {
	var errs []error
	for _, agentID := range b.agents {
		t, err := Dial(ctx, b.manager, agentID, b.opts...)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := b.bus.RegisterConnection(agentID, t); err != nil {
			t.Close()
			errs = append(errs, err)
			continue
		}
		b.logger.Info("agent attached over rabbitmq", "agentId", agentID)
	}
	return errors.Join(errs...)
}

// OnConnected re-attaches every agent after a reconnect
func (b *Binding) OnConnected() {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.attach(ctx); err != nil {
		b.logger.Error("failed to re-attach agents", "error", err)
	}
}

// OnDisconnected implements rabbitmq.ConnectionStateListener. The bus
// learns about the loss when each transport's frame stream closes.
func (b *Binding) OnDisconnected(err error) {
	b.logger.Warn("rabbitmq connection lost", "error", err, "agents", len(b.agents))
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (b *Binding) OnReconnecting(int) {}

// Close stops following reconnects. Attached transports stay registered
// until the bus shuts down.
func (b *Binding) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.manager.RemoveStateListener(b)
}
