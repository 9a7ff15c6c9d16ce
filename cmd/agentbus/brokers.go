package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/unidel2035/agentbus"
	"github.com/unidel2035/agentbus/health"
	"github.com/unidel2035/agentbus/internal/config"
	"github.com/unidel2035/agentbus/internal/rabbitmq"
	"github.com/unidel2035/agentbus/internal/reliability"
	natstransport "github.com/unidel2035/agentbus/transports/nats"
	rabbitmqtransport "github.com/unidel2035/agentbus/transports/rabbitmq"
	redistransport "github.com/unidel2035/agentbus/transports/redis"
)

// connectPolicy bounds the initial dial of each broker at startup
var connectPolicy reliability.RetryPolicy = reliability.NewExponentialBackoff(500*time.Millisecond, 10*time.Second, 2.0, 4)

// brokerSet holds what attachBrokers opened, closed in reverse order
type brokerSet struct {
	closers []func()
}

func (b *brokerSet) add(fn func()) {
	b.closers = append(b.closers, fn)
}

func (b *brokerSet) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// attachBrokers connects each enabled broker, registers its agents on the
// hub's bus and adds a health checker for it. On error everything opened so
// far is closed.
func attachBrokers(ctx context.Context, hub *agentbus.Hub, cfg config.TransportsConfig, logger *slog.Logger) (*brokerSet, error) {
	set := &brokerSet{}

	steps := []struct {
		name    string
		enabled bool
		attach  func() error
	}{
		{"rabbitmq", cfg.RabbitMQ.Enabled(), func() error { return attachRabbitMQ(ctx, hub, cfg.RabbitMQ, logger, set) }},
		{"nats", cfg.NATS.Enabled(), func() error { return attachNATS(ctx, hub, cfg.NATS, logger, set) }},
		{"redis", cfg.Redis.Enabled(), func() error { return attachRedis(ctx, hub, cfg.Redis, logger, set) }},
	}

	for _, step := range steps {
		if !step.enabled {
			continue
		}
		if err := step.attach(); err != nil {
			set.close()
			return nil, fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return set, nil
}

func attachRabbitMQ(ctx context.Context, hub *agentbus.Hub, cfg config.BrokerConfig, logger *slog.Logger, set *brokerSet) error {
	manager := rabbitmq.NewConnectionManager(cfg.URL, rabbitmq.WithLogger(logger))
	if err := reliability.Retry(ctx, connectPolicy, func() error {
		return manager.Connect(ctx)
	}); err != nil {
		manager.Close()
		return err
	}
	set.add(func() { manager.Close() })

	binding, err := rabbitmqtransport.Bind(ctx, hub.Bus(), manager, cfg.Agents,
		rabbitmqtransport.WithPrefix(cfg.Prefix),
		rabbitmqtransport.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	set.add(binding.Close)

	hub.Health().Register(health.NewRabbitMQChecker(manager))
	logger.Info("rabbitmq agents attached", "agents", cfg.Agents, "prefix", cfg.Prefix)
	return nil
}

func attachNATS(ctx context.Context, hub *agentbus.Hub, cfg config.BrokerConfig, logger *slog.Logger, set *brokerSet) error {
	connCfg := natstransport.DefaultConnConfig()
	connCfg.URL = cfg.URL

	var conn *nats.Conn
	err := reliability.Retry(ctx, connectPolicy, func() (err error) {
		conn, err = natstransport.Connect(connCfg)
		return err
	})
	if err != nil {
		return err
	}
	set.add(conn.Close)

	for _, agentID := range cfg.Agents {
		transport, err := natstransport.Dial(conn, agentID,
			natstransport.WithPrefix(cfg.Prefix),
			natstransport.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		if err := hub.Bus().RegisterConnection(agentID, transport); err != nil {
			transport.Close()
			return err
		}
	}

	hub.Health().Register(health.NewNATSChecker(conn))
	logger.Info("nats agents attached", "agents", cfg.Agents, "prefix", cfg.Prefix)
	return nil
}

func attachRedis(ctx context.Context, hub *agentbus.Hub, cfg config.BrokerConfig, logger *slog.Logger, set *brokerSet) error {
	var client *redis.Client
	err := reliability.Retry(ctx, connectPolicy, func() (err error) {
		client, err = redistransport.Connect(ctx, redistransport.ConnConfig{URL: cfg.URL})
		return err
	})
	if err != nil {
		return err
	}
	set.add(func() { client.Close() })

	for _, agentID := range cfg.Agents {
		transport, err := redistransport.Dial(ctx, client, agentID,
			redistransport.WithPrefix(cfg.Prefix),
			redistransport.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		if err := hub.Bus().RegisterConnection(agentID, transport); err != nil {
			transport.Close()
			return err
		}
	}

	hub.Health().Register(health.NewRedisChecker(client))
	logger.Info("redis agents attached", "agents", cfg.Agents, "prefix", cfg.Prefix)
	return nil
}
