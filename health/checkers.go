package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/unidel2035/agentbus/internal/rabbitmq"
	"github.com/unidel2035/agentbus/messaging"
)

// BusChecker reports the bus unhealthy after shutdown and degraded when the
// message store is nearly full
type BusChecker struct {
	bus           *messaging.Bus
	degradedRatio float64
}

// NewBusChecker creates a bus checker. degradedRatio is the store fill
// level, between 0 and 1, from which the bus counts as degraded.
func NewBusChecker(bus *messaging.Bus, degradedRatio float64) *BusChecker {
	if degradedRatio <= 0 || degradedRatio > 1 {
		degradedRatio = 0.9
	}
	return &BusChecker{bus: bus, degradedRatio: degradedRatio}
}

func (c *BusChecker) Name() string {
	return "bus"
}

func (c *BusChecker) Check(ctx context.Context) (result CheckResult) {
	start := time.Now()
	result = CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}
	defer func() { result.Duration = time.Since(start) }()

	if c.bus.IsClosed() {
		result.Status = StatusUnhealthy
		result.Message = "Bus is shut down"
		return result
	}

	stats := c.bus.GetStats()
	result.Details["totalMessages"] = stats.TotalMessages
	result.Details["activeConnections"] = stats.ActiveConnections
	result.Details["pendingRequests"] = stats.PendingRequests
	result.Details["retryQueueSize"] = stats.RetryQueueSize
	result.Details["conversations"] = stats.Conversations

	result.Status = StatusHealthy
	result.Message = "Bus is running"

	if max := c.bus.Config().MaxMessages; max > 0 {
		usage := float64(stats.TotalMessages) / float64(max)
		result.Details["storeUsage"] = usage
		if usage >= c.degradedRatio {
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("Message store %.0f%% full", usage*100)
		}
	}
	return result
}

// RabbitMQChecker checks the AMQP connection by opening a channel
type RabbitMQChecker struct {
	manager *rabbitmq.ConnectionManager
}

// NewRabbitMQChecker creates a RabbitMQ checker
func NewRabbitMQChecker(manager *rabbitmq.ConnectionManager) *RabbitMQChecker {
	return &RabbitMQChecker{manager: manager}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

func (c *RabbitMQChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	ch, err := c.manager.Channel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	ch.Close()

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	result.Details["responseTimeMs"] = result.Duration.Milliseconds()
	return result
}

// NATSConn is the part of *nats.Conn the NATS checker reads
type NATSConn interface {
	Status() nats.Status
}

// NATSChecker maps the NATS connection status to health
type NATSChecker struct {
	conn NATSConn
}

// NewNATSChecker creates a NATS checker
func NewNATSChecker(conn NATSConn) *NATSChecker {
	return &NATSChecker{conn: conn}
}

func (c *NATSChecker) Name() string {
	return "nats"
}

func (c *NATSChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status := c.conn.Status()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"connectionStatus": status.String()},
	}

	switch status {
	case nats.CONNECTED:
		result.Status = StatusHealthy
		result.Message = "Connected"
	case nats.RECONNECTING, nats.CONNECTING, nats.DRAINING_SUBS, nats.DRAINING_PUBS:
		result.Status = StatusDegraded
		result.Message = "Connection is recovering"
	default:
		result.Status = StatusUnhealthy
		result.Message = "Not connected"
	}
	result.Duration = time.Since(start)
	return result
}

// Pinger is the part of a go-redis client the Redis checker uses
type Pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisChecker pings Redis
type RedisChecker struct {
	client Pinger
}

// NewRedisChecker creates a Redis checker
func NewRedisChecker(client Pinger) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string {
	return "redis"
}

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if err := c.client.Ping(ctx).Err(); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Ping failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Ping succeeded"
	}
	result.Duration = time.Since(start)
	result.Details["responseTimeMs"] = result.Duration.Milliseconds()
	return result
}

// RuntimeChecker watches the goroutine count, which grows with every
// attached agent
type RuntimeChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewRuntimeChecker creates a runtime checker with goroutine thresholds
func NewRuntimeChecker(warn, critical int) *RuntimeChecker {
	return &RuntimeChecker{warnGoroutines: warn, criticalGoroutines: critical}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"goroutines":   goroutines,
			"heapAllocMb":  float64(m.HeapAlloc) / 1024 / 1024,
			"gcRuns":       m.NumGC,
		},
	}

	switch {
	case c.criticalGoroutines > 0 && goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case c.warnGoroutines > 0 && goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}
	result.Duration = time.Since(start)
	return result
}
