// Copyright 2026 Agentbus Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package agentbus routes messages between cooperating agents. The bus
// itself lives in package messaging; Hub wraps it in an HTTP server.
package agentbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/unidel2035/agentbus/contracts"
	"github.com/unidel2035/agentbus/health"
	"github.com/unidel2035/agentbus/interceptors"
	"github.com/unidel2035/agentbus/messaging"
	"github.com/unidel2035/agentbus/monitor"
	"github.com/unidel2035/agentbus/transports/websocket"
)

// Hub is the main entry point for running agentbus as a server. It owns a
// bus and serves the agent websocket endpoint, health and metrics.
type Hub struct {
	bus      *messaging.Bus
	metrics  *monitor.MetricsCollector
	health   *health.Registry
	mux      *http.ServeMux
	logger   *slog.Logger
	relayTTL time.Duration

	unsubscribe []func()
	relayCtx    context.Context
	cancelRelay context.CancelFunc
	relays      sync.WaitGroup
	closeOnce   sync.Once
	closeErr    error
}

type hubConfig struct {
	logger          *slog.Logger
	busOptions      []messaging.Option
	connectPath     string
	allowedOrigins  []string
	transportOpts   []websocket.Option
	checkers        []health.Checker
	validators      []interceptors.MessageValidator
	healthTimeout   time.Duration
	relay           bool
	verifySenders   bool
	relayTTL        time.Duration
	goroutineLimits [2]int
}

// HubOption configures a Hub
type HubOption func(*hubConfig)

// WithLogger sets the logger used by the hub and its bus
func WithLogger(logger *slog.Logger) HubOption {
	return func(c *hubConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBusOptions passes options through to messaging.NewBus
func WithBusOptions(opts ...messaging.Option) HubOption {
	return func(c *hubConfig) {
		c.busOptions = append(c.busOptions, opts...)
	}
}

// WithConnectPath sets the websocket endpoint path
func WithConnectPath(path string) HubOption {
	return func(c *hubConfig) {
		c.connectPath = path
	}
}

// WithAllowedOrigins restricts websocket upgrades to the given origins
func WithAllowedOrigins(origins ...string) HubOption {
	return func(c *hubConfig) {
		c.allowedOrigins = append(c.allowedOrigins, origins...)
	}
}

// WithTransportOptions configures every accepted websocket transport
func WithTransportOptions(opts ...websocket.Option) HubOption {
	return func(c *hubConfig) {
		c.transportOpts = append(c.transportOpts, opts...)
	}
}

// WithHealthChecker adds a checker to /healthz
func WithHealthChecker(checker health.Checker) HubOption {
	return func(c *hubConfig) {
		c.checkers = append(c.checkers, checker)
	}
}

// WithValidator rejects inbound messages the validator refuses. Rejected
// frames are reported as FrameErrorEvents and never relayed.
func WithValidator(validator interceptors.MessageValidator) HubOption {
	return func(c *hubConfig) {
		if validator != nil {
			c.validators = append(c.validators, validator)
		}
	}
}

// WithHealthTimeout bounds one /healthz run
func WithHealthTimeout(d time.Duration) HubOption {
	return func(c *hubConfig) {
		c.healthTimeout = d
	}
}

// WithRelay controls whether inbound requests, notifications and handoffs
// are forwarded to the agent named in their to field. Enabled by default.
func WithRelay(enabled bool) HubOption {
	return func(c *hubConfig) {
		c.relay = enabled
	}
}

// WithSenderVerification rejects frames whose from field is not the agent
// owning the connection. Enabled by default.
func WithSenderVerification(enabled bool) HubOption {
	return func(c *hubConfig) {
		c.verifySenders = enabled
	}
}

// WithRelayTTL sets the response deadline of relayed requests that carry no TTL
func WithRelayTTL(d time.Duration) HubOption {
	return func(c *hubConfig) {
		c.relayTTL = d
	}
}

// WithGoroutineLimits sets the runtime health thresholds
func WithGoroutineLimits(warn, critical int) HubOption {
	return func(c *hubConfig) {
		c.goroutineLimits = [2]int{warn, critical}
	}
}

// NewHub creates a bus and the HTTP surface around it:
//
//	<connect path>?agent=<id>  websocket endpoint registering agent <id>
//	/healthz                   health report, 503 when unhealthy
//	/livez                     liveness probe
//	/metrics                   bus statistics and inbound traffic metrics
func NewHub(options ...HubOption) (*Hub, error) {
	cfg := hubConfig{
		logger:          slog.Default(),
		connectPath:     "/agents/connect",
		healthTimeout:   5 * time.Second,
		relay:           true,
		verifySenders:   true,
		relayTTL:        30 * time.Second,
		goroutineLimits: [2]int{10000, 50000},
	}
	for _, opt := range options {
		opt(&cfg)
	}
	if !strings.HasPrefix(cfg.connectPath, "/") {
		return nil, fmt.Errorf("%w: connect path %q must start with /", contracts.ErrInvalidArgument, cfg.connectPath)
	}

	collector := monitor.NewMetricsCollector()
	builder := interceptors.NewDefaultInterceptorChainBuilder(cfg.logger).
		WithLogging().
		WithMetrics(collector)
	if cfg.verifySenders {
		builder.WithSenderVerification()
	}
	for _, validator := range cfg.validators {
		builder.WithValidation(validator)
	}

	busOptions := append([]messaging.Option{
		messaging.WithLogger(cfg.logger),
		messaging.WithInterceptors(builder.Build().Interceptors()...),
	}, cfg.busOptions...)

	bus, err := messaging.NewBus(busOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bus: %w", err)
	}

	relayCtx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		bus:         bus,
		metrics:     collector,
		health:      health.NewRegistry(),
		mux:         http.NewServeMux(),
		logger:      cfg.logger,
		relayTTL:    cfg.relayTTL,
		relayCtx:    relayCtx,
		cancelRelay: cancel,
	}

	h.unsubscribe = append(h.unsubscribe, bus.Subscribe(collector))
	if cfg.relay {
		h.unsubscribe = append(h.unsubscribe, bus.Subscribe(messaging.ObserverFunc(h.relay)))
	}

	h.health.Register(health.NewBusChecker(bus, 0.9))
	h.health.Register(health.NewRuntimeChecker(cfg.goroutineLimits[0], cfg.goroutineLimits[1]))
	for _, checker := range cfg.checkers {
		h.health.Register(checker)
	}
	h.health.SetMetadata("protocolVersion", bus.Config().ProtocolVersion)
	h.health.SetMetadata("codec", bus.Config().Codec.Name())

	transportOpts := []websocket.Option{websocket.WithLogger(cfg.logger)}
	if bus.Config().Codec.Name() != "json" {
		transportOpts = append(transportOpts, websocket.WithBinaryFrames(true))
	}
	transportOpts = append(transportOpts, cfg.transportOpts...)

	h.mux.Handle(cfg.connectPath, websocket.NewHandler(bus,
		websocket.WithAllowedOrigins(cfg.allowedOrigins...),
		websocket.WithTransportOptions(transportOpts...),
		websocket.WithHandlerLogger(cfg.logger),
	))
	h.mux.Handle("/healthz", health.NewHandler(h.health, cfg.healthTimeout))
	h.mux.Handle("/livez", health.LivenessHandler())
	h.mux.Handle("/metrics", monitor.Handler(collector, bus))

	return h, nil
}

// Bus returns the hub's bus
func (h *Hub) Bus() *messaging.Bus {
	return h.bus
}

// Metrics returns the traffic metrics collector
func (h *Hub) Metrics() *monitor.MetricsCollector {
	return h.metrics
}

// Health returns the health registry
func (h *Hub) Health() *health.Registry {
	return h.health
}

// Handler returns the HTTP handler serving all hub endpoints
func (h *Hub) Handler() http.Handler {
	return h.mux
}

// ServeHTTP implements http.Handler
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// relay forwards inbound traffic to the addressed agent. It runs on the
// connection reader, so every forward happens on its own goroutine.
func (h *Hub) relay(event messaging.Event) {
	var msg *contracts.Message
	switch e := event.(type) {
	case messaging.RequestEvent:
		msg = e.Message
	case messaging.NotificationEvent:
		msg = e.Message
	case messaging.HandoffEvent:
		msg = e.Message
	default:
		return
	}

	select {
	case <-h.relayCtx.Done():
		return
	default:
	}

	h.relays.Add(1)
	go func() {
		defer h.relays.Done()
		if err := h.forward(h.relayCtx, msg); err != nil {
			h.logger.Warn("relay failed",
				"messageId", msg.ID,
				"messageType", msg.Type,
				"from", msg.From,
				"agentId", msg.To,
				"error", err,
			)
		}
	}()
}

func (h *Hub) forward(ctx context.Context, msg *contracts.Message) error {
	opts := []messaging.SendOption{
		messaging.WithMessageID(msg.ID),
		messaging.WithConversationID(msg.Metadata.ConversationID),
	}
	for k, v := range msg.Metadata.Extra {
		opts = append(opts, messaging.WithExtra(k, v))
	}
	if msg.TTL > 0 {
		opts = append(opts, messaging.WithTTL(msg.TTL))
	}

	switch msg.Type {
	case contracts.MessageTypeRequest:
		if msg.TTL <= 0 {
			opts = append(opts, messaging.WithTTL(h.relayTTL))
		}
		pending, err := h.bus.SendRequest(ctx, msg.From, msg.To, msg.Payload, opts...)
		if err != nil {
			return err
		}
		response, err := pending.WaitResponse(ctx)
		if err != nil {
			return err
		}
		// answer under the requester's own id so its pending entry settles
		d, err := h.bus.SendResponse(ctx, msg.ID, response.From, msg.From, response.Payload)
		if err != nil {
			return err
		}
		if !d.Delivered {
			return fmt.Errorf("response not delivered: %w", d.Err)
		}
		return nil

	case contracts.MessageTypeNotification:
		opts = append(opts, messaging.WithRequiresAck(msg.Metadata.RequiresAck))
		_, err := h.bus.SendNotification(ctx, msg.From, msg.To, msg.Payload, opts...)
		return err

	case contracts.MessageTypeHandoff:
		reason := msg.Metadata.HandoffReason
		if reason == "" {
			reason = "relayed"
		}
		_, err := h.bus.SendHandoff(ctx, msg.From, msg.To, msg.Payload, reason, opts...)
		return err
	}
	return nil
}

// Close stops relaying and shuts the bus down. Relays still running when
// ctx is done are abandoned. It is idempotent.
func (h *Hub) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		for _, unsubscribe := range h.unsubscribe {
			unsubscribe()
		}
		h.cancelRelay()

		done := make(chan struct{})
		go func() {
			h.relays.Wait()
			close(done)
		}()

		var errs []error
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for relays: %w", ctx.Err()))
		}

		if err := h.bus.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		h.closeErr = errors.Join(errs...)
	})
	return h.closeErr
}
