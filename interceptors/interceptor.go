package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/unidel2035/agentbus/contracts"
)

var (
	ErrRateLimited    = errors.New("interceptors: rate limit exceeded")
	ErrSenderMismatch = errors.New("interceptors: sender does not match connection")
)

// MessageHandler receives an inbound message at the end of the chain
type MessageHandler interface {
	Handle(ctx context.Context, msg *contracts.Message) error
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, msg *contracts.Message) error

// Handle implements MessageHandler
func (f MessageHandlerFunc) Handle(ctx context.Context, msg *contracts.Message) error {
	return f(ctx, msg)
}

// Interceptor processes an inbound message before it is classified.
// Returning an error without calling next rejects the frame.
type Interceptor interface {
	Intercept(ctx context.Context, msg *contracts.Message, next MessageHandler) error

	// Name returns the interceptor name for logging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg *contracts.Message, next MessageHandler) error
}

// NewInterceptorFunc creates a function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg *contracts.Message, next MessageHandler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg *contracts.Message, next MessageHandler) error {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain runs interceptors in the order they were added
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a chain holding the given interceptors
func NewInterceptorChain(logger *slog.Logger, interceptors ...Interceptor) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: append([]Interceptor(nil), interceptors...),
		logger:       logger,
	}
}

// Add appends an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// Interceptors returns the interceptors in execution order
func (c *InterceptorChain) Interceptors() []Interceptor {
	return append([]Interceptor(nil), c.interceptors...)
}

// Names returns interceptor names in execution order
func (c *InterceptorChain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Execute passes msg through every interceptor and then to finalHandler
func (c *InterceptorChain) Execute(ctx context.Context, msg *contracts.Message, finalHandler MessageHandler) error {
	if len(c.interceptors) == 0 {
		return finalHandler.Handle(ctx, msg)
	}

	// Build the chain in reverse order
	handler := finalHandler
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = MessageHandlerFunc(func(ctx context.Context, msg *contracts.Message) error {
			return interceptor.Intercept(ctx, msg, next)
		})
	}

	return handler.Handle(ctx, msg)
}

// LoggingInterceptor logs every inbound message at debug level and rejections at warn
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next MessageHandler) error {
	start := time.Now()
	agentID, _ := AgentIDFromContext(ctx)

	i.logger.Debug("inbound message",
		"agentId", agentID,
		"messageId", msg.ID,
		"messageType", msg.Type,
		"conversationId", msg.Metadata.ConversationID,
	)

	err := next.Handle(ctx, msg)
	if err != nil {
		i.logger.Warn("inbound message rejected",
			"agentId", agentID,
			"messageId", msg.ID,
			"messageType", msg.Type,
			"duration", time.Since(start),
			"error", err,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsCollector receives inbound message measurements
type MetricsCollector interface {
	IncrementMessageCount(messageType string)
	RecordProcessingTime(messageType string, duration time.Duration)
	IncrementErrorCount(messageType string, errorType string)
}

// MetricsInterceptor reports counts, timings and rejections per message type
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next MessageHandler) error {
	start := time.Now()
	messageType := string(msg.Type)

	i.collector.IncrementMessageCount(messageType)

	err := next.Handle(ctx, msg)
	i.collector.RecordProcessingTime(messageType, time.Since(start))

	if err != nil {
		i.collector.IncrementErrorCount(messageType, errorType(err))
	}

	return err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrSenderMismatch):
		return "sender_mismatch"
	case errors.Is(err, contracts.ErrInvalidEnvelope):
		return "invalid"
	default:
		return "rejected"
	}
}

// MessageValidator checks an inbound message
type MessageValidator interface {
	Validate(ctx context.Context, msg *contracts.Message) error
}

// ValidatorFunc is a function adapter for MessageValidator
type ValidatorFunc func(ctx context.Context, msg *contracts.Message) error

// Validate implements MessageValidator
func (f ValidatorFunc) Validate(ctx context.Context, msg *contracts.Message) error {
	return f(ctx, msg)
}

// ValidationInterceptor rejects messages the validator refuses
type ValidationInterceptor struct {
	validator MessageValidator
}

// NewValidationInterceptor creates a validation interceptor
func NewValidationInterceptor(validator MessageValidator) *ValidationInterceptor {
	return &ValidationInterceptor{validator: validator}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next MessageHandler) error {
	if err := i.validator.Validate(ctx, msg); err != nil {
		return fmt.Errorf("%w: validation failed: %v", contracts.ErrInvalidEnvelope, err)
	}

	return next.Handle(ctx, msg)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// SenderVerificationInterceptor rejects frames whose from field names an
// agent other than the one owning the connection
type SenderVerificationInterceptor struct{}

// NewSenderVerificationInterceptor creates a sender verification interceptor
func NewSenderVerificationInterceptor() *SenderVerificationInterceptor {
	return &SenderVerificationInterceptor{}
}

// Intercept implements Interceptor
func (i *SenderVerificationInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next MessageHandler) error {
	agentID, ok := AgentIDFromContext(ctx)
	if ok && msg.From != agentID {
		return fmt.Errorf("%w: frame from %q on connection of %q", ErrSenderMismatch, msg.From, agentID)
	}

	return next.Handle(ctx, msg)
}

// Name implements Interceptor
func (i *SenderVerificationInterceptor) Name() string {
	return "SenderVerificationInterceptor"
}

// RateLimiter decides whether another message from key is allowed now
type RateLimiter interface {
	Allow(ctx context.Context, key string) error
}

// RateLimitingInterceptor throttles inbound traffic per connection agent
type RateLimitingInterceptor struct {
	limiter RateLimiter
}

// NewRateLimitingInterceptor creates a rate limiting interceptor
func NewRateLimitingInterceptor(limiter RateLimiter) *RateLimitingInterceptor {
	return &RateLimitingInterceptor{limiter: limiter}
}

// Intercept implements Interceptor
func (i *RateLimitingInterceptor) Intercept(ctx context.Context, msg *contracts.Message, next MessageHandler) error {
	key, ok := AgentIDFromContext(ctx)
	if !ok {
		key = msg.From
	}

	if err := i.limiter.Allow(ctx, key); err != nil {
		return fmt.Errorf("agent %s: %w", key, err)
	}

	return next.Handle(ctx, msg)
}

// Name implements Interceptor
func (i *RateLimitingInterceptor) Name() string {
	return "RateLimitingInterceptor"
}

// DefaultInterceptorChainBuilder builds the usual inbound chain
type DefaultInterceptorChainBuilder struct {
	chain  *InterceptorChain
	logger *slog.Logger
}

// NewDefaultInterceptorChainBuilder creates a builder
func NewDefaultInterceptorChainBuilder(logger *slog.Logger) *DefaultInterceptorChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}

	return &DefaultInterceptorChainBuilder{
		chain:  NewInterceptorChain(logger),
		logger: logger,
	}
}

// WithLogging adds the logging interceptor
func (b *DefaultInterceptorChainBuilder) WithLogging() *DefaultInterceptorChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.logger))
	return b
}

// WithMetrics adds the metrics interceptor
func (b *DefaultInterceptorChainBuilder) WithMetrics(collector MetricsCollector) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewMetricsInterceptor(collector))
	return b
}

// WithValidation adds the validation interceptor
func (b *DefaultInterceptorChainBuilder) WithValidation(validator MessageValidator) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewValidationInterceptor(validator))
	return b
}

// WithSenderVerification adds the sender verification interceptor
func (b *DefaultInterceptorChainBuilder) WithSenderVerification() *DefaultInterceptorChainBuilder {
	b.chain.Add(NewSenderVerificationInterceptor())
	return b
}

// WithRateLimit adds the rate limiting interceptor
func (b *DefaultInterceptorChainBuilder) WithRateLimit(limiter RateLimiter) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewRateLimitingInterceptor(limiter))
	return b
}

// WithCustom adds a custom interceptor
func (b *DefaultInterceptorChainBuilder) WithCustom(interceptor Interceptor) *DefaultInterceptorChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the built chain
func (b *DefaultInterceptorChainBuilder) Build() *InterceptorChain {
	return b.chain
}
