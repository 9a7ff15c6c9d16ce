package messaging

import (
	"log/slog"
	"time"

	"github.com/unidel2035/agentbus/contracts"
	"github.com/unidel2035/agentbus/interceptors"
	"github.com/unidel2035/agentbus/internal/reliability"
	"github.com/unidel2035/agentbus/serialization"
)

// CorrelationPolicy selects which connections may settle a pending request
type CorrelationPolicy int

const (
	// CorrelationAnyConnection settles on a matching response from any connection
	CorrelationAnyConnection CorrelationPolicy = iota
	// CorrelationRecipientOnly requires the response to arrive on the connection
	// of the agent the request was sent to
	CorrelationRecipientOnly
	// CorrelationRequesterOnly requires the response to arrive on the connection
	// of the agent that sent the request
	CorrelationRequesterOnly
)

func (p CorrelationPolicy) String() string {
	switch p {
	case CorrelationRecipientOnly:
		return "recipient"
	case CorrelationRequesterOnly:
		return "requester"
	default:
		return "any"
	}
}

// ParseCorrelationPolicy converts a policy name back into a CorrelationPolicy
func ParseCorrelationPolicy(name string) (CorrelationPolicy, bool) {
	switch name {
	case "", "any":
		return CorrelationAnyConnection, true
	case "recipient":
		return CorrelationRecipientOnly, true
	case "requester":
		return CorrelationRequesterOnly, true
	}
	return CorrelationAnyConnection, false
}

// Config holds the bus settings
type Config struct {
	MaxMessages          int
	MessageRetryAttempts int
	MessageRetryDelay    time.Duration
	MessageDefaultTTL    time.Duration
	CleanupInterval      time.Duration
	// MessageRetention removes terminal messages this long after their last
	// update. Zero keeps them until evicted.
	MessageRetention time.Duration
	WriteTimeout     time.Duration

	Codec             serialization.Codec
	ProtocolVersion   string
	AcceptVersions    string
	CorrelationPolicy CorrelationPolicy

	// RetryPolicy overrides the fixed delay policy built from
	// MessageRetryDelay and MessageRetryAttempts. It may lower the attempt
	// bound but never raise it past MessageRetryAttempts; delays longer
	// than MessageRetryDelay hold the entry back for later passes.
	RetryPolicy  reliability.RetryPolicy
	Interceptors []interceptors.Interceptor
	Logger       *slog.Logger
}

// DefaultConfig returns the default bus settings
func DefaultConfig() Config {
	return Config{
		MaxMessages:          10000,
		MessageRetryAttempts: 3,
		MessageRetryDelay:    5 * time.Second,
		MessageDefaultTTL:    5 * time.Minute,
		CleanupInterval:      time.Minute,
		WriteTimeout:         10 * time.Second,
		Codec:                serialization.NewJSONCodec(),
		ProtocolVersion:      contracts.ProtocolVersion,
		AcceptVersions:       "^1.0.0",
		CorrelationPolicy:    CorrelationAnyConnection,
	}
}

// Option configures a Bus
type Option func(*Config)

// WithConfig replaces the whole configuration. Later options still apply.
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		*c = cfg
	}
}

// WithMaxMessages bounds the message store
func WithMaxMessages(n int) Option {
	return func(c *Config) {
		c.MaxMessages = n
	}
}

// WithMessageRetryAttempts sets how many failed deliveries a queued message gets
func WithMessageRetryAttempts(n int) Option {
	return func(c *Config) {
		c.MessageRetryAttempts = n
	}
}

// WithMessageRetryDelay sets the retry queue interval
func WithMessageRetryDelay(d time.Duration) Option {
	return func(c *Config) {
		c.MessageRetryDelay = d
	}
}

// WithMessageDefaultTTL sets the TTL of messages sent without WithTTL
func WithMessageDefaultTTL(d time.Duration) Option {
	return func(c *Config) {
		c.MessageDefaultTTL = d
	}
}

// WithCleanupInterval sets how often expired messages are swept
func WithCleanupInterval(d time.Duration) Option {
	return func(c *Config) {
		c.CleanupInterval = d
	}
}

// WithMessageRetention removes terminal messages older than d
func WithMessageRetention(d time.Duration) Option {
	return func(c *Config) {
		c.MessageRetention = d
	}
}

// WithWriteTimeout bounds a single transport write
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.WriteTimeout = d
	}
}

// WithCodec sets the envelope codec
func WithCodec(codec serialization.Codec) Option {
	return func(c *Config) {
		c.Codec = codec
	}
}

// WithProtocolVersion sets the version stamped on outbound envelopes
func WithProtocolVersion(version string) Option {
	return func(c *Config) {
		c.ProtocolVersion = version
	}
}

// WithAcceptVersions sets the semver constraint inbound envelopes must satisfy.
// An empty constraint accepts every version.
func WithAcceptVersions(constraint string) Option {
	return func(c *Config) {
		c.AcceptVersions = constraint
	}
}

// WithCorrelationPolicy selects which connections may settle pending requests
func WithCorrelationPolicy(policy CorrelationPolicy) Option {
	return func(c *Config) {
		c.CorrelationPolicy = policy
	}
}

// WithRetryPolicy sets the retry queue policy. MessageRetryAttempts still
// caps the number of attempts.
func WithRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(c *Config) {
		c.RetryPolicy = policy
	}
}

// WithInterceptors appends inbound interceptors
func WithInterceptors(list ...interceptors.Interceptor) Option {
	return func(c *Config) {
		c.Interceptors = append(c.Interceptors, list...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// SendOptions holds per-message settings
type SendOptions struct {
	TTL            time.Duration
	ConversationID string
	RequiresAck    bool
	MessageID      string
	Extra          map[string]any
}

// SendOption configures a single send
type SendOption func(*SendOptions)

// WithTTL sets the message time-to-live; for requests it is also the
// response deadline
func WithTTL(ttl time.Duration) SendOption {
	return func(o *SendOptions) {
		o.TTL = ttl
	}
}

// WithConversationID places the message in a conversation
func WithConversationID(id string) SendOption {
	return func(o *SendOptions) {
		o.ConversationID = id
	}
}

// WithRequiresAck queues the message for retry when its recipient is unreachable
func WithRequiresAck(required bool) SendOption {
	return func(o *SendOptions) {
		o.RequiresAck = required
	}
}

// WithMessageID uses id instead of a generated one. The send fails with
// ErrInvalidArgument if the store already holds a message with that id.
func WithMessageID(id string) SendOption {
	return func(o *SendOptions) {
		o.MessageID = id
	}
}

// WithExtra adds an application metadata field
func WithExtra(key string, value any) SendOption {
	return func(o *SendOptions) {
		if o.Extra == nil {
			o.Extra = make(map[string]any)
		}
		o.Extra[key] = value
	}
}
