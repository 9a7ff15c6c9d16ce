// Package config loads the agentbus server configuration from a YAML or TOML
// file, .env files and AGENTBUS_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/unidel2035/agentbus/interceptors"
	"github.com/unidel2035/agentbus/messaging"
	"github.com/unidel2035/agentbus/serialization"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Duration is a time.Duration read from a Go duration string such as "5s"
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the server configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Bus        BusConfig        `yaml:"bus" toml:"bus"`
	Log        LogConfig        `yaml:"log" toml:"log"`
	Transports TransportsConfig `yaml:"transports" toml:"transports"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Addr            string   `yaml:"addr" toml:"addr"`
	ConnectPath     string   `yaml:"connect_path" toml:"connect_path"`
	AllowedOrigins  []string `yaml:"allowed_origins" toml:"allowed_origins"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// BusConfig mirrors messaging.Config
type BusConfig struct {
	MaxMessages          int             `yaml:"max_messages" toml:"max_messages"`
	MessageRetryAttempts int             `yaml:"message_retry_attempts" toml:"message_retry_attempts"`
	MessageRetryDelay    Duration        `yaml:"message_retry_delay" toml:"message_retry_delay"`
	MessageDefaultTTL    Duration        `yaml:"message_default_ttl" toml:"message_default_ttl"`
	CleanupInterval      Duration        `yaml:"cleanup_interval" toml:"cleanup_interval"`
	MessageRetention     Duration        `yaml:"message_retention" toml:"message_retention"`
	WriteTimeout         Duration        `yaml:"write_timeout" toml:"write_timeout"`
	Codec                string          `yaml:"codec" toml:"codec"`
	AcceptVersions       string          `yaml:"accept_versions" toml:"accept_versions"`
	CorrelationPolicy    string          `yaml:"correlation_policy" toml:"correlation_policy"`
	RateLimit            RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// RateLimitConfig bounds inbound frames per agent. Zero disables limiting.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second" toml:"per_second"`
	Burst     int     `yaml:"burst" toml:"burst"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // text or json
}

// TransportsConfig lists the broker transports to attach at startup
type TransportsConfig struct {
	RabbitMQ BrokerConfig `yaml:"rabbitmq" toml:"rabbitmq"`
	NATS     BrokerConfig `yaml:"nats" toml:"nats"`
	Redis    BrokerConfig `yaml:"redis" toml:"redis"`
}

// BrokerConfig names a broker and the agents reachable through it. A broker
// with no URL is disabled.
type BrokerConfig struct {
	URL    string   `yaml:"url" toml:"url"`
	Prefix string   `yaml:"prefix" toml:"prefix"`
	Agents []string `yaml:"agents" toml:"agents"`
}

// Enabled reports whether the broker should be dialed
func (b BrokerConfig) Enabled() bool {
	return b.URL != "" && len(b.Agents) > 0
}

// Default returns the configuration used when nothing overrides it
func Default() Config {
	bus := messaging.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ConnectPath:     "/agents/connect",
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Bus: BusConfig{
			MaxMessages:          bus.MaxMessages,
			MessageRetryAttempts: bus.MessageRetryAttempts,
			MessageRetryDelay:    Duration(bus.MessageRetryDelay),
			MessageDefaultTTL:    Duration(bus.MessageDefaultTTL),
			CleanupInterval:      Duration(bus.CleanupInterval),
			MessageRetention:     Duration(bus.MessageRetention),
			WriteTimeout:         Duration(bus.WriteTimeout),
			Codec:                "json",
			AcceptVersions:       bus.AcceptVersions,
			CorrelationPolicy:    bus.CorrelationPolicy.String(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Transports: TransportsConfig{
			RabbitMQ: BrokerConfig{Prefix: "agentbus"},
			NATS:     BrokerConfig{Prefix: "agentbus"},
			Redis:    BrokerConfig{Prefix: "agentbus"},
		},
	}
}

// Validate checks values the bus would reject or misuse
func (c Config) Validate() error {
	var problems []string

	if c.Server.Addr == "" {
		problems = append(problems, "server.addr is required")
	}
	if !strings.HasPrefix(c.Server.ConnectPath, "/") {
		problems = append(problems, "server.connect_path must start with /")
	}
	if c.Bus.MaxMessages <= 0 {
		problems = append(problems, "bus.max_messages must be positive")
	}
	if c.Bus.MessageRetryAttempts < 0 {
		problems = append(problems, "bus.message_retry_attempts must not be negative")
	}
	if c.Bus.MessageRetryDelay <= 0 || c.Bus.MessageDefaultTTL <= 0 || c.Bus.CleanupInterval <= 0 || c.Bus.WriteTimeout <= 0 {
		problems = append(problems, "bus intervals must be positive")
	}
	if _, ok := messaging.ParseCorrelationPolicy(c.Bus.CorrelationPolicy); !ok {
		problems = append(problems, fmt.Sprintf("unknown bus.correlation_policy %q", c.Bus.CorrelationPolicy))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		problems = append(problems, fmt.Sprintf("unknown log.format %q", c.Log.Format))
	}
	for name, broker := range map[string]BrokerConfig{
		"rabbitmq": c.Transports.RabbitMQ,
		"nats":     c.Transports.NATS,
		"redis":    c.Transports.Redis,
	} {
		if len(broker.Agents) > 0 && broker.URL == "" {
			problems = append(problems, fmt.Sprintf("transports.%s.url is required when agents are listed", name))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// BusOptions converts the bus section into messaging options
func (c Config) BusOptions() ([]messaging.Option, error) {
	codec, err := serialization.Lookup(c.Bus.Codec)
	if err != nil {
		return nil, fmt.Errorf("%w: bus.codec: %w", ErrInvalidConfig, err)
	}
	policy, ok := messaging.ParseCorrelationPolicy(c.Bus.CorrelationPolicy)
	if !ok {
		return nil, fmt.Errorf("%w: unknown bus.correlation_policy %q", ErrInvalidConfig, c.Bus.CorrelationPolicy)
	}

	opts := []messaging.Option{
		messaging.WithMaxMessages(c.Bus.MaxMessages),
		messaging.WithMessageRetryAttempts(c.Bus.MessageRetryAttempts),
		messaging.WithMessageRetryDelay(c.Bus.MessageRetryDelay.Std()),
		messaging.WithMessageDefaultTTL(c.Bus.MessageDefaultTTL.Std()),
		messaging.WithCleanupInterval(c.Bus.CleanupInterval.Std()),
		messaging.WithMessageRetention(c.Bus.MessageRetention.Std()),
		messaging.WithWriteTimeout(c.Bus.WriteTimeout.Std()),
		messaging.WithCodec(codec),
		messaging.WithAcceptVersions(c.Bus.AcceptVersions),
		messaging.WithCorrelationPolicy(policy),
	}
	if c.Bus.RateLimit.PerSecond > 0 {
		burst := c.Bus.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter := interceptors.NewAgentRateLimiter(c.Bus.RateLimit.PerSecond, burst)
		opts = append(opts, messaging.WithInterceptors(interceptors.NewRateLimitingInterceptor(limiter)))
	}
	return opts, nil
}

// NewLogger builds a slog logger writing to w
func (c LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	switch c.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("%w: unknown log.format %q", ErrInvalidConfig, c.Format)
	}
}

func parseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("unknown log.level %q", name)
	}
	return level, nil
}
