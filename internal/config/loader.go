package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "AGENTBUS_"

// Load builds the configuration: defaults, then the file at path (skipped
// when empty), then the given .env files, then AGENTBUS_* variables. Missing
// .env files are ignored; a missing config file is an error.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	for _, envFile := range envFiles {
		// godotenv never overrides variables already set in the process
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: unsupported config file extension %q", ErrInvalidConfig, ext)
	}
	return nil
}

// Encode writes cfg in the format matching ext (".yaml", ".yml" or ".toml")
func Encode(cfg Config, ext string) ([]byte, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml", "yaml", "yml":
		return yaml.Marshal(cfg)
	case ".toml", "toml":
		var b strings.Builder
		if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
			return nil, err
		}
		return []byte(b.String()), nil
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidConfig, ext)
	}
}

type envBinding struct {
	key   string
	apply func(cfg *Config, value string) error
}

func stringVar(target func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		*target(cfg) = value
		return nil
	}
}

func intVar(target func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*target(cfg) = n
		return nil
	}
}

func floatVar(target func(*Config) *float64) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		*target(cfg) = f
		return nil
	}
}

func durationVar(target func(*Config) *Duration) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*target(cfg) = Duration(d)
		return nil
	}
}

func listVar(target func(*Config) *[]string) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		*target(cfg) = items
		return nil
	}
}

var envBindings = []envBinding{
	{"SERVER_ADDR", stringVar(func(c *Config) *string { return &c.Server.Addr })},
	{"SERVER_CONNECT_PATH", stringVar(func(c *Config) *string { return &c.Server.ConnectPath })},
	{"SERVER_ALLOWED_ORIGINS", listVar(func(c *Config) *[]string { return &c.Server.AllowedOrigins })},
	{"SERVER_SHUTDOWN_TIMEOUT", durationVar(func(c *Config) *Duration { return &c.Server.ShutdownTimeout })},

	{"BUS_MAX_MESSAGES", intVar(func(c *Config) *int { return &c.Bus.MaxMessages })},
	{"BUS_MESSAGE_RETRY_ATTEMPTS", intVar(func(c *Config) *int { return &c.Bus.MessageRetryAttempts })},
	{"BUS_MESSAGE_RETRY_DELAY", durationVar(func(c *Config) *Duration { return &c.Bus.MessageRetryDelay })},
	{"BUS_MESSAGE_DEFAULT_TTL", durationVar(func(c *Config) *Duration { return &c.Bus.MessageDefaultTTL })},
	{"BUS_CLEANUP_INTERVAL", durationVar(func(c *Config) *Duration { return &c.Bus.CleanupInterval })},
	{"BUS_MESSAGE_RETENTION", durationVar(func(c *Config) *Duration { return &c.Bus.MessageRetention })},
	{"BUS_WRITE_TIMEOUT", durationVar(func(c *Config) *Duration { return &c.Bus.WriteTimeout })},
	{"BUS_CODEC", stringVar(func(c *Config) *string { return &c.Bus.Codec })},
	{"BUS_ACCEPT_VERSIONS", stringVar(func(c *Config) *string { return &c.Bus.AcceptVersions })},
	{"BUS_CORRELATION_POLICY", stringVar(func(c *Config) *string { return &c.Bus.CorrelationPolicy })},
	{"BUS_RATE_LIMIT_PER_SECOND", floatVar(func(c *Config) *float64 { return &c.Bus.RateLimit.PerSecond })},
	{"BUS_RATE_LIMIT_BURST", intVar(func(c *Config) *int { return &c.Bus.RateLimit.Burst })},

	{"LOG_LEVEL", stringVar(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FORMAT", stringVar(func(c *Config) *string { return &c.Log.Format })},

	{"RABBITMQ_URL", stringVar(func(c *Config) *string { return &c.Transports.RabbitMQ.URL })},
	{"RABBITMQ_PREFIX", stringVar(func(c *Config) *string { return &c.Transports.RabbitMQ.Prefix })},
	{"RABBITMQ_AGENTS", listVar(func(c *Config) *[]string { return &c.Transports.RabbitMQ.Agents })},
	{"NATS_URL", stringVar(func(c *Config) *string { return &c.Transports.NATS.URL })},
	{"NATS_PREFIX", stringVar(func(c *Config) *string { return &c.Transports.NATS.Prefix })},
	{"NATS_AGENTS", listVar(func(c *Config) *[]string { return &c.Transports.NATS.Agents })},
	{"REDIS_URL", stringVar(func(c *Config) *string { return &c.Transports.Redis.URL })},
	{"REDIS_PREFIX", stringVar(func(c *Config) *string { return &c.Transports.Redis.Prefix })},
	{"REDIS_AGENTS", listVar(func(c *Config) *[]string { return &c.Transports.Redis.Agents })},
}

// EnvKeys lists every recognised environment variable
func EnvKeys() []string {
	keys := make([]string, len(envBindings))
	for i, b := range envBindings {
		keys[i] = EnvPrefix + b.key
	}
	return keys
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		value, ok := lookup(EnvPrefix + b.key)
		if !ok {
			continue
		}
		if err := b.apply(cfg, value); err != nil {
			return fmt.Errorf("%w: %s%s: %w", ErrInvalidConfig, EnvPrefix, b.key, err)
		}
	}
	return nil
}
