// Package config loads the runtime configuration from YAML with environment
// overrides and assembles a fully wired dispatcher.
package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"dev.helix.dispatch/dlq"
	"dev.helix.dispatch/security/audit"
	"dev.helix.dispatch/security/authn"
	"dev.helix.dispatch/security/authz"
	"dev.helix.dispatch/security/ratelimit"
	"dev.helix.dispatch/security/signing"
	"dev.helix.dispatch/security/validation"
	"dev.helix.dispatch/transport/kafka"
	"dev.helix.dispatch/transport/rabbitmq"
)

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level" yaml:"level"`
	// Development switches to the human-readable console encoder.
	Development bool `json:"development" yaml:"development"`
}

// RoutingConfig holds the static routing settings; rules themselves are
// registered in code through the routing builder.
type RoutingConfig struct {
	DefaultTransport string `json:"default_transport" yaml:"default_transport"`
	FallbackEndpoint string `json:"fallback_endpoint" yaml:"fallback_endpoint"`
	FallbackReason   string `json:"fallback_reason" yaml:"fallback_reason"`
}

// RedisConfig configures the optional Redis backend for distributed rate
// limiting.
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	// KeyPrefix namespaces the rate limit keys.
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// TransportsConfig configures the outbound transports.
type TransportsConfig struct {
	// InprocBuffer is the per-endpoint queue size of the local transport.
	InprocBuffer int `json:"inproc_buffer" yaml:"inproc_buffer"`
	// RabbitMQ is enabled when a URL is set.
	RabbitMQ        rabbitmq.Config `json:"rabbitmq" yaml:"rabbitmq"`
	RabbitMQEnabled bool            `json:"rabbitmq_enabled" yaml:"rabbitmq_enabled"`
	// Kafka is enabled when brokers are set.
	Kafka        kafka.Config `json:"kafka" yaml:"kafka"`
	KafkaEnabled bool         `json:"kafka_enabled" yaml:"kafka_enabled"`
}

// Config is the aggregate runtime configuration.
type Config struct {
	Logging    LoggingConfig           `json:"logging" yaml:"logging"`
	Audit      audit.LoggerConfig      `json:"audit" yaml:"audit"`
	Auth       authn.Config            `json:"auth" yaml:"auth"`
	Authz      authz.Config            `json:"authz" yaml:"authz"`
	Validation validation.Config       `json:"validation" yaml:"validation"`
	RateLimit  ratelimit.Config        `json:"rate_limit" yaml:"rate_limit"`
	Signing    signing.Config          `json:"signing" yaml:"signing"`
	Retry      dlq.RetryConfig         `json:"retry" yaml:"retry"`
	Poison     dlq.PoisonHandlerConfig `json:"poison" yaml:"poison"`
	Routing    RoutingConfig           `json:"routing" yaml:"routing"`
	Redis      RedisConfig             `json:"redis" yaml:"redis"`
	Transports TransportsConfig        `json:"transports" yaml:"transports"`
}

// Default returns the default configuration with every subsystem enabled
// and no external transports.
func Default() Config {
	return Config{
		Logging:    LoggingConfig{Level: "info"},
		Audit:      audit.DefaultLoggerConfig(),
		Auth:       authn.DefaultConfig(),
		Authz:      authz.DefaultConfig(),
		Validation: validation.DefaultConfig(),
		RateLimit:  ratelimit.DefaultConfig(),
		Signing:    signing.DefaultConfig(),
		Retry:      dlq.DefaultRetryConfig(),
		Routing:    RoutingConfig{DefaultTransport: "local"},
		Redis:      RedisConfig{Addr: "localhost:6379", KeyPrefix: "dispatch:ratelimit:"},
		Transports: TransportsConfig{
			InprocBuffer: 64,
			RabbitMQ:     rabbitmq.DefaultConfig(),
			Kafka:        kafka.DefaultConfig(),
		},
	}
}

// Load reads a YAML file over the defaults and applies environment
// overrides. An empty path loads defaults plus environment only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides selected settings from the environment. Secrets are
// env-only so they never live in config files.
func (c *Config) applyEnv() {
	if v := os.Getenv("DISPATCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DISPATCH_AUTH_SIGNING_KEY"); v != "" {
		c.Auth.SigningKey = []byte(v)
	}
	if v := os.Getenv("DISPATCH_AUTH_ISSUER"); v != "" {
		c.Auth.Issuer = v
	}
	if v := os.Getenv("DISPATCH_AUTH_AUDIENCE"); v != "" {
		c.Auth.Audience = v
	}
	if v := os.Getenv("DISPATCH_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("DISPATCH_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("DISPATCH_RABBITMQ_URL"); v != "" {
		c.Transports.RabbitMQ.URL = v
		c.Transports.RabbitMQEnabled = true
	}
	if v := os.Getenv("DISPATCH_KAFKA_BROKERS"); v != "" {
		c.Transports.Kafka.Brokers = strings.Split(v, ",")
		c.Transports.KafkaEnabled = true
	}
}
