package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr            string        `env:"WS_ADDR" envDefault:":3002"`
	MaxConnections  int           `env:"WS_MAX_CONNECTIONS" envDefault:"10000"`
	SendBufferSize  int           `env:"WS_SEND_BUFFER_SIZE" envDefault:"256"`
	ShutdownGrace   time.Duration `env:"WS_SHUTDOWN_GRACE" envDefault:"30s"`
	CleanupInterval time.Duration `env:"WS_CLEANUP_INTERVAL" envDefault:"60s"`

	// Session lifecycle
	MaxConnectionsPerUser int           `env:"WS_MAX_CONNECTIONS_PER_USER" envDefault:"5"`
	HeartbeatInterval     time.Duration `env:"WS_HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout      time.Duration `env:"WS_HEARTBEAT_TIMEOUT" envDefault:"60s"`
	AuthTimeout           time.Duration `env:"WS_AUTH_TIMEOUT" envDefault:"10s"`

	// Message queue
	QueueMaxSize    int           `env:"QUEUE_MAX_SIZE" envDefault:"10000"`
	QueueMessageTTL time.Duration `env:"QUEUE_MESSAGE_TTL" envDefault:"5m"`
	QueueAckTimeout time.Duration `env:"QUEUE_ACK_TIMEOUT" envDefault:"30s"`
	QueueMaxRetries int           `env:"QUEUE_MAX_RETRIES" envDefault:"3"`
	QueueAckMode    string        `env:"QUEUE_ACK_MODE" envDefault:"transport"`

	// Subscriptions
	MaxSubscriptionsPerUser int           `env:"SUBSCRIPTION_MAX_PER_USER" envDefault:"50"`
	SubscriptionRateLimit   int           `env:"SUBSCRIPTION_RATE_LIMIT" envDefault:"100"` // messages/minute
	SubscriptionBackend     string        `env:"SUBSCRIPTION_BACKEND" envDefault:"memory"`
	SubscriptionCacheSize   int           `env:"SUBSCRIPTION_CACHE_SIZE" envDefault:"4096"`
	SubscriptionCacheTTL    time.Duration `env:"SUBSCRIPTION_CACHE_TTL" envDefault:"1m"`
	PostgresDSN             string        `env:"POSTGRES_DSN"`
	MongoURI                string        `env:"MONGO_URI"`
	MongoDatabase           string        `env:"MONGO_DATABASE" envDefault:"ws_fanout"`

	// Auth guard
	SessionTimeout       time.Duration `env:"AUTH_SESSION_TIMEOUT" envDefault:"30m"`
	IdleTimeout          time.Duration `env:"AUTH_IDLE_TIMEOUT" envDefault:"5m"`
	ReconnectThreshold   int           `env:"AUTH_RECONNECT_THRESHOLD" envDefault:"10"`
	ReconnectWindow      time.Duration `env:"AUTH_RECONNECT_WINDOW" envDefault:"60s"`
	MaxMessagesPerSec    int           `env:"AUTH_MAX_MESSAGES_PER_SEC" envDefault:"100"`
	MaxFailedAuthAttempt int           `env:"AUTH_MAX_FAILED_ATTEMPTS" envDefault:"5"`
	JWTSecret            string        `env:"JWT_SECRET"`
	JWTIssuer            string        `env:"JWT_ISSUER"`
	AuthDevMode          bool          `env:"AUTH_DEV_MODE" envDefault:"false"`
	RedisAddr            string        `env:"REDIS_ADDR"`
	RedisPassword        string        `env:"REDIS_PASSWORD"`
	RedisDB              int           `env:"REDIS_DB" envDefault:"0"`

	// Connection rate limiting
	ConnRateLimitEnabled     bool    `env:"CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnRateLimitIPBurst     int     `env:"CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate      float64 `env:"CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst int     `env:"CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitGlobalRate  float64 `env:"CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`

	// Resource guard
	MemoryLimit        int64         `env:"WS_MEMORY_LIMIT" envDefault:"536870912"` // 512MB
	CPURejectThreshold float64       `env:"WS_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	MetricsInterval    time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Event ingest
	KafkaBrokers      string `env:"KAFKA_BROKERS"`
	KafkaGroup        string `env:"KAFKA_CONSUMER_GROUP" envDefault:"ws-fanout-group"`
	KafkaTopics       string `env:"KAFKA_TOPICS" envDefault:"transactions,blocks,consensus,validators,network,system"`
	KafkaTopicPrefix  string `env:"KAFKA_TOPIC_PREFIX"`
	NATSURL           string `env:"NATS_URL"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"events"`
	IngestRateLimit   int    `env:"INGEST_RATE_LIMIT" envDefault:"5000"` // events/sec

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Ack modes for queued deliveries.
const (
	AckModeTransport = "transport" // ack once the frame is handed to the connection
	AckModeClient    = "client"    // wait for an explicit ack command
)

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, nothing is logged.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}

	// Range checks
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxConnectionsPerUser < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS_PER_USER must be > 0, got %d", c.MaxConnectionsPerUser)
	}
	if c.QueueMaxSize < 1 {
		return fmt.Errorf("QUEUE_MAX_SIZE must be > 0, got %d", c.QueueMaxSize)
	}
	if c.QueueMaxRetries < 0 {
		return fmt.Errorf("QUEUE_MAX_RETRIES must be >= 0, got %d", c.QueueMaxRetries)
	}
	if c.MaxSubscriptionsPerUser < 1 {
		return fmt.Errorf("SUBSCRIPTION_MAX_PER_USER must be > 0, got %d", c.MaxSubscriptionsPerUser)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("WS_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	// Logical checks
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("WS_HEARTBEAT_TIMEOUT (%s) must be > WS_HEARTBEAT_INTERVAL (%s)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.JWTSecret == "" && !c.AuthDevMode {
		return fmt.Errorf("JWT_SECRET is required unless AUTH_DEV_MODE=true")
	}

	// Enum checks
	switch c.QueueAckMode {
	case AckModeTransport, AckModeClient:
	default:
		return fmt.Errorf("QUEUE_ACK_MODE must be one of: transport, client (got: %s)", c.QueueAckMode)
	}

	switch c.SubscriptionBackend {
	case "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when SUBSCRIPTION_BACKEND=postgres")
		}
	case "mongo":
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required when SUBSCRIPTION_BACKEND=mongo")
		}
	default:
		return fmt.Errorf("SUBSCRIPTION_BACKEND must be one of: memory, postgres, mongo (got: %s)", c.SubscriptionBackend)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Brokers splits KAFKA_BROKERS into a clean list.
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

// Topics splits KAFKA_TOPICS into a clean list.
func (c *Config) Topics() []string {
	return splitList(c.KafkaTopics)
}

func splitList(value string) []string {
	result := []string{}
	for _, part := range strings.Split(value, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Int("max_connections_per_user", c.MaxConnectionsPerUser).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("auth_timeout", c.AuthTimeout).
		Int("queue_max_size", c.QueueMaxSize).
		Dur("queue_ttl", c.QueueMessageTTL).
		Dur("queue_ack_timeout", c.QueueAckTimeout).
		Int("queue_max_retries", c.QueueMaxRetries).
		Str("queue_ack_mode", c.QueueAckMode).
		Int("max_subscriptions_per_user", c.MaxSubscriptionsPerUser).
		Int("subscription_rate_limit", c.SubscriptionRateLimit).
		Str("subscription_backend", c.SubscriptionBackend).
		Dur("session_timeout", c.SessionTimeout).
		Dur("idle_timeout", c.IdleTimeout).
		Bool("auth_dev_mode", c.AuthDevMode).
		Bool("redis_revocation", c.RedisAddr != "").
		Strs("kafka_brokers", c.Brokers()).
		Bool("nats_enabled", c.NATSURL != "").
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
