package configs

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	QueueTypeSQS   = "sqs"
	QueueTypeRedis = "redis"
)

// Config defines all environment variables and derived config for the consumer and producer.
type Config struct {
	// Transformed time.Duration fields (not loaded from env directly)
	QueueWaitTimeDuration          time.Duration `env:"-"`
	QueueVisibilityTimeoutDuration time.Duration `env:"-"`
	PollingIntervalDuration        time.Duration `env:"-"`
	DrainTimeoutDuration           time.Duration `env:"-"`
	ProducerTickIntervalDuration   time.Duration `env:"-"`
	ProducerInitialBackoffDuration time.Duration `env:"-"`
	ProducerMaxBackoffDuration     time.Duration `env:"-"`
	ProducerDelayDuration          time.Duration `env:"-"`

	QueueType                     string `env:"QUEUE_TYPE" envDefault:"sqs"`
	QueueAwsSqsRegion             string `env:"QUEUE_AWS_SQS_REGION"`
	QueueAwsSqsUrl                string `env:"QUEUE_AWS_SQS_URL"`
	QueueAwsSqsEndpoint           string `env:"QUEUE_AWS_SQS_ENDPOINT"`
	QueueRedisEndpoint            string `env:"QUEUE_REDIS_ENDPOINT"`
	QueueRedisDB                  int    `env:"QUEUE_REDIS_DB" envDefault:"0"`
	QueueRedisKeyPrefix           string `env:"QUEUE_REDIS_KEY_PREFIX" envDefault:"queue"`
	QueueWaitTimeSeconds          int32  `env:"QUEUE_WAIT_TIME_SECONDS" envDefault:"20"`
	QueueVisibilityTimeoutSeconds int32  `env:"QUEUE_VISIBILITY_TIMEOUT_SECONDS" envDefault:"30"`
	QueueMaxMessages              int32  `env:"QUEUE_MAX_MESSAGES" envDefault:"10"`

	PollingInterval            int32 `env:"POLLING_INTERVAL" envDefault:"0"`
	ConsumerHandlerConcurrency int   `env:"CONSUMER_HANDLER_CONCURRENCY" envDefault:"10"`
	DrainTimeout               int   `env:"DRAIN_TIMEOUT_SECONDS" envDefault:"30"`

	ProducerTickInterval     int     `env:"PRODUCER_TICK_INTERVAL_SECONDS" envDefault:"1"`
	ProducerMaxAttempts      int     `env:"PRODUCER_MAX_ATTEMPTS" envDefault:"5"`
	ProducerInitialBackoffMs int     `env:"PRODUCER_INITIAL_BACKOFF_MS" envDefault:"200"`
	ProducerMaxBackoffMs     int     `env:"PRODUCER_MAX_BACKOFF_MS" envDefault:"5000"`
	ProducerPendingLimit     int     `env:"PRODUCER_PENDING_LIMIT" envDefault:"100"`
	ProducerSendRate         float64 `env:"PRODUCER_SEND_RATE" envDefault:"0"`
	ProducerDelaySeconds     int32   `env:"PRODUCER_DELAY_SECONDS" envDefault:"0"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	OtelEnabled     bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OtelEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelServiceName string `env:"OTEL_SERVICE_NAME"`

	LeaderElectionEnabled  bool   `env:"LEADER_ELECTION_ENABLED" envDefault:"false"`
	LeaderElectionLockName string `env:"LEADER_ELECTION_LOCK_NAME" envDefault:"sqs-relay-lock"`
	PodName                string `env:"POD_NAME"`
	PodNamespace           string `env:"POD_NAMESPACE"`
}

// Parse loads configuration from environment variables, validates and normalizes it.
func Parse() (*Config, error) {
	return ParseWithOptions(env.Options{})
}

// ParseWithOptions is Parse with explicit env options, e.g. a fixed Environment map.
func ParseWithOptions(opts env.Options) (*Config, error) {
	var cfg Config

	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.normalize()

	return &cfg, nil
}

// validate performs all required configuration checks.
func (c *Config) validate() error {
	if c.QueueType != QueueTypeSQS && c.QueueType != QueueTypeRedis {
		return errors.New("QUEUE_TYPE must be 'sqs' or 'redis'")
	}

	if c.QueueType == QueueTypeSQS {
		if c.QueueAwsSqsRegion == "" {
			return errors.New("QUEUE_AWS_SQS_REGION is required for SQS queue type")
		}
		if c.QueueAwsSqsUrl == "" {
			return errors.New("QUEUE_AWS_SQS_URL is required for SQS queue type")
		}
	}

	if c.QueueType == QueueTypeRedis && c.QueueRedisEndpoint == "" {
		return errors.New("QUEUE_REDIS_ENDPOINT is required for Redis queue type")
	}

	if c.QueueWaitTimeSeconds < 0 || c.QueueWaitTimeSeconds > 20 {
		return errors.New("QUEUE_WAIT_TIME_SECONDS must be between 0 and 20")
	}

	if c.QueueVisibilityTimeoutSeconds <= 0 || c.QueueVisibilityTimeoutSeconds > 43200 {
		return errors.New("QUEUE_VISIBILITY_TIMEOUT_SECONDS must be between 1 and 43200")
	}

	if c.QueueMaxMessages <= 0 || c.QueueMaxMessages > 10 {
		return errors.New("QUEUE_MAX_MESSAGES must be between 1 and 10")
	}

	if c.PollingInterval < 0 {
		return errors.New("POLLING_INTERVAL must not be negative")
	}

	if c.ConsumerHandlerConcurrency <= 0 {
		return errors.New("CONSUMER_HANDLER_CONCURRENCY must be greater than 0")
	}

	if c.DrainTimeout < 0 {
		return errors.New("DRAIN_TIMEOUT_SECONDS must not be negative")
	}

	if c.ProducerTickInterval <= 0 {
		return errors.New("PRODUCER_TICK_INTERVAL_SECONDS must be greater than 0")
	}

	if c.ProducerMaxAttempts <= 0 {
		return errors.New("PRODUCER_MAX_ATTEMPTS must be greater than 0")
	}

	if c.ProducerInitialBackoffMs <= 0 || c.ProducerMaxBackoffMs < c.ProducerInitialBackoffMs {
		return errors.New("PRODUCER_INITIAL_BACKOFF_MS must be greater than 0 and not above PRODUCER_MAX_BACKOFF_MS")
	}

	if c.ProducerPendingLimit <= 0 {
		return errors.New("PRODUCER_PENDING_LIMIT must be greater than 0")
	}

	if c.ProducerSendRate < 0 {
		return errors.New("PRODUCER_SEND_RATE must not be negative")
	}

	if c.ProducerDelaySeconds < 0 || c.ProducerDelaySeconds > 900 {
		return errors.New("PRODUCER_DELAY_SECONDS must be between 0 and 900")
	}

	if c.OtelEnabled && c.OtelEndpoint == "" {
		return errors.New("OTEL_EXPORTER_OTLP_ENDPOINT is required when OTEL_ENABLED is true")
	}

	if c.LeaderElectionEnabled {
		if c.PodName == "" {
			return errors.New("POD_NAME is required when LEADER_ELECTION_ENABLED is true")
		}
		if c.PodNamespace == "" {
			return errors.New("POD_NAMESPACE is required when LEADER_ELECTION_ENABLED is true")
		}
	}

	return nil
}

// normalize converts int values to duration and sets derived fields.
func (c *Config) normalize() {
	c.QueueWaitTimeDuration = time.Duration(c.QueueWaitTimeSeconds) * time.Second
	c.QueueVisibilityTimeoutDuration = time.Duration(c.QueueVisibilityTimeoutSeconds) * time.Second
	c.PollingIntervalDuration = time.Duration(c.PollingInterval) * time.Second
	c.DrainTimeoutDuration = time.Duration(c.DrainTimeout) * time.Second
	c.ProducerTickIntervalDuration = time.Duration(c.ProducerTickInterval) * time.Second
	c.ProducerInitialBackoffDuration = time.Duration(c.ProducerInitialBackoffMs) * time.Millisecond
	c.ProducerMaxBackoffDuration = time.Duration(c.ProducerMaxBackoffMs) * time.Millisecond
	c.ProducerDelayDuration = time.Duration(c.ProducerDelaySeconds) * time.Second
}

// ServiceName returns OTEL_SERVICE_NAME or the given fallback.
func (c *Config) ServiceName(fallback string) string {
	if c.OtelServiceName != "" {
		return c.OtelServiceName
	}
	return fallback
}
