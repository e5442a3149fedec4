package config

import (
	"time"

	"github.com/phrazzld/taskqueue/internal/retry"
)

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Broker   BrokerConfig   `mapstructure:"broker" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
	Retry    retry.Policy   `mapstructure:"retry"`
	Auth     AuthConfig     `mapstructure:"auth" validate:"required"`
	Handlers HandlersConfig `mapstructure:"handlers"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	// RequestsPerMinute limits API calls per client IP. Zero disables the limit.
	RequestsPerMinute int `mapstructure:"requests_per_minute" validate:"gte=0"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	// Driver selects the store backend: postgres, or memory for local runs.
	Driver          string        `mapstructure:"driver" validate:"required,oneof=postgres memory"`
	URL             string        `mapstructure:"url" validate:"required_if=Driver postgres"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
}

// BrokerConfig selects and tunes the message broker transport.
type BrokerConfig struct {
	Kind    string `mapstructure:"kind" validate:"required,oneof=memory rabbitmq redis"`
	URL     string `mapstructure:"url" validate:"required_if=Kind rabbitmq"`
	Topic   string `mapstructure:"topic" validate:"required"`
	Workers int    `mapstructure:"workers" validate:"gt=0"`
	// Prefetch is the number of unacknowledged deliveries per worker.
	Prefetch int `mapstructure:"prefetch" validate:"gte=0"`
}

// RedisConfig is used when the broker kind is redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// QueueConfig tunes the outbox publisher, retry scheduler and consumer.
type QueueConfig struct {
	PublishInterval      time.Duration `mapstructure:"publish_interval" validate:"gt=0"`
	PublishBatchSize     int           `mapstructure:"publish_batch_size" validate:"gt=0"`
	PublishRatePerSecond float64       `mapstructure:"publish_rate_per_second" validate:"gte=0"`
	SchedulerInterval    time.Duration `mapstructure:"scheduler_interval" validate:"gt=0"`
	SchedulerBatchSize   int           `mapstructure:"scheduler_batch_size" validate:"gt=0"`
	StuckTaskAge         time.Duration `mapstructure:"stuck_task_age" validate:"gt=0"`
	HandlerTimeout       time.Duration `mapstructure:"handler_timeout" validate:"gt=0"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32"`
	// AdminRole is the role claim required for dead-letter administration.
	AdminRole string `mapstructure:"admin_role" validate:"required"`
}

// HandlersConfig configures the built-in task handlers.
type HandlersConfig struct {
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout" validate:"gt=0"`
	SMTP           SMTPConfig    `mapstructure:"smtp"`
}

// SMTPConfig configures the mailer behind EMAIL tasks. An empty Host
// disables the EMAIL handler.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port" validate:"gte=0,lt=65536"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from" validate:"omitempty,email"`
}
