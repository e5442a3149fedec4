package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. TASKQUEUE_SERVER_PORT.
const EnvPrefix = "TASKQUEUE"

// setDefaults registers a default for every key that has one. Keys without
// a default (database.url, auth.jwt_secret) must come from the environment
// or a config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.requests_per_minute", 600)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("broker.kind", "rabbitmq")
	v.SetDefault("broker.topic", "task-queue")
	v.SetDefault("broker.workers", 4)
	v.SetDefault("broker.prefetch", 1)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("queue.publish_interval", "5s")
	v.SetDefault("queue.publish_batch_size", 100)
	v.SetDefault("queue.publish_rate_per_second", 0)
	v.SetDefault("queue.scheduler_interval", "1s")
	v.SetDefault("queue.scheduler_batch_size", 100)
	v.SetDefault("queue.stuck_task_age", "30m")
	v.SetDefault("queue.handler_timeout", "30s")

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_backoff", "5s")
	v.SetDefault("retry.multiplier", 3.0)
	v.SetDefault("retry.max_backoff", "0s")

	v.SetDefault("auth.admin_role", "admin")

	v.SetDefault("handlers.webhook_timeout", "10s")
	v.SetDefault("handlers.smtp.port", 587)
}

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// A .env file in the working directory is loaded first when present.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	return load(v)
}

// LoadFile loads configuration from the given YAML file plus the environment.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about, so keys
	// without defaults are bound explicitly.
	for _, key := range []string{"database.url", "auth.jwt_secret", "broker.url", "redis.password",
		"handlers.smtp.host", "handlers.smtp.username", "handlers.smtp.password", "handlers.smtp.from"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and the retry policy.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := cfg.Retry.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}
