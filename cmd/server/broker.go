package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/taskqueue/internal/broker"
	"github.com/phrazzld/taskqueue/internal/broker/memory"
	"github.com/phrazzld/taskqueue/internal/broker/rabbitmq"
	"github.com/phrazzld/taskqueue/internal/broker/redis"
	"github.com/phrazzld/taskqueue/internal/config"
	"github.com/phrazzld/taskqueue/internal/redact"
)

// setupBroker connects the transport selected by broker.kind.
func setupBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (broker.Broker, error) {
	switch cfg.Broker.Kind {
	case "memory":
		return memory.New(0, cfg.Broker.Workers, logger), nil

	case "rabbitmq":
		b, err := rabbitmq.Dial(cfg.Broker.URL, rabbitmq.Options{
			Workers:      cfg.Broker.Workers,
			Prefetch:     cfg.Broker.Prefetch,
			ConsumerName: serviceName,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to rabbitmq: %s", redact.Error(err))
		}
		logger.Info("connected to rabbitmq", slog.String("topic", cfg.Broker.Topic))
		return b, nil

	case "redis":
		b, err := redis.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			redis.Options{Prefix: serviceName, Workers: cfg.Broker.Workers}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %s", redact.Error(err))
		}
		// Items left in the processing list by a crashed instance go back on the queue.
		if _, err := b.Recover(ctx, cfg.Broker.Topic); err != nil {
			_ = b.Close()
			return nil, err
		}
		logger.Info("connected to redis", slog.String("addr", cfg.Redis.Addr))
		return b, nil

	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
}
