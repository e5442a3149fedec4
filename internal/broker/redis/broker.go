// Package redis implements the broker over Redis lists.
//
// A topic is the list "<prefix>:<topic>". Publish pushes on the left;
// consumers atomically move the right-most item into "<list>:processing",
// remove it from there on success, and push it back onto the topic on
// failure. Items stranded in a processing list by a crash are returned to
// the topic by Recover.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/phrazzld/taskqueue/internal/broker"
)

// Options tunes the broker.
type Options struct {
	// Prefix namespaces the list keys.
	Prefix string
	// Workers is the number of concurrent consumers per subscription.
	Workers int
	// PollTimeout bounds each blocking pop so cancellation is noticed.
	PollTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.Prefix == "" {
		o.Prefix = "taskqueue"
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = time.Second
	}
}

// Broker is a Redis list broker.
type Broker struct {
	client goredis.UniversalClient
	opts   Options
	logger *slog.Logger
}

var _ broker.Broker = (*Broker)(nil)

// New wraps an existing client. Close closes it.
func New(client goredis.UniversalClient, opts Options, logger *slog.Logger) *Broker {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		client: client,
		opts:   opts,
		logger: logger.With(slog.String("component", "redis_broker")),
	}
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr, password string, db int, opts Options, logger *slog.Logger) (*Broker, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return New(client, opts, logger), nil
}

// Key returns the list key for a topic.
func (b *Broker) Key(topic string) string {
	return b.opts.Prefix + ":" + topic
}

// ProcessingKey returns the in-flight list key for a topic.
func (b *Broker) ProcessingKey(topic string) string {
	return b.Key(topic) + ":processing"
}

// Publish implements broker.Publisher.
func (b *Broker) Publish(ctx context.Context, topic string, body []byte) error {
	if err := b.client.LPush(ctx, b.Key(topic), body).Err(); err != nil {
		if errors.Is(err, goredis.ErrClosed) {
			return broker.ErrClosed
		}
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

// Subscribe implements broker.Subscriber.
func (b *Broker) Subscribe(ctx context.Context, topic string, fn broker.DeliveryFunc) error {
	if _, err := b.Recover(ctx, topic); err != nil {
		return err
	}

	key, processing := b.Key(topic), b.ProcessingKey(topic)
	log := b.logger.With(slog.String("topic", topic))
	log.Info("subscribed", slog.Int("workers", b.opts.Workers))

	eg, egCtx := errgroup.WithContext(ctx)
	for i := 0; i < b.opts.Workers; i++ {
		eg.Go(func() error {
			for egCtx.Err() == nil {
				msg, err := b.client.BLMove(egCtx, key, processing, "RIGHT", "LEFT", b.opts.PollTimeout).Result()
				if errors.Is(err, goredis.Nil) {
					continue
				}
				if err != nil {
					if egCtx.Err() != nil {
						return nil
					}
					return fmt.Errorf("failed to receive: %w", err)
				}

				if handleErr := fn(egCtx, []byte(msg)); handleErr != nil {
					log.Warn("delivery failed, requeueing", slog.String("error", handleErr.Error()))
					if err := b.requeue(context.WithoutCancel(egCtx), key, processing, msg); err != nil {
						return err
					}
					continue
				}
				if err := b.client.LRem(context.WithoutCancel(egCtx), processing, 1, msg).Err(); err != nil {
					return fmt.Errorf("failed to ack: %w", err)
				}
			}
			return nil
		})
	}

	err := eg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (b *Broker) requeue(ctx context.Context, key, processing, msg string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LRem(ctx, processing, 1, msg)
		pipe.LPush(ctx, key, msg)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to requeue: %w", err)
	}
	return nil
}

// Recover moves every in-flight item of a topic back onto the topic and
// returns how many were moved. Call it only when no consumer is running.
func (b *Broker) Recover(ctx context.Context, topic string) (int, error) {
	key, processing := b.Key(topic), b.ProcessingKey(topic)
	moved := 0
	for {
		err := b.client.LMove(ctx, processing, key, "LEFT", "RIGHT").Err()
		if errors.Is(err, goredis.Nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("failed to recover in-flight messages: %w", err)
		}
		moved++
	}
	if moved > 0 {
		b.logger.Warn("recovered in-flight messages", slog.String("topic", topic), slog.Int("count", moved))
	}
	return moved, nil
}

// Close implements broker.Broker.
func (b *Broker) Close() error {
	return b.client.Close()
}
