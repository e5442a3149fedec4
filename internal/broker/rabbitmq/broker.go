// Package rabbitmq implements the broker over AMQP 0-9-1.
//
// Each topic is a durable queue bound to a direct exchange under the topic
// name. Publishes are persistent and wait for a publisher confirm. Consumers
// ack on success and reject with requeue on failure; messages rejected
// without requeue by other tooling land in the "<queue>-dlx" dead-letter
// queue.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/phrazzld/taskqueue/internal/broker"
)

const (
	dlxSuffix = "-dlx"

	// DeliveryModePersistent survives a broker restart.
	DeliveryModePersistent = amqp.Persistent
)

// ErrNacked is returned when the broker refuses a publish.
var ErrNacked = errors.New("publish not confirmed by broker")

// Options tunes the broker.
type Options struct {
	// Exchange is the direct exchange topics are bound to.
	Exchange string
	// Workers is the number of goroutines handling deliveries per subscription.
	Workers int
	// Prefetch is the channel QoS prefetch count.
	Prefetch int
	// ConsumerName prefixes consumer tags.
	ConsumerName string
}

func (o *Options) applyDefaults() {
	if o.Exchange == "" {
		o.Exchange = "taskqueue"
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.Prefetch <= 0 {
		o.Prefetch = o.Workers
	}
	if o.ConsumerName == "" {
		o.ConsumerName = "taskqueue"
	}
}

// Broker is an AMQP broker. Publishes share one confirm-mode channel;
// each subscription opens its own channel.
type Broker struct {
	conn *amqp.Connection
	opts Options

	mu       sync.Mutex
	pubCh    *amqp.Channel
	declared map[string]bool

	logger *slog.Logger
}

var _ broker.Broker = (*Broker)(nil)

// Dial connects to url and prepares the publish channel.
func Dial(url string, opts Options, logger *slog.Logger) (*Broker, error) {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	b := &Broker{
		conn:     conn,
		opts:     opts,
		declared: make(map[string]bool),
		logger:   logger.With(slog.String("component", "rabbitmq_broker")),
	}
	if err := b.openPublishChannel(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *Broker) openPublishChannel() error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	b.pubCh = ch
	return nil
}

// setup declares the exchange, the topic queue and its dead-letter queue.
func (b *Broker) setup(ch *amqp.Channel, topic string) error {
	dlx := topic + dlxSuffix

	if err := ch.ExchangeDeclare(b.opts.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(dlx, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(dlx, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(dlx, "", dlx, false, nil); err != nil {
		return err
	}

	args := amqp.Table{"x-dead-letter-exchange": dlx}
	if _, err := ch.QueueDeclare(topic, true, false, false, false, args); err != nil {
		return err
	}
	return ch.QueueBind(topic, topic, b.opts.Exchange, false, nil)
}

// Publish implements broker.Publisher.
func (b *Broker) Publish(ctx context.Context, topic string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn.IsClosed() {
		return broker.ErrClosed
	}
	if b.pubCh == nil || b.pubCh.IsClosed() {
		if err := b.openPublishChannel(); err != nil {
			return err
		}
		b.declared = make(map[string]bool)
	}
	if !b.declared[topic] {
		if err := b.setup(b.pubCh, topic); err != nil {
			return fmt.Errorf("failed to declare topology for %s: %w", topic, err)
		}
		b.declared[topic] = true
	}

	confirm, err := b.pubCh.PublishWithDeferredConfirmWithContext(ctx, b.opts.Exchange, topic, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: DeliveryModePersistent,
			MessageId:    xid.New().String(),
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrNacked
	}
	return nil
}

// Subscribe implements broker.Subscriber. It returns when ctx is done or the
// connection closes.
func (b *Broker) Subscribe(ctx context.Context, topic string, fn broker.DeliveryFunc) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := b.setup(ch, topic); err != nil {
		return fmt.Errorf("failed to declare topology for %s: %w", topic, err)
	}
	if err := ch.Qos(b.opts.Prefetch, 0, false); err != nil {
		return err
	}

	tag := b.opts.ConsumerName + "-" + xid.New().String()
	deliveries, err := ch.Consume(topic, tag, false, false, false, false, nil)
	if err != nil {
		return err
	}

	log := b.logger.With(slog.String("topic", topic), slog.String("consumer_tag", tag))
	log.Info("subscribed", slog.Int("workers", b.opts.Workers))

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		select {
		case <-egCtx.Done():
			return ch.Cancel(tag, false)
		case amqpErr := <-ch.NotifyClose(make(chan *amqp.Error, 1)):
			if amqpErr != nil {
				return amqpErr
			}
			return broker.ErrClosed
		}
	})

	for i := 0; i < b.opts.Workers; i++ {
		eg.Go(func() error {
			for delivery := range deliveries {
				handleErr := fn(egCtx, delivery.Body)
				if ackErr := acknowledge(&delivery, handleErr); ackErr != nil {
					return ackErr
				}
				if handleErr != nil {
					log.Warn("delivery rejected for redelivery",
						slog.String("message_id", delivery.MessageId),
						slog.String("error", handleErr.Error()))
				}
			}
			return nil
		})
	}

	err = eg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func acknowledge(d *amqp.Delivery, err error) error {
	if err == nil {
		return d.Ack(false)
	}
	return d.Reject(true)
}

// Close implements broker.Broker.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}
