// Package memory is an in-process broker over buffered channels, for tests
// and single-process development runs. Messages do not survive a restart.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/taskqueue/internal/broker"
	"golang.org/x/sync/errgroup"
)

// DefaultBuffer is the per-topic channel capacity.
const DefaultBuffer = 1024

// Broker is a channel-backed broker. A failed delivery is put back on its
// topic after RedeliveryDelay.
type Broker struct {
	mu      sync.Mutex
	topics  map[string]chan []byte
	buffer  int
	workers int
	closed  chan struct{}
	once    sync.Once

	// RedeliveryDelay is the pause before a failed message is requeued.
	RedeliveryDelay time.Duration

	logger *slog.Logger
}

var _ broker.Broker = (*Broker)(nil)

// New creates a broker with the given per-topic buffer and subscriber worker count.
func New(buffer, workers int, logger *slog.Logger) *Broker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		topics:          make(map[string]chan []byte),
		buffer:          buffer,
		workers:         workers,
		closed:          make(chan struct{}),
		RedeliveryDelay: 100 * time.Millisecond,
		logger:          logger.With(slog.String("component", "memory_broker")),
	}
}

func (b *Broker) topic(name string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.topics[name]
	if !ok {
		ch = make(chan []byte, b.buffer)
		b.topics[name] = ch
	}
	return ch
}

// Publish implements broker.Publisher. It blocks while the topic is full.
func (b *Broker) Publish(ctx context.Context, topic string, body []byte) error {
	select {
	case <-b.closed:
		return broker.ErrClosed
	default:
	}

	msg := make([]byte, len(body))
	copy(msg, body)

	select {
	case b.topic(topic) <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closed:
		return broker.ErrClosed
	}
}

// Subscribe implements broker.Subscriber. It returns once ctx is done and
// every worker and pending redelivery has stopped.
func (b *Broker) Subscribe(ctx context.Context, topic string, fn broker.DeliveryFunc) error {
	ch := b.topic(topic)
	eg, egCtx := errgroup.WithContext(ctx)

	for i := 0; i < b.workers; i++ {
		eg.Go(func() error {
			for {
				select {
				case <-egCtx.Done():
					return nil
				case <-b.closed:
					return nil
				case msg := <-ch:
					if err := fn(egCtx, msg); err != nil {
						b.logger.Warn("delivery failed, requeueing",
							slog.String("topic", topic),
							slog.String("error", err.Error()))
						eg.Go(func() error {
							b.requeue(egCtx, topic, ch, msg)
							return nil
						})
					}
				}
			}
		})
	}
	return eg.Wait()
}

// requeue runs off the worker goroutines so a full topic cannot stall the
// workers that would drain it.
func (b *Broker) requeue(ctx context.Context, topic string, ch chan []byte, msg []byte) {
	timer := time.NewTimer(b.RedeliveryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return
	case <-b.closed:
		return
	}
	select {
	case ch <- msg:
	case <-ctx.Done():
		b.logger.Warn("subscriber stopped, dropping redelivery", slog.String("topic", topic))
	case <-b.closed:
	}
}

// Len reports how many messages wait on a topic.
func (b *Broker) Len(topic string) int {
	return len(b.topic(topic))
}

// Close implements broker.Broker. Pending messages are dropped.
func (b *Broker) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}
