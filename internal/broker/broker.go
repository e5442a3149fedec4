// Package broker defines the message transport the outbox publisher sends
// to and the consumer receives from. Delivery is at-least-once; consumers
// must tolerate duplicates.
//
// Implementations live in the rabbitmq, redis and memory subpackages.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker closed")

// DeliveryFunc handles one message. Returning nil acknowledges it; an error
// asks the broker to redeliver.
type DeliveryFunc func(ctx context.Context, body []byte) error

// Publisher sends messages to a topic. A nil error means the broker
// accepted the message durably.
type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte) error
}

// Subscriber receives messages from a topic. Subscribe blocks until ctx is
// done or the transport fails.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, fn DeliveryFunc) error
}

// Broker is a full transport.
type Broker interface {
	Publisher
	Subscriber
	Close() error
}
