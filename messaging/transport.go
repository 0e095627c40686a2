package messaging

import (
	"context"
	"time"
)

// The bus core talks to the broker through these minimal primitives. The
// AMQP adapter in internal/amqp implements them for RabbitMQ; tests supply
// in-memory fakes.

// Dialer opens broker connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Connection, error)
}

// Connection is an open broker connection.
type Connection interface {
	// Channel opens a session on the connection.
	Channel() (Channel, error)

	// IsClosed reports whether the transport considers the connection closed.
	IsClosed() bool

	// Close closes the connection and every channel on it.
	Close() error
}

// Channel is a broker session used for declarations, sends and receives.
type Channel interface {
	// DeclareQueue idempotently declares a durable destination.
	DeclareQueue(name string) error

	// BindQueue binds a queue to an exchange for a routing key.
	BindQueue(queue, exchange, routingKey string) error

	// Publish sends one message body. The persistent flag requests that the
	// broker survive a restart without losing the message.
	Publish(ctx context.Context, exchange, routingKey string, body []byte, persistent bool) error

	// Consume starts delivering messages from a queue. The returned channel
	// is closed when the underlying session dies.
	Consume(queue string, autoAck bool) (<-chan Delivery, error)

	// Qos limits the number of unacknowledged deliveries in flight.
	Qos(prefetchCount int) error

	// IsClosed reports whether the session is closed.
	IsClosed() bool

	// Close closes the session.
	Close() error
}

// Delivery is one received message.
type Delivery interface {
	// Body returns the raw message bytes.
	Body() []byte

	// Ack marks the message as handled and removes it from the queue.
	Ack() error

	// Nack rejects the message, optionally requeueing it for redelivery.
	Nack(requeue bool) error
}

// LeasedDelivery is implemented by deliveries from transports with a
// lock/lease model, where the message is held exclusively for a bounded
// time while it is being processed.
type LeasedDelivery interface {
	Delivery

	// RenewLock extends the exclusive hold on the message.
	RenewLock(ctx context.Context) error

	// LockedUntil reports when the current hold expires.
	LockedUntil() time.Time
}
