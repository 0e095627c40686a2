// Package amqptransport adapts the rabbitmq/amqp091-go client to the
// messaging transport interfaces.
package amqptransport

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pagefold/eventbus/messaging"
)

// Dialer opens AMQP connections.
type Dialer struct{}

// NewDialer creates an AMQP dialer.
func NewDialer() *Dialer {
	return &Dialer{}
}

// Dial implements messaging.Dialer. amqp.Dial has no context hook, so the
// dial runs on its own goroutine and the context bounds the wait.
func (d *Dialer) Dial(ctx context.Context, url string) (messaging.Connection, error) {
	type result struct {
		conn *amqp.Connection
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		conn, err := amqp.Dial(url)
		ch <- result{conn: conn, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return &connection{conn: res.conn}, nil
	case <-ctx.Done():
		// The dial goroutine closes the late connection on its own.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

type connection struct {
	conn *amqp.Connection
}

func (c *connection) Channel() (messaging.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &channel{ch: ch, done: make(chan struct{})}, nil
}

func (c *connection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *connection) Close() error {
	return c.conn.Close()
}

type channel struct {
	ch        *amqp.Channel
	done      chan struct{}
	closeOnce sync.Once
}

func (c *channel) DeclareQueue(name string) error {
	_, err := c.ch.QueueDeclare(
		name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	return err
}

func (c *channel) BindQueue(queue, exchange, routingKey string) error {
	return c.ch.QueueBind(queue, routingKey, exchange, false, nil)
}

func (c *channel) Publish(ctx context.Context, exchange, routingKey string, body []byte, persistent bool) error {
	deliveryMode := amqp.Transient
	if persistent {
		deliveryMode = amqp.Persistent
	}

	return c.ch.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: deliveryMode,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

func (c *channel) Consume(queue string, autoAck bool) (<-chan messaging.Delivery, error) {
	deliveries, err := c.ch.Consume(
		queue,
		"",    // consumer tag
		autoAck,
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, err
	}

	out := make(chan messaging.Delivery)
	go bridgeDeliveries(deliveries, out, c.done)
	return out, nil
}

// bridgeDeliveries forwards amqp deliveries until the source channel closes
// or done is closed. The done case unparks a forward stalled by a consumer
// that stopped reading before the session died.
func bridgeDeliveries(in <-chan amqp.Delivery, out chan<- messaging.Delivery, done <-chan struct{}) {
	defer close(out)
	for d := range in {
		select {
		case out <- &delivery{d: d}:
		case <-done:
			return
		}
	}
}

func (c *channel) Qos(prefetchCount int) error {
	return c.ch.Qos(prefetchCount, 0, false)
}

func (c *channel) IsClosed() bool {
	return c.ch.IsClosed()
}

func (c *channel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.ch.Close()
}

type delivery struct {
	d amqp.Delivery
}

func (d *delivery) Body() []byte {
	return d.d.Body
}

func (d *delivery) Ack() error {
	return d.d.Ack(false)
}

func (d *delivery) Nack(requeue bool) error {
	return d.d.Nack(false, requeue)
}
