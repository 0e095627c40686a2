// Package eventbus is the entry point for pipeline stages: it wires a
// publisher, a subscriber and the startup requeue from one configuration.
package eventbus

import (
	"context"
	"log/slog"
	"time"

	"github.com/pagefold/eventbus/contracts"
	amqptransport "github.com/pagefold/eventbus/internal/amqp"
	"github.com/pagefold/eventbus/messaging"
)

// ClientConfig configures a stage's bus client.
type ClientConfig struct {
	// BrokerURL is the broker connection string.
	BrokerURL string

	// Queue is the stage's receive queue.
	Queue string

	// Exchange carries the pipeline's events.
	Exchange string

	// PrefetchCount limits unacknowledged deliveries in flight.
	PrefetchCount int

	// ReconnectBaseDelay and ReconnectMaxAttempts configure both
	// connection guards. Zero attempts disables reconnection.
	ReconnectBaseDelay   time.Duration
	ReconnectMaxAttempts int
}

// Client bundles the bus facilities of one stage process. The intended
// lifecycle: NewClient, Connect, RequeueIncomplete for each recovery spec,
// Subscribe callbacks, Start, and on shutdown Stop and Close.
type Client struct {
	publisher  *messaging.Publisher
	subscriber *messaging.Subscriber
	requeuer   *messaging.Requeuer
	exchange   string
	logger     *slog.Logger
}

type clientOptions struct {
	logger    *slog.Logger
	dialer    messaging.Dialer
	validator messaging.SchemaValidator
	metrics   messaging.MetricsSink
	store     messaging.DocumentStore
	registrar messaging.LeaseRegistrar
}

// ClientOption configures the Client.
type ClientOption func(*clientOptions)

// WithLogger sets the logger for every component of the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithDialer overrides the transport dialer. The default dials AMQP.
func WithDialer(dialer messaging.Dialer) ClientOption {
	return func(o *clientOptions) {
		o.dialer = dialer
	}
}

// WithValidator enables schema validation of outgoing envelopes.
func WithValidator(validator messaging.SchemaValidator) ClientOption {
	return func(o *clientOptions) {
		o.validator = validator
	}
}

// WithMetrics sets the metrics sink used by the startup requeue.
func WithMetrics(metrics messaging.MetricsSink) ClientOption {
	return func(o *clientOptions) {
		o.metrics = metrics
	}
}

// WithDocumentStore enables the startup requeue against the given store.
func WithDocumentStore(store messaging.DocumentStore) ClientOption {
	return func(o *clientOptions) {
		o.store = store
	}
}

// WithLeaseRegistrar enables lease renewal for lock/lease transports.
func WithLeaseRegistrar(registrar messaging.LeaseRegistrar) ClientOption {
	return func(o *clientOptions) {
		o.registrar = registrar
	}
}

// NewClient creates a client. Configuration problems surface here as
// contracts.ConfigError, not at first use.
func NewClient(cfg ClientConfig, options ...ClientOption) (*Client, error) {
	opts := clientOptions{
		logger:  slog.Default(),
		metrics: messaging.NoopMetrics{},
	}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.dialer == nil {
		opts.dialer = amqptransport.NewDialer()
	}

	pubOpts := []messaging.PublisherOption{
		messaging.WithPublisherLogger(opts.logger),
	}
	if opts.validator != nil {
		pubOpts = append(pubOpts, messaging.WithValidator(opts.validator))
	}

	publisher, err := messaging.NewPublisher(messaging.PublisherConfig{
		URL:                  cfg.BrokerURL,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
	}, opts.dialer, pubOpts...)
	if err != nil {
		return nil, err
	}

	subOpts := []messaging.SubscriberOption{
		messaging.WithSubscriberLogger(opts.logger),
	}
	if opts.registrar != nil {
		subOpts = append(subOpts, messaging.WithLeaseRegistrar(opts.registrar))
	}

	subscriber, err := messaging.NewSubscriber(messaging.SubscriberConfig{
		URL:                  cfg.BrokerURL,
		Queue:                cfg.Queue,
		Exchange:             cfg.Exchange,
		PrefetchCount:        cfg.PrefetchCount,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
	}, opts.dialer, subOpts...)
	if err != nil {
		return nil, err
	}

	c := &Client{
		publisher:  publisher,
		subscriber: subscriber,
		exchange:   cfg.Exchange,
		logger:     opts.logger,
	}

	if opts.store != nil {
		requeuer, err := messaging.NewRequeuer(opts.store, publisher, cfg.Exchange,
			messaging.WithRequeueLogger(opts.logger),
			messaging.WithRequeueMetrics(opts.metrics),
		)
		if err != nil {
			return nil, err
		}
		c.requeuer = requeuer
	}

	return c, nil
}

// Connect opens both broker connections and declares the stage queue.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.publisher.Connect(ctx); err != nil {
		return err
	}
	if err := c.subscriber.Connect(ctx); err != nil {
		c.publisher.Disconnect()
		return err
	}
	return nil
}

// Publisher returns the stage's publisher.
func (c *Client) Publisher() *messaging.Publisher {
	return c.publisher
}

// Subscriber returns the stage's subscriber.
func (c *Client) Subscriber() *messaging.Subscriber {
	return c.subscriber
}

// Requeuer returns the startup requeue, or nil when no document store was
// configured.
func (c *Client) Requeuer() *messaging.Requeuer {
	return c.requeuer
}

// PublishEvent builds an envelope around data and publishes it on the
// client's exchange.
func (c *Client) PublishEvent(ctx context.Context, eventType, routingKey string, data any) error {
	env, err := contracts.NewEnvelope(eventType, data)
	if err != nil {
		return err
	}
	return c.publisher.Publish(ctx, c.exchange, routingKey, env)
}

// Close stops the consume loop and closes both connections best effort.
func (c *Client) Close(ctx context.Context) error {
	err := c.subscriber.Stop(ctx)
	c.subscriber.Disconnect()
	c.publisher.Disconnect()
	return err
}
