package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pagefold/eventbus/contracts"
	"github.com/pagefold/eventbus/internal/reliability"
)

// PublisherConfig configures a Publisher. URL is required; the remaining
// fields have documented defaults applied by NewPublisher.
type PublisherConfig struct {
	// URL is the broker connection string.
	URL string

	// ReconnectBaseDelay is the backoff base for the connection guard.
	// Defaults to 2 seconds.
	ReconnectBaseDelay time.Duration

	// ReconnectMaxAttempts caps consecutive failed reconnects. Zero
	// disables reconnection outright: any connection loss is terminal.
	ReconnectMaxAttempts int
}

// Publisher owns one broker connection and channel and sends envelopes
// through them. A Publisher is not safe for concurrent use; the intended
// usage is one instance per stage process, with callers serializing access.
type Publisher struct {
	cfg       PublisherConfig
	dialer    Dialer
	guard     *reliability.ConnectionGuard
	validator SchemaValidator
	logger    *slog.Logger

	conn Connection
	ch   Channel

	// Destinations successfully declared so far, in declaration order.
	// Membership only grows; the full set is re-declared after reconnect.
	declared    []string
	declaredSet map[string]struct{}
}

// PublisherOption configures the Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithValidator enables schema validation of outgoing envelopes.
func WithValidator(validator SchemaValidator) PublisherOption {
	return func(p *Publisher) {
		p.validator = validator
	}
}

// NewPublisher creates a publisher. Missing required configuration is
// rejected here rather than at first use.
func NewPublisher(cfg PublisherConfig, dialer Dialer, options ...PublisherOption) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, &contracts.ConfigError{Field: "URL", Reason: "broker URL is required"}
	}
	if dialer == nil {
		return nil, &contracts.ConfigError{Field: "Dialer", Reason: "transport dialer is required"}
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = 2 * time.Second
	}
	if cfg.ReconnectMaxAttempts < 0 {
		return nil, &contracts.ConfigError{Field: "ReconnectMaxAttempts", Reason: "must not be negative"}
	}

	p := &Publisher{
		cfg:         cfg,
		dialer:      dialer,
		logger:      slog.Default(),
		declaredSet: make(map[string]struct{}),
	}

	for _, opt := range options {
		opt(p)
	}

	p.guard = reliability.NewConnectionGuard(
		cfg.ReconnectBaseDelay,
		cfg.ReconnectMaxAttempts,
		reliability.WithGuardLogger(p.logger),
	)

	return p, nil
}

// Connect opens the transport connection and channel.
func (p *Publisher) Connect(ctx context.Context) error {
	if err := p.dial(ctx); err != nil {
		return &contracts.ConnectionError{Op: "connect", Err: err}
	}
	p.logger.Info("publisher connected")
	return nil
}

// IsConnected reports whether both the connection and the channel exist and
// are reported open by the transport.
func (p *Publisher) IsConnected() bool {
	return p.conn != nil && p.ch != nil && !p.conn.IsClosed() && !p.ch.IsClosed()
}

// Declare idempotently declares a destination and records it for replay
// after reconnects.
func (p *Publisher) Declare(ctx context.Context, name string) error {
	if !p.IsConnected() {
		if err := p.reconnect(ctx); err != nil {
			return &contracts.ConnectionError{Op: "declare", Err: err}
		}
	}

	if err := p.ch.DeclareQueue(name); err != nil {
		return fmt.Errorf("declare %s: %w", name, err)
	}

	p.recordDestination(name)
	return nil
}

// Publish validates and sends one envelope. A channel-level send failure
// triggers a single guard-mediated reconnect followed by exactly one retry;
// the retry's error, if any, propagates to the caller untouched.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, env *contracts.Envelope) error {
	if env == nil {
		return &contracts.ValidationError{Errors: []string{"envelope must not be nil"}}
	}

	env.Fill()

	if p.validator != nil {
		if err := p.validate(env); err != nil {
			return err
		}
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", env.EventID, err)
	}

	if !p.IsConnected() {
		if err := p.reconnect(ctx); err != nil {
			return &contracts.ConnectionError{Op: "publish", Err: err}
		}
	}

	if err := p.ch.Publish(ctx, exchange, routingKey, body, true); err != nil {
		p.logger.Warn("publish failed, reconnecting",
			"eventId", env.EventID,
			"eventType", env.EventType,
			"exchange", exchange,
			"routingKey", routingKey,
			"error", err,
		)

		if rerr := p.reconnect(ctx); rerr != nil {
			return &contracts.ConnectionError{
				Op:  "publish",
				Err: fmt.Errorf("could not complete publish after connection error: %w", rerr),
			}
		}

		return p.ch.Publish(ctx, exchange, routingKey, body, true)
	}

	p.logger.Debug("published",
		"eventId", env.EventID,
		"eventType", env.EventType,
		"exchange", exchange,
		"routingKey", routingKey,
	)
	return nil
}

// Disconnect closes the channel and connection best effort.
func (p *Publisher) Disconnect() {
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			p.logger.Debug("channel close failed", "error", err)
		}
		p.ch = nil
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.logger.Debug("connection close failed", "error", err)
		}
		p.conn = nil
	}
}

// DeclaredDestinations returns the recorded destination names in
// declaration order.
func (p *Publisher) DeclaredDestinations() []string {
	out := make([]string, len(p.declared))
	copy(out, p.declared)
	return out
}

// validate resolves a schema for the envelope's event type and checks
// conformance. Failures abort the send before anything is transmitted.
func (p *Publisher) validate(env *contracts.Envelope) error {
	if env.EventType == "" {
		return &contracts.ValidationError{Errors: []string{"event_type is required"}}
	}

	schema, ok := p.validator.GetSchema(env.EventType)
	if !ok {
		return &contracts.ValidationError{
			EventType: env.EventType,
			Errors:    []string{"no schema registered"},
		}
	}

	if valid, errs := p.validator.Validate(env, schema); !valid {
		return &contracts.ValidationError{EventType: env.EventType, Errors: errs}
	}

	return nil
}

// reconnect drives the guard once and, on success, re-declares every
// recorded destination before the caller resumes.
func (p *Publisher) reconnect(ctx context.Context) error {
	if err := p.guard.Attempt(func() error { return p.dial(ctx) }); err != nil {
		return err
	}

	for _, name := range p.declared {
		if err := p.ch.DeclareQueue(name); err != nil {
			return fmt.Errorf("redeclare %s: %w", name, err)
		}
	}

	p.logger.Info("publisher reconnected", "redeclared", len(p.declared))
	return nil
}

// dial replaces the connection and channel with fresh ones.
func (p *Publisher) dial(ctx context.Context) error {
	p.Disconnect()

	conn, err := p.dialer.Dial(ctx, p.cfg.URL)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}

	p.conn = conn
	p.ch = ch
	return nil
}

func (p *Publisher) recordDestination(name string) {
	if _, seen := p.declaredSet[name]; seen {
		return
	}
	p.declaredSet[name] = struct{}{}
	p.declared = append(p.declared, name)
}
