package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pagefold/eventbus/contracts"
	"github.com/pagefold/eventbus/internal/reliability"
)

// Callback handles one decoded envelope. A non-nil error causes the
// delivery to be negatively acknowledged and redelivered, so callbacks must
// be idempotent.
type Callback func(ctx context.Context, env *contracts.Envelope) error

// LeaseRegistrar tracks in-flight deliveries from lock/lease transports so
// their holds are renewed while a callback is still running.
type LeaseRegistrar interface {
	Register(d LeasedDelivery)
	Unregister(d LeasedDelivery)
}

// SubscriberConfig configures a Subscriber. URL and Queue are required.
type SubscriberConfig struct {
	// URL is the broker connection string.
	URL string

	// Queue is the stage's receive queue, declared and bound on subscribe.
	Queue string

	// Exchange is the exchange subscriptions bind against.
	Exchange string

	// PrefetchCount limits unacknowledged deliveries in flight.
	// Defaults to 10.
	PrefetchCount int

	// AutoAck lets the transport acknowledge deliveries on receipt. With
	// AutoAck set the subscriber never calls ack or nack itself.
	AutoAck bool

	// ReconnectBaseDelay is the backoff base for the connection guard.
	// Defaults to 2 seconds.
	ReconnectBaseDelay time.Duration

	// ReconnectMaxAttempts caps consecutive failed reconnects. Zero
	// disables reconnection outright: any connection loss is terminal.
	ReconnectMaxAttempts int
}

// subscription is one entry of the append-only subscription registry,
// replayed in full after every successful reconnect.
type subscription struct {
	eventType  string
	exchange   string
	routingKey string
	callback   Callback
}

// Subscriber owns one broker connection and a consume loop, dispatching
// decoded envelopes to callbacks registered per event type. Like the
// Publisher it is a single-connection client: one instance per stage
// process, with Subscribe calls serialized by the caller.
type Subscriber struct {
	cfg       SubscriberConfig
	dialer    Dialer
	guard     *reliability.ConnectionGuard
	registrar LeaseRegistrar
	logger    *slog.Logger

	conn Connection
	ch   Channel

	mu        sync.RWMutex
	subs      []subscription
	callbacks map[string]Callback
	loopErr   error

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// SubscriberOption configures the Subscriber.
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger.
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// WithLeaseRegistrar enables lease renewal for in-flight deliveries on
// lock/lease transports.
func WithLeaseRegistrar(registrar LeaseRegistrar) SubscriberOption {
	return func(s *Subscriber) {
		s.registrar = registrar
	}
}

// NewSubscriber creates a subscriber. Missing required configuration is
// rejected here rather than at first use.
func NewSubscriber(cfg SubscriberConfig, dialer Dialer, options ...SubscriberOption) (*Subscriber, error) {
	if cfg.URL == "" {
		return nil, &contracts.ConfigError{Field: "URL", Reason: "broker URL is required"}
	}
	if cfg.Queue == "" {
		return nil, &contracts.ConfigError{Field: "Queue", Reason: "receive queue is required"}
	}
	if dialer == nil {
		return nil, &contracts.ConfigError{Field: "Dialer", Reason: "transport dialer is required"}
	}
	if cfg.ReconnectMaxAttempts < 0 {
		return nil, &contracts.ConfigError{Field: "ReconnectMaxAttempts", Reason: "must not be negative"}
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = 2 * time.Second
	}
	if cfg.PrefetchCount <= 0 {
		cfg.PrefetchCount = 10
	}

	s := &Subscriber{
		cfg:       cfg,
		dialer:    dialer,
		logger:    slog.Default(),
		callbacks: make(map[string]Callback),
	}

	for _, opt := range options {
		opt(s)
	}

	s.guard = reliability.NewConnectionGuard(
		cfg.ReconnectBaseDelay,
		cfg.ReconnectMaxAttempts,
		reliability.WithGuardLogger(s.logger),
	)

	return s, nil
}

// Connect opens the transport connection and channel.
func (s *Subscriber) Connect(ctx context.Context) error {
	if err := s.dial(ctx); err != nil {
		return &contracts.ConnectionError{Op: "connect", Err: err}
	}
	s.logger.Info("subscriber connected", "queue", s.cfg.Queue)
	return nil
}

// IsConnected reports whether both the connection and the channel exist and
// are reported open by the transport.
func (s *Subscriber) IsConnected() bool {
	return s.conn != nil && s.ch != nil && !s.conn.IsClosed() && !s.ch.IsClosed()
}

// Subscribe binds the receive queue for the routing key, appends the tuple
// to the subscription registry and registers the callback for dispatch.
func (s *Subscriber) Subscribe(ctx context.Context, eventType string, callback Callback, routingKey string) error {
	if eventType == "" {
		return &contracts.ConfigError{Field: "eventType", Reason: "must not be empty"}
	}
	if callback == nil {
		return &contracts.ConfigError{Field: "callback", Reason: "must not be nil"}
	}

	if !s.IsConnected() {
		if err := s.reconnect(ctx); err != nil {
			return &contracts.ConnectionError{Op: "subscribe", Err: err}
		}
	}

	sub := subscription{
		eventType:  eventType,
		exchange:   s.cfg.Exchange,
		routingKey: routingKey,
		callback:   callback,
	}

	if err := s.bind(sub); err != nil {
		return fmt.Errorf("bind %s to %s/%s: %w", s.cfg.Queue, sub.exchange, routingKey, err)
	}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.callbacks[eventType] = callback
	s.mu.Unlock()

	s.logger.Info("subscribed",
		"queue", s.cfg.Queue,
		"eventType", eventType,
		"routingKey", routingKey,
	)
	return nil
}

// Start launches the consume loop on its own goroutine. Stop cancels it.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("subscriber already consuming")
	}
	s.running = true
	s.loopErr = nil
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	if !s.IsConnected() {
		if err := s.reconnect(ctx); err != nil {
			s.finishLoop(nil)
			return &contracts.ConnectionError{Op: "start consuming", Err: err}
		}
	}

	deliveries, err := s.consume()
	if err != nil {
		s.finishLoop(nil)
		return &contracts.ConnectionError{Op: "start consuming", Err: err}
	}

	go s.consumeLoop(ctx, deliveries)
	return nil
}

// Stop signals the consume loop to exit and waits for it. Cancellation is
// cooperative: the loop observes the signal at the top of its next
// iteration.
func (s *Subscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	select {
	case <-stopCh:
	default:
		close(stopCh)
	}

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the terminal error of the last consume loop, if any.
func (s *Subscriber) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loopErr
}

// Subscriptions returns the registered event types in registration order.
func (s *Subscriber) Subscriptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.subs))
	for i, sub := range s.subs {
		out[i] = sub.eventType
	}
	return out
}

// Disconnect closes the channel and connection best effort.
func (s *Subscriber) Disconnect() {
	if s.ch != nil {
		if err := s.ch.Close(); err != nil {
			s.logger.Debug("channel close failed", "error", err)
		}
		s.ch = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("connection close failed", "error", err)
		}
		s.conn = nil
	}
}

// consumeLoop receives deliveries until stopped. A closed delivery channel
// means the connection died; the loop then drives the guard until a
// reconnect succeeds, replays the registry and resumes.
func (s *Subscriber) consumeLoop(ctx context.Context, deliveries <-chan Delivery) {
	defer func() { s.finishLoop(s.Err()) }()

	for {
		select {
		case <-s.stopCh:
			s.logger.Info("consume loop stopped", "queue", s.cfg.Queue)
			return
		case <-ctx.Done():
			s.logger.Info("consume loop cancelled", "queue", s.cfg.Queue)
			return
		case d, ok := <-deliveries:
			if !ok {
				s.logger.Warn("delivery channel closed, recovering", "queue", s.cfg.Queue)
				deliveries = s.recoverDeliveries(ctx)
				if deliveries == nil {
					return
				}
				continue
			}
			s.handleDelivery(ctx, d)
		}
	}
}

// recoverDeliveries drives the guard until reconnect-and-replay succeeds
// and a fresh delivery channel is open. It returns nil when stopped or when
// reconnection is disabled.
func (s *Subscriber) recoverDeliveries(ctx context.Context) <-chan Delivery {
	for {
		select {
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		err := s.guard.Attempt(func() error { return s.resubscribe(ctx) })
		switch {
		case err == nil:
			deliveries, cerr := s.consume()
			if cerr == nil {
				s.logger.Info("consume loop resumed", "queue", s.cfg.Queue)
				return deliveries
			}
			s.logger.Warn("consume restart failed", "queue", s.cfg.Queue, "error", cerr)
		case errors.Is(err, reliability.ErrReconnectDisabled):
			s.setLoopErr(&contracts.ConnectionError{Op: "consume", Err: err})
			return nil
		}

		if !s.sleep(ctx, s.guard.BaseDelay()) {
			return nil
		}
	}
}

// resubscribe re-opens the connection and replays every entry of the
// subscription registry.
func (s *Subscriber) resubscribe(ctx context.Context) error {
	if err := s.dial(ctx); err != nil {
		return err
	}

	s.mu.RLock()
	subs := make([]subscription, len(s.subs))
	copy(subs, s.subs)
	s.mu.RUnlock()

	for _, sub := range subs {
		if err := s.bind(sub); err != nil {
			return fmt.Errorf("replay binding %s/%s: %w", sub.exchange, sub.routingKey, err)
		}
	}

	return nil
}

// handleDelivery decodes one delivery and dispatches it. Undecodable
// payloads are poison messages: acknowledged away, no callback runs.
func (s *Subscriber) handleDelivery(ctx context.Context, d Delivery) {
	if s.registrar != nil {
		if ld, ok := d.(LeasedDelivery); ok {
			s.registrar.Register(ld)
			defer s.registrar.Unregister(ld)
		}
	}

	body := d.Body()
	if !utf8.Valid(body) {
		s.logger.Warn("discarding poison message: body is not valid UTF-8", "queue", s.cfg.Queue)
		s.ackPoison(d)
		return
	}

	var env contracts.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.logger.Warn("discarding poison message: body is not a valid envelope",
			"queue", s.cfg.Queue,
			"error", err,
		)
		s.ackPoison(d)
		return
	}

	s.mu.RLock()
	callback := s.callbacks[env.EventType]
	s.mu.RUnlock()

	if callback == nil {
		s.logger.Warn("no callback registered for event type",
			"eventType", env.EventType,
			"eventId", env.EventID,
		)
		if !s.cfg.AutoAck {
			s.safeAck(d)
		}
		return
	}

	err := s.invoke(ctx, callback, &env)

	if s.cfg.AutoAck {
		return
	}
	if err != nil {
		s.logger.Error("callback failed, requeueing",
			"eventType", env.EventType,
			"eventId", env.EventID,
			"error", err,
		)
		s.safeNack(d, true)
		return
	}
	s.safeAck(d)
}

// invoke runs the callback, converting a panic into an error so a broken
// handler cannot kill the consume loop.
func (s *Subscriber) invoke(ctx context.Context, callback Callback, env *contracts.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return callback(ctx, env)
}

func (s *Subscriber) ackPoison(d Delivery) {
	if s.cfg.AutoAck {
		return
	}
	s.safeAck(d)
}

// safeAck swallows broker-reported acknowledgement errors: a concurrent
// reconnect may have invalidated the delivery tag.
func (s *Subscriber) safeAck(d Delivery) {
	if err := d.Ack(); err != nil {
		s.logger.Warn("ack failed", "queue", s.cfg.Queue, "error", err)
	}
}

func (s *Subscriber) safeNack(d Delivery, requeue bool) {
	if err := d.Nack(requeue); err != nil {
		s.logger.Warn("nack failed", "queue", s.cfg.Queue, "requeue", requeue, "error", err)
	}
}

func (s *Subscriber) consume() (<-chan Delivery, error) {
	if !s.cfg.AutoAck {
		if err := s.ch.Qos(s.cfg.PrefetchCount); err != nil {
			return nil, err
		}
	}
	return s.ch.Consume(s.cfg.Queue, s.cfg.AutoAck)
}

func (s *Subscriber) bind(sub subscription) error {
	if err := s.ch.DeclareQueue(s.cfg.Queue); err != nil {
		return err
	}
	return s.ch.BindQueue(s.cfg.Queue, sub.exchange, sub.routingKey)
}

// reconnect drives the guard once and replays the registry on success.
func (s *Subscriber) reconnect(ctx context.Context) error {
	return s.guard.Attempt(func() error { return s.resubscribe(ctx) })
}

func (s *Subscriber) dial(ctx context.Context) error {
	s.Disconnect()

	conn, err := s.dialer.Dial(ctx, s.cfg.URL)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}

	s.conn = conn
	s.ch = ch
	return nil
}

func (s *Subscriber) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Subscriber) setLoopErr(err error) {
	s.mu.Lock()
	s.loopErr = err
	s.mu.Unlock()
}

func (s *Subscriber) finishLoop(err error) {
	s.mu.Lock()
	if err != nil {
		s.loopErr = err
	}
	s.running = false
	done := s.doneCh
	s.mu.Unlock()
	if done != nil {
		close(done)
	}
}
