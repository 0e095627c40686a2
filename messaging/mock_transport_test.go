package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/pagefold/eventbus/contracts"
)

// In-memory transport fakes shared by the publisher, subscriber and
// requeue tests.

type fakeDialer struct {
	mu        sync.Mutex
	dialErrs  []error
	dialCount int
	conns     []*fakeConnection

	// Applied to every new channel.
	publishErrs  []error
	deliverChans []chan Delivery
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dialCount++
	if len(d.dialErrs) > 0 {
		err := d.dialErrs[0]
		d.dialErrs = d.dialErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	ch := &fakeChannel{}
	if len(d.publishErrs) > 0 {
		ch.publishErrs = d.publishErrs
		d.publishErrs = nil
	}
	if len(d.deliverChans) > 0 {
		ch.deliveries = d.deliverChans[0]
		d.deliverChans = d.deliverChans[1:]
	}

	conn := &fakeConnection{ch: ch}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialCount
}

func (d *fakeDialer) lastChannel() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1].ch
}

func (d *fakeDialer) totalPublishes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, conn := range d.conns {
		total += conn.ch.publishCalls()
	}
	return total
}

type fakeConnection struct {
	mu     sync.Mutex
	closed bool
	ch     *fakeChannel
}

func (c *fakeConnection) Channel() (Channel, error) {
	return c.ch, nil
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.ch.markClosed()
	return nil
}

type binding struct {
	queue      string
	exchange   string
	routingKey string
}

type published struct {
	exchange   string
	routingKey string
	body       []byte
	persistent bool
}

type fakeChannel struct {
	mu          sync.Mutex
	closed      bool
	declared    []string
	declareErr  error
	bindings    []binding
	bindErr     error
	publishes   []published
	publishErrs []error
	deliveries  chan Delivery
	consumeErr  error
	qos         int
}

func (c *fakeChannel) DeclareQueue(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declareErr != nil {
		return c.declareErr
	}
	c.declared = append(c.declared, name)
	return nil
}

func (c *fakeChannel) BindQueue(queue, exchange, routingKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bindErr != nil {
		return c.bindErr
	}
	c.bindings = append(c.bindings, binding{queue: queue, exchange: exchange, routingKey: routingKey})
	return nil
}

func (c *fakeChannel) Publish(ctx context.Context, exchange, routingKey string, body []byte, persistent bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.publishes = append(c.publishes, published{
		exchange:   exchange,
		routingKey: routingKey,
		body:       body,
		persistent: persistent,
	})

	if len(c.publishErrs) > 0 {
		err := c.publishErrs[0]
		c.publishErrs = c.publishErrs[1:]
		return err
	}
	return nil
}

func (c *fakeChannel) Consume(queue string, autoAck bool) (<-chan Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	if c.deliveries == nil {
		c.deliveries = make(chan Delivery)
	}
	return c.deliveries, nil
}

func (c *fakeChannel) Qos(prefetchCount int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.qos = prefetchCount
	return nil
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) Close() error {
	c.markClosed()
	return nil
}

func (c *fakeChannel) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeChannel) publishCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.publishes)
}

func (c *fakeChannel) declaredQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.declared))
	copy(out, c.declared)
	return out
}

func (c *fakeChannel) boundKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.bindings))
	for i, b := range c.bindings {
		out[i] = b.routingKey
	}
	return out
}

type fakeDelivery struct {
	mu      sync.Mutex
	body    []byte
	acked   bool
	nacked  bool
	requeue bool
	ackErr  error
	nackErr error
}

func (d *fakeDelivery) Body() []byte { return d.body }

func (d *fakeDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ackErr != nil {
		return d.ackErr
	}
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nackErr != nil {
		return d.nackErr
	}
	d.nacked = true
	d.requeue = requeue
	return nil
}

func (d *fakeDelivery) wasAcked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked
}

func (d *fakeDelivery) wasNacked() (bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nacked, d.requeue
}

type fakeLeasedDelivery struct {
	fakeDelivery
	lockedUntil time.Time
	renews      int
}

func (d *fakeLeasedDelivery) RenewLock(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.renews++
	return nil
}

func (d *fakeLeasedDelivery) LockedUntil() time.Time { return d.lockedUntil }

type fakeRegistrar struct {
	mu           sync.Mutex
	registered   int
	unregistered int
	active       map[LeasedDelivery]struct{}
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{active: make(map[LeasedDelivery]struct{})}
}

func (r *fakeRegistrar) Register(d LeasedDelivery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered++
	r.active[d] = struct{}{}
}

func (r *fakeRegistrar) Unregister(d LeasedDelivery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered++
	delete(r.active, d)
}

func (r *fakeRegistrar) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *fakeRegistrar) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered, r.unregistered
}

type metricCall struct {
	name  string
	value float64
	tags  map[string]string
}

type fakeMetrics struct {
	mu    sync.Mutex
	calls []metricCall
}

func (m *fakeMetrics) Increment(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, metricCall{name: name, value: value, tags: tags})
}

func (m *fakeMetrics) recorded() []metricCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]metricCall, len(m.calls))
	copy(out, m.calls)
	return out
}

type fakeValidator struct {
	schemas map[string]any
	errs    []string
}

func (v *fakeValidator) GetSchema(eventType string) (Schema, bool) {
	s, ok := v.schemas[eventType]
	return s, ok
}

func (v *fakeValidator) Validate(env *contracts.Envelope, schema Schema) (bool, []string) {
	return len(v.errs) == 0, v.errs
}
