// Package lease keeps exclusive holds on in-flight deliveries alive for
// transports with a lock/lease model, where a message is held for a bounded
// time while its callback runs.
package lease

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pagefold/eventbus/messaging"
)

// Renewer periodically renews the locks of registered deliveries. The
// subscriber registers a delivery before invoking its callback and
// unregisters it right after, regardless of the callback's outcome.
type Renewer struct {
	mu       sync.Mutex
	inflight map[messaging.LeasedDelivery]struct{}

	interval time.Duration
	logger   *slog.Logger
}

// RenewerOption configures the Renewer.
type RenewerOption func(*Renewer)

// WithRenewerLogger sets the logger.
func WithRenewerLogger(logger *slog.Logger) RenewerOption {
	return func(r *Renewer) {
		r.logger = logger
	}
}

// NewRenewer creates a renewer ticking at the given interval.
func NewRenewer(interval time.Duration, options ...RenewerOption) *Renewer {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	r := &Renewer{
		inflight: make(map[messaging.LeasedDelivery]struct{}),
		interval: interval,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Register implements messaging.LeaseRegistrar.
func (r *Renewer) Register(d messaging.LeasedDelivery) {
	r.mu.Lock()
	r.inflight[d] = struct{}{}
	r.mu.Unlock()
}

// Unregister implements messaging.LeaseRegistrar.
func (r *Renewer) Unregister(d messaging.LeasedDelivery) {
	r.mu.Lock()
	delete(r.inflight, d)
	r.mu.Unlock()
}

// InFlight returns the number of registered deliveries.
func (r *Renewer) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// Run renews leases until the context is cancelled.
func (r *Renewer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("lease renewer shutting down")
			return
		case <-ticker.C:
			r.renewAll(ctx)
		}
	}
}

// renewAll renews every registered delivery whose hold expires within the
// next two ticks. A renewal failure is logged and left to the transport's
// redelivery: the message reappears once its lock lapses.
func (r *Renewer) renewAll(ctx context.Context) {
	r.mu.Lock()
	due := make([]messaging.LeasedDelivery, 0, len(r.inflight))
	deadline := time.Now().Add(2 * r.interval)
	for d := range r.inflight {
		if d.LockedUntil().Before(deadline) {
			due = append(due, d)
		}
	}
	r.mu.Unlock()

	for _, d := range due {
		if err := d.RenewLock(ctx); err != nil {
			r.logger.Warn("lease renewal failed", "error", err)
		}
	}
}
