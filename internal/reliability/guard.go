// Package reliability implements the reconnection guard shared by the
// publisher and subscriber sides of the bus client.
package reliability

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrReconnectDisabled is returned when the guard was configured with
	// zero attempts. Connection loss is terminal for such clients.
	ErrReconnectDisabled = errors.New("reliability: reconnection disabled")

	// ErrReconnectThrottled is returned when the backoff window since the
	// last attempt has not elapsed. The connect function was not invoked.
	ErrReconnectThrottled = errors.New("reliability: reconnect attempt throttled")

	// ErrAttemptsExhausted is returned when the consecutive-failure count
	// reached the configured ceiling. The count is reset so a later call,
	// after the caller waits out its own cool-down, may try again.
	ErrAttemptsExhausted = errors.New("reliability: reconnect attempts exhausted")
)

// maxBackoffShift caps the exponent so the computed delay cannot overflow a
// time.Duration even with large failure counts.
const maxBackoffShift = 16

// ConnectionGuard throttles reconnect attempts with exponential backoff and
// a consecutive-failure counter. A guard belongs to exactly one client
// instance and is mutated only by that instance's reconnect path.
type ConnectionGuard struct {
	mu           sync.Mutex
	failureCount int
	lastAttempt  time.Time

	baseDelay   time.Duration
	maxAttempts int
	now         func() time.Time
	logger      *slog.Logger
}

// GuardOption configures the guard.
type GuardOption func(*ConnectionGuard)

// WithGuardLogger sets the logger.
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *ConnectionGuard) {
		g.logger = logger
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) GuardOption {
	return func(g *ConnectionGuard) {
		g.now = now
	}
}

// NewConnectionGuard creates a guard. maxAttempts of zero disables
// reconnection outright.
func NewConnectionGuard(baseDelay time.Duration, maxAttempts int, options ...GuardOption) *ConnectionGuard {
	g := &ConnectionGuard{
		baseDelay:   baseDelay,
		maxAttempts: maxAttempts,
		now:         time.Now,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(g)
	}

	return g
}

// Attempt runs connect under the guard's throttling rules. It returns nil
// when connect succeeded, one of the guard sentinels when connect was not
// invoked, or the connect error itself.
func (g *ConnectionGuard) Attempt(connect func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.maxAttempts == 0 {
		return ErrReconnectDisabled
	}

	if g.failureCount >= g.maxAttempts {
		g.logger.Warn("reconnect attempts exhausted, resetting failure count",
			"failures", g.failureCount,
			"maxAttempts", g.maxAttempts,
		)
		g.failureCount = 0
		return ErrAttemptsExhausted
	}

	required := g.requiredDelay()
	if elapsed := g.now().Sub(g.lastAttempt); elapsed < required {
		g.logger.Debug("reconnect throttled",
			"elapsed", elapsed,
			"required", required,
			"failures", g.failureCount,
		)
		return ErrReconnectThrottled
	}

	g.lastAttempt = g.now()
	if err := connect(); err != nil {
		g.failureCount++
		g.logger.Warn("reconnect attempt failed",
			"failures", g.failureCount,
			"maxAttempts", g.maxAttempts,
			"error", err,
		)
		return err
	}

	g.failureCount = 0
	g.logger.Info("reconnected")
	return nil
}

// FailureCount returns the current consecutive-failure count.
func (g *ConnectionGuard) FailureCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failureCount
}

// BaseDelay returns the configured backoff base.
func (g *ConnectionGuard) BaseDelay() time.Duration {
	return g.baseDelay
}

// requiredDelay computes baseDelay * 2^(failureCount+1). Callers hold g.mu.
func (g *ConnectionGuard) requiredDelay() time.Duration {
	shift := g.failureCount + 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return g.baseDelay << uint(shift)
}
