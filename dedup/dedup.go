// Package dedup supports the bus's at-least-once contract: consumers must
// be idempotent, and wrapping a callback with Idempotent makes redelivered
// or requeue-raced events no-ops.
package dedup

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/rueidis"

	"github.com/pagefold/eventbus/contracts"
	"github.com/pagefold/eventbus/messaging"
)

// Checker records event IDs and reports whether one was seen before.
type Checker interface {
	// Seen marks the event ID as processed and reports whether it had
	// already been marked.
	Seen(ctx context.Context, eventID string) (bool, error)
}

// RedisChecker implements Checker with a SET NX per event ID. Entries
// expire after the configured TTL, which bounds memory at the cost of
// re-processing events redelivered later than that.
type RedisChecker struct {
	client rueidis.Client
	prefix string
	ttl    time.Duration
}

// CheckerOption configures the RedisChecker.
type CheckerOption func(*RedisChecker)

// WithKeyPrefix overrides the key prefix.
func WithKeyPrefix(prefix string) CheckerOption {
	return func(c *RedisChecker) {
		c.prefix = prefix
	}
}

// WithTTL overrides how long processed IDs are remembered.
func WithTTL(ttl time.Duration) CheckerOption {
	return func(c *RedisChecker) {
		c.ttl = ttl
	}
}

// NewRedisChecker creates a checker on an existing rueidis client.
func NewRedisChecker(client rueidis.Client, options ...CheckerOption) *RedisChecker {
	c := &RedisChecker{
		client: client,
		prefix: "eventbus:seen:",
		ttl:    24 * time.Hour,
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Seen implements Checker.
func (c *RedisChecker) Seen(ctx context.Context, eventID string) (bool, error) {
	cmd := c.client.B().Set().
		Key(c.prefix + eventID).
		Value("1").
		Nx().
		Ex(c.ttl).
		Build()

	err := c.client.Do(ctx, cmd).Error()
	if err == nil {
		return false, nil
	}
	if rueidis.IsRedisNil(err) {
		// SET NX did not set: the ID was already recorded.
		return true, nil
	}
	return false, err
}

// Idempotent wraps a callback so duplicate events are acknowledged without
// reaching it. A checker failure fails open: the event is processed, since
// reprocessing is safe and dropping is not.
func Idempotent(checker Checker, logger *slog.Logger, callback messaging.Callback) messaging.Callback {
	if checker == nil {
		return callback
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, env *contracts.Envelope) error {
		seen, err := checker.Seen(ctx, env.EventID)
		if err != nil {
			logger.Warn("dedup check failed, processing anyway",
				"eventId", env.EventID,
				"error", err,
			)
			return callback(ctx, env)
		}
		if seen {
			logger.Debug("skipping duplicate event",
				"eventId", env.EventID,
				"eventType", env.EventType,
			)
			return nil
		}
		return callback(ctx, env)
	}
}
