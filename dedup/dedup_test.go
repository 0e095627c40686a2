package dedup

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagefold/eventbus/contracts"
)

type fakeChecker struct {
	seen    map[string]bool
	err     error
	queried []string
}

func (c *fakeChecker) Seen(ctx context.Context, eventID string) (bool, error) {
	c.queried = append(c.queried, eventID)
	if c.err != nil {
		return false, c.err
	}
	return c.seen[eventID], nil
}

func testEnvelope() *contracts.Envelope {
	return &contracts.Envelope{
		EventType: "document.parsed",
		EventID:   "evt-1",
	}
}

func TestIdempotent(t *testing.T) {
	t.Run("runs the callback for a fresh event", func(t *testing.T) {
		checker := &fakeChecker{seen: map[string]bool{}}
		called := false
		wrapped := Idempotent(checker, nil, func(context.Context, *contracts.Envelope) error {
			called = true
			return nil
		})

		require.NoError(t, wrapped(context.Background(), testEnvelope()))
		assert.True(t, called)
		assert.Equal(t, []string{"evt-1"}, checker.queried)
	})

	t.Run("skips a duplicate without calling back", func(t *testing.T) {
		checker := &fakeChecker{seen: map[string]bool{"evt-1": true}}
		called := false
		wrapped := Idempotent(checker, nil, func(context.Context, *contracts.Envelope) error {
			called = true
			return nil
		})

		// A nil return lets the subscriber ack the duplicate away.
		require.NoError(t, wrapped(context.Background(), testEnvelope()))
		assert.False(t, called)
	})

	t.Run("fails open when the checker errors", func(t *testing.T) {
		checker := &fakeChecker{err: errors.New("redis down")}
		called := false
		wrapped := Idempotent(checker, nil, func(context.Context, *contracts.Envelope) error {
			called = true
			return nil
		})

		require.NoError(t, wrapped(context.Background(), testEnvelope()))
		assert.True(t, called)
	})

	t.Run("callback errors propagate", func(t *testing.T) {
		checker := &fakeChecker{seen: map[string]bool{}}
		boom := errors.New("stage failed")
		wrapped := Idempotent(checker, nil, func(context.Context, *contracts.Envelope) error {
			return boom
		})

		assert.Same(t, boom, wrapped(context.Background(), testEnvelope()))
	})

	t.Run("nil checker passes the callback through", func(t *testing.T) {
		called := false
		wrapped := Idempotent(nil, nil, func(context.Context, *contracts.Envelope) error {
			called = true
			return nil
		})

		require.NoError(t, wrapped(context.Background(), testEnvelope()))
		assert.True(t, called)
	})
}
