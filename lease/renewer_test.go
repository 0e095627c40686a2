package lease

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLeased struct {
	lockedUntil time.Time
	renews      atomic.Int32
	renewErr    error
}

func (d *fakeLeased) Body() []byte { return nil }

func (d *fakeLeased) Ack() error { return nil }

func (d *fakeLeased) Nack(requeue bool) error { return nil }

func (d *fakeLeased) RenewLock(ctx context.Context) error {
	d.renews.Add(1)
	return d.renewErr
}

func (d *fakeLeased) LockedUntil() time.Time { return d.lockedUntil }

func TestRenewerRegistry(t *testing.T) {
	r := NewRenewer(time.Second)
	d := &fakeLeased{}

	r.Register(d)
	assert.Equal(t, 1, r.InFlight())

	r.Unregister(d)
	assert.Equal(t, 0, r.InFlight())

	// Unregistering twice is harmless.
	r.Unregister(d)
	assert.Equal(t, 0, r.InFlight())
}

func TestRenewerRun(t *testing.T) {
	t.Run("renews holds that expire soon", func(t *testing.T) {
		r := NewRenewer(5 * time.Millisecond)
		expiring := &fakeLeased{lockedUntil: time.Now().Add(time.Millisecond)}
		distant := &fakeLeased{lockedUntil: time.Now().Add(time.Hour)}
		r.Register(expiring)
		r.Register(distant)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			r.Run(ctx)
		}()

		require.Eventually(t, func() bool {
			return expiring.renews.Load() > 0
		}, 2*time.Second, time.Millisecond)
		assert.Equal(t, int32(0), distant.renews.Load())

		cancel()
		<-done
	})

	t.Run("a renewal failure does not stop the loop", func(t *testing.T) {
		r := NewRenewer(5 * time.Millisecond)
		failing := &fakeLeased{
			lockedUntil: time.Now().Add(time.Millisecond),
			renewErr:    context.DeadlineExceeded,
		}
		r.Register(failing)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			r.Run(ctx)
		}()

		require.Eventually(t, func() bool {
			return failing.renews.Load() >= 2
		}, 2*time.Second, time.Millisecond)

		cancel()
		<-done
	})
}

func TestRenewerDefaults(t *testing.T) {
	r := NewRenewer(0)
	assert.Equal(t, 10*time.Second, r.interval)
}
