package queue

import (
	"context"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestLimiter_AdmitsInArrivalOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	synctest.Test(t, func(t *testing.T) {
		l := NewLimiter(1)
		require.NoError(t, l.Acquire(t.Context()))

		var mu sync.Mutex
		var order []int
		var wg sync.WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if !assert.NoError(t, l.Acquire(t.Context())) {
					return
				}
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				time.Sleep(time.Second)
				l.Release()
			}()
			// Let the goroutine block before the next one arrives
			synctest.Wait()
		}

		assert.Equal(t, 3, l.Waiting())
		assert.Equal(t, 1, l.Running())

		start := time.Now()
		l.Release()
		wg.Wait()

		assert.Equal(t, []int{0, 1, 2}, order)
		assert.Equal(t, 3*time.Second, time.Since(start))
		assert.Equal(t, 0, l.Running())
		assert.Equal(t, 0, l.Waiting())
	})
}

func TestLimiter_AcquireHonoursContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	synctest.Test(t, func(t *testing.T) {
		l := NewLimiter(2)
		require.True(t, l.TryAcquire())
		require.True(t, l.TryAcquire())
		assert.False(t, l.TryAcquire())

		ctx, cancel := context.WithTimeout(t.Context(), time.Second)
		defer cancel()

		start := time.Now()
		err := l.Acquire(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, time.Second, time.Since(start))
		assert.Equal(t, 0, l.Waiting())
		assert.Equal(t, 2, l.Running())

		l.Release()
		assert.True(t, l.TryAcquire())
	})
}

func TestLimiter_NeverExceedsMax(t *testing.T) {
	defer goleak.VerifyNone(t)

	synctest.Test(t, func(t *testing.T) {
		l := NewLimiter(3)
		assert.Equal(t, 3, l.Max())

		var mu sync.Mutex
		current, peak := 0, 0
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if !assert.NoError(t, l.Acquire(t.Context())) {
					return
				}
				defer l.Release()

				mu.Lock()
				current++
				peak = max(peak, current)
				mu.Unlock()

				time.Sleep(time.Second)

				mu.Lock()
				current--
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Equal(t, 3, peak)
	})
}

func TestNewLimiter_ClampsToOne(t *testing.T) {
	l := NewLimiter(0)
	assert.Equal(t, 1, l.Max())
	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())
	l.Release()
}
