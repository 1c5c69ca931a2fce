package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/juris/internal/common"
)

func TestRetryPolicy_DelayRepeatsLastValue(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.Equal(t, 5*time.Second, p.Delay(1))
	assert.Equal(t, 15*time.Second, p.Delay(2))
	assert.Equal(t, 30*time.Second, p.Delay(3))
	assert.Equal(t, 30*time.Second, p.Delay(4))
	assert.Equal(t, 30*time.Second, p.Delay(12))
	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, time.Duration(0), RetryPolicy{MaxAttempts: 2}.Delay(1))
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.True(t, p.ShouldRetry(1, true))
	assert.True(t, p.ShouldRetry(2, true))
	assert.False(t, p.ShouldRetry(3, true), "attempt budget exhausted")
	assert.False(t, p.ShouldRetry(1, false), "non-retryable errors stop immediately")
}

func TestNewRetryPolicy(t *testing.T) {
	p, err := NewRetryPolicy(common.RetryConfig{MaxAttempts: 4, Backoff: []string{"1s", "2s"}})
	require.NoError(t, err)
	assert.Equal(t, 4, p.MaxAttempts)
	assert.Equal(t, 2*time.Second, p.Delay(3))

	_, err = NewRetryPolicy(common.RetryConfig{MaxAttempts: 3, Backoff: []string{"10s", "5s"}})
	assert.Error(t, err)

	_, err = NewRetryPolicy(common.RetryConfig{MaxAttempts: 0, Backoff: []string{"1s"}})
	assert.Error(t, err)

	_, err = NewRetryPolicy(common.RetryConfig{MaxAttempts: 3, Backoff: []string{"soon"}})
	assert.Error(t, err)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, sleepContext(ctx, 0), context.Canceled)
}
