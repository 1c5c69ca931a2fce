package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/juris/internal/common"
)

// RetryPolicy decides how many attempts a sub-task gets and how long to wait between them
type RetryPolicy struct {
	MaxAttempts int
	Schedule    []time.Duration // Non-decreasing; the last value repeats
}

// DefaultRetryPolicy returns three attempts with 5s, 15s, 30s waits
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Schedule:    []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second},
	}
}

// NewRetryPolicy builds a policy from the [retry] config section
func NewRetryPolicy(cfg common.RetryConfig) (RetryPolicy, error) {
	schedule, err := common.ParseDurations(cfg.Backoff)
	if err != nil {
		return RetryPolicy{}, fmt.Errorf("invalid retry backoff: %w", err)
	}
	p := RetryPolicy{MaxAttempts: cfg.MaxAttempts, Schedule: schedule}
	return p, p.Validate()
}

// Validate rejects policies that could never run or that shrink their delays
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	for i := 1; i < len(p.Schedule); i++ {
		if p.Schedule[i] < p.Schedule[i-1] {
			return fmt.Errorf("backoff entry %d (%s) is shorter than entry %d (%s)", i, p.Schedule[i], i-1, p.Schedule[i-1])
		}
	}
	return nil
}

// Delay returns the wait after the given failed attempt (1-based)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if len(p.Schedule) == 0 || attempt < 1 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(p.Schedule) {
		idx = len(p.Schedule) - 1
	}
	return p.Schedule[idx]
}

// ShouldRetry reports whether another attempt is allowed after attempt failed
func (p RetryPolicy) ShouldRetry(attempt int, retryable bool) bool {
	return retryable && attempt < p.MaxAttempts
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
