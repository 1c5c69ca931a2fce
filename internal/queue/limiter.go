package queue

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds how many callers hold a slot at once. Waiters are admitted
// in arrival order.
type Limiter struct {
	sem     *semaphore.Weighted
	max     int
	running atomic.Int64
	waiting atomic.Int64
}

// NewLimiter creates a limiter with max slots (at least one)
func NewLimiter(max int) *Limiter {
	if max < 1 {
		max = 1
	}
	return &Limiter{
		sem: semaphore.NewWeighted(int64(max)),
		max: max,
	}
}

// Acquire blocks until a slot is free or ctx is done.
// Every successful Acquire must be paired with exactly one Release.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.waiting.Add(1)
	err := l.sem.Acquire(ctx, 1)
	l.waiting.Add(-1)
	if err != nil {
		return err
	}
	l.running.Add(1)
	return nil
}

// TryAcquire takes a slot without blocking
func (l *Limiter) TryAcquire() bool {
	if !l.sem.TryAcquire(1) {
		return false
	}
	l.running.Add(1)
	return true
}

// Release frees a slot and admits the longest waiter
func (l *Limiter) Release() {
	l.running.Add(-1)
	l.sem.Release(1)
}

// Running returns the number of held slots
func (l *Limiter) Running() int {
	return int(l.running.Load())
}

// Waiting returns the number of callers blocked in Acquire
func (l *Limiter) Waiting() int {
	return int(l.waiting.Load())
}

// Max returns the slot count
func (l *Limiter) Max() int {
	return l.max
}
