package logs

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ternarybob/juris/internal/models"
)

// DefaultFollowInterval is the heartbeat and storage re-check period used when none is given
const DefaultFollowInterval = 15 * time.Second

// FollowOptions configures a Follow call
type FollowOptions struct {
	FromIndex int           // First sequence number to deliver
	Interval  time.Duration // Heartbeat period; storage is re-read on every beat
	OnEntry   func(models.LogEntry) error
	OnIdle    func() error // Called on every beat, e.g. to write a ping
}

// FollowResult is how a Follow call ended
type FollowResult struct {
	Status    models.JobStatus
	NextIndex int
}

// Follow delivers a job's entries in sequence order, starting at FromIndex, until the
// job's final entry is delivered or the job is terminal with nothing left to read.
// Entries come from the bus while the job runs here and from storage otherwise, so a
// follower works for jobs running on any instance. No entry is delivered twice.
// All callbacks run on the calling goroutine.
func (s *Service) Follow(ctx context.Context, jobID string, opts FollowOptions) (*FollowResult, error) {
	if opts.OnEntry == nil {
		return nil, errors.New("follow requires an entry callback")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultFollowInterval
	}

	live := make(chan models.LogEntry, s.bus.Capacity())
	var overflow atomic.Bool

	// Subscribe before the first read so nothing published in between is missed
	subID := s.bus.Subscribe(jobID, func(entry models.LogEntry) {
		select {
		case live <- entry:
		default:
			overflow.Store(true)
		}
	})
	defer s.bus.Unsubscribe(jobID, subID)

	result := &FollowResult{NextIndex: max(opts.FromIndex, 0)}

	// deliver returns true once the final entry has been passed on
	deliver := func(entry models.LogEntry) (bool, error) {
		if entry.Seq < result.NextIndex {
			return false, nil
		}
		if err := opts.OnEntry(entry); err != nil {
			return false, err
		}
		result.NextIndex = entry.Seq + 1
		if entry.IsFinal() {
			result.Status = entry.Status
			return true, nil
		}
		return false, nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		page, err := s.GetPage(ctx, jobID, result.NextIndex, 0)
		if err != nil {
			return result, err
		}
		for _, entry := range page.Entries {
			done, err := deliver(entry)
			if err != nil || done {
				return result, err
			}
		}
		if !page.HasMore {
			result.Status = page.Status
			return result, nil
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case entry := <-live:
				done, err := deliver(entry)
				if err != nil || done {
					return result, err
				}
				if overflow.Swap(false) {
					// Dropped entries are still in the buffer or in storage
					break wait
				}
			case <-ticker.C:
				if opts.OnIdle != nil {
					if err := opts.OnIdle(); err != nil {
						return result, err
					}
				}
				break wait
			}
		}
	}
}
