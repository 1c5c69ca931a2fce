package state

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
)

// DefaultSweepSchedule runs the retention sweep once an hour
const DefaultSweepSchedule = "@every 1h"

// Sweeper drops expired tracker records on a cron schedule
type Sweeper struct {
	tracker *Tracker
	cron    *cron.Cron
	logger  arbor.ILogger
	now     func() time.Time
}

// NewSweeper creates a sweeper for the tracker
func NewSweeper(tracker *Tracker, logger arbor.ILogger) *Sweeper {
	return &Sweeper{
		tracker: tracker,
		cron:    cron.New(),
		logger:  logger,
		now:     time.Now,
	}
}

// Start schedules the sweep. An empty schedule uses DefaultSweepSchedule.
func (s *Sweeper) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	if _, err := s.cron.AddFunc(schedule, func() {
		s.RunNow()
	}); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info().
		Str("schedule", schedule).
		Msg("Status tracker sweep scheduled")
	return nil
}

// Stop stops the schedule and waits for a running sweep to return
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Debug().Msg("Status tracker sweep stopped")
}

// RunNow sweeps immediately and returns the number of records removed
func (s *Sweeper) RunNow() int {
	removed := s.tracker.Sweep(s.now())
	s.logger.Debug().
		Int("removed", removed).
		Int("running", s.tracker.RunningCount()).
		Int("queued", s.tracker.QueuedCount()).
		Msg("Status tracker sweep completed")
	return removed
}
