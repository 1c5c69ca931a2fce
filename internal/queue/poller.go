package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/juris/internal/common"
	"github.com/ternarybob/juris/internal/interfaces"
	"github.com/ternarybob/juris/internal/models"
	"github.com/ternarybob/juris/internal/queue/state"
)

// Executor runs one claimed job to completion
type Executor interface {
	Execute(ctx context.Context, jobID string) (*JobOutcome, error)
}

// ErrShutdownTimeout is returned by Stop when in-flight jobs outlive the timeout
var ErrShutdownTimeout = errors.New("timed out waiting for running jobs")

// Poller claims pending jobs from shared storage and hands them to the executor
type Poller struct {
	config   Config
	storage  interfaces.JobStorage
	executor Executor
	tracker  *state.Tracker
	limiter  *Limiter
	logger   arbor.ILogger
	now      func() time.Time

	ticks atomic.Int64

	mu         sync.Mutex
	started    bool
	stopLoop   context.CancelFunc
	loopDone   chan struct{}
	jobCtx     context.Context
	cancelJobs context.CancelFunc
	inFlight   sync.WaitGroup
}

// NewPoller creates a poller. The tracker's capacity should match config.LocalMaxJobs.
func NewPoller(config Config, store interfaces.JobStorage, executor Executor, tracker *state.Tracker, logger arbor.ILogger) *Poller {
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	return &Poller{
		config:     config,
		storage:    store,
		executor:   executor,
		tracker:    tracker,
		limiter:    NewLimiter(config.LocalMaxJobs),
		logger:     logger,
		now:        time.Now,
		jobCtx:     jobCtx,
		cancelJobs: cancelJobs,
	}
}

// Start runs the startup sweep and begins polling every PollInterval
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("poller already started")
	}
	p.started = true

	if _, err := p.Recover(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("Startup stuck-job sweep failed")
	}

	loopCtx, stop := context.WithCancel(ctx)
	p.stopLoop = stop
	p.loopDone = make(chan struct{})

	p.logger.Info().
		Str("instance_id", p.config.InstanceID).
		Dur("poll_interval", p.config.PollInterval).
		Int("max_concurrent_jobs", p.config.MaxConcurrentJobs).
		Int("local_max_jobs", p.config.LocalMaxJobs).
		Msg("Job poller started")

	go p.loop(loopCtx)
	return nil
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.loopDone)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug().Msg("Job poller stopped")
			return
		case <-ticker.C:
			if _, err := p.Tick(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn().Err(err).Msg("Poll tick abandoned")
			}
		}
	}
}

// Stop ends polling and waits up to timeout for in-flight jobs.
// Jobs still running after the timeout have their context canceled.
func (p *Poller) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.started {
		p.stopLoop()
		<-p.loopDone
		p.started = false
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inFlight.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		p.cancelJobs()
		p.logger.Info().Msg("Job poller stopped, no jobs in flight")
		return nil
	case <-timer.C:
		p.cancelJobs()
		<-done
		p.logger.Warn().Dur("timeout", timeout).Msg("In-flight jobs canceled on shutdown")
		return ErrShutdownTimeout
	}
}

// Tick performs one poll: the periodic stuck sweep when due, then a bounded claim.
// It returns the number of jobs claimed.
func (p *Poller) Tick(ctx context.Context) (int, error) {
	tick := p.ticks.Add(1)
	if p.config.StuckSweepEvery > 0 && tick%int64(p.config.StuckSweepEvery) == 0 {
		if _, err := p.SweepStuck(ctx, p.config.StuckThreshold); err != nil {
			p.logger.Warn().Err(err).Msg("Stuck-job sweep failed")
		}
	}

	running, err := p.storage.CountRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count running jobs: %w", err)
	}

	available := p.config.MaxConcurrentJobs - running
	if local := p.tracker.Available(); local < available {
		available = local
	}
	if available <= 0 {
		p.logger.Trace().
			Int("running", running).
			Int("local_running", p.tracker.RunningCount()).
			Msg("No capacity, skipping claim")
		return 0, nil
	}

	claimed, err := p.storage.ClaimPending(ctx, interfaces.ClaimRequest{
		Limit:      available,
		MaxRunning: p.config.MaxConcurrentJobs,
		InstanceID: p.config.InstanceID,
		Now:        p.now(),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to claim pending jobs: %w", err)
	}

	if len(claimed) > 0 && len(claimed) < available {
		p.logger.Debug().
			Int("requested", available).
			Int("claimed", len(claimed)).
			Msg("Claimed fewer jobs than requested")
	}

	for _, job := range claimed {
		p.dispatch(job)
	}
	return len(claimed), nil
}

// dispatch runs a claimed job in its own goroutine. A panic fails only that job.
func (p *Poller) dispatch(job *models.Job) {
	p.tracker.MarkQueued(job.ID)
	p.inFlight.Add(1)

	p.logger.Info().
		Str("job_id", job.ID).
		Str("scrape_type", job.ScrapeType).
		Msg("Job claimed")

	go func() {
		defer p.inFlight.Done()
		defer common.RecoverWith(p.logger, "job-"+job.ID, func(r interface{}) {
			p.tracker.MarkCompleted(job.ID, state.Outcome{Error: fmt.Sprintf("panic: %v", r)})
		})

		if err := p.limiter.Acquire(p.jobCtx); err != nil {
			p.tracker.MarkCompleted(job.ID, state.Outcome{Canceled: true, Error: "shutdown before start"})
			return
		}
		defer p.limiter.Release()

		p.tracker.MarkRunning(job.ID)
		outcome, err := p.executor.Execute(p.jobCtx, job.ID)
		if err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Job execution error")
			return
		}
		p.logger.Debug().
			Str("job_id", job.ID).
			Str("status", outcome.Status.String()).
			Msg("Job execution returned")
	}()
}

// SweepStuck fails jobs that have been running longer than threshold
func (p *Poller) SweepStuck(ctx context.Context, threshold time.Duration) (int, error) {
	now := p.now()
	ids, err := p.storage.FailStuckJobs(ctx, now.Add(-threshold), now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stuck jobs: %w", err)
	}
	for _, id := range ids {
		p.logger.Warn().
			Str("job_id", id).
			Dur("threshold", threshold).
			Msg("Stuck job marked failed")
	}
	return len(ids), nil
}

// Recover fails jobs left running by an instance that stopped without finishing them
func (p *Poller) Recover(ctx context.Context) (int, error) {
	n, err := p.SweepStuck(ctx, p.config.StartupStuckThreshold)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Info().Int("jobs", n).Msg("Recovered stuck jobs at startup")
	}
	return n, nil
}

// Running returns the number of jobs holding a local slot
func (p *Poller) Running() int {
	return p.limiter.Running()
}
