package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/juris/internal/interfaces"
	"github.com/ternarybob/juris/internal/logs"
	"github.com/ternarybob/juris/internal/models"
	"github.com/ternarybob/juris/internal/queue/state"
	"github.com/ternarybob/juris/internal/storage"
	"golang.org/x/sync/errgroup"
)

// SubtaskOutcome is how one sub-task ended
type SubtaskOutcome struct {
	SubtaskID string           `json:"subtaskId"`
	Tribunal  string           `json:"tribunal"`
	Status    models.JobStatus `json:"status"`
	ItemCount int              `json:"itemCount"`
	Attempts  int              `json:"attempts"`
	ErrorKind models.ErrorKind `json:"errorKind,omitempty"`
	Retryable bool             `json:"retryable"`
	Message   string           `json:"message,omitempty"`
}

// JobOutcome is the aggregated result of one Execute call
type JobOutcome struct {
	JobID      string           `json:"jobId"`
	Status     models.JobStatus `json:"status"`
	Partial    bool             `json:"partialFailure"`
	TotalItems int              `json:"totalItems"`
	Subtasks   []SubtaskOutcome `json:"subtasks"`
	Error      string           `json:"error,omitempty"`
}

// Aggregate derives the job status from its sub-task outcomes.
// Any cancellation wins; otherwise no failures is completed, all failures is failed
// and a mix is completed with the partial flag set.
func Aggregate(outcomes []SubtaskOutcome) (models.JobStatus, bool) {
	failed := 0
	for _, o := range outcomes {
		switch o.Status {
		case models.JobStatusCanceled:
			return models.JobStatusCanceled, false
		case models.JobStatusFailed:
			failed++
		}
	}

	switch {
	case failed == 0:
		return models.JobStatusCompleted, false
	case failed == len(outcomes):
		return models.JobStatusFailed, false
	default:
		return models.JobStatusCompleted, true
	}
}

// Coordinator runs every sub-task of a claimed job and records the result
type Coordinator struct {
	storage     interfaces.JobStorage
	runner      interfaces.ScriptRunner
	credentials interfaces.CredentialStore
	bus         *logs.Bus
	tracker     *state.Tracker
	policy      RetryPolicy
	concurrency int
	timeout     time.Duration
	trailLimit  int
	logger      arbor.ILogger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewCoordinator creates a coordinator. credentials and tracker may be nil.
func NewCoordinator(
	config Config,
	store interfaces.JobStorage,
	runner interfaces.ScriptRunner,
	credentials interfaces.CredentialStore,
	bus *logs.Bus,
	tracker *state.Tracker,
	logger arbor.ILogger,
) *Coordinator {
	concurrency := config.SubtaskConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Coordinator{
		storage:     store,
		runner:      runner,
		credentials: credentials,
		bus:         bus,
		tracker:     tracker,
		policy:      config.Retry,
		concurrency: concurrency,
		timeout:     config.SubtaskTimeout,
		trailLimit:  config.TrailLimit,
		logger:      logger,
		sleep:       sleepContext,
		now:         time.Now,
	}
}

// Execute runs the job to a terminal state. Sub-task failures are reported in the
// outcome; the returned error is only set when the result could not be recorded.
func (c *Coordinator) Execute(ctx context.Context, jobID string) (*JobOutcome, error) {
	logger := c.logger.WithCorrelationId(jobID)

	job, err := c.storage.GetJob(ctx, jobID)
	if err != nil {
		return c.abort(ctx, jobID, fmt.Errorf("failed to load job: %w", err), logger)
	}
	if job.Status == models.JobStatusCanceled {
		logger.Info().Msg("Job canceled before execution")
		return c.finish(ctx, job.ID, &JobOutcome{JobID: job.ID, Status: models.JobStatusCanceled}, logger)
	}

	subtasks, err := c.storage.ListSubtasks(ctx, jobID)
	if err != nil {
		return c.abort(ctx, jobID, fmt.Errorf("failed to load subtasks: %w", err), logger)
	}

	logger.Info().
		Str("scrape_type", job.ScrapeType).
		Int("subtasks", len(subtasks)).
		Msg("Executing job")
	c.bus.Publish(job.ID, models.LogEntry{
		Level:   models.LogLevelInfo,
		Message: fmt.Sprintf("Job started with %d tribunal(s)", len(subtasks)),
		Context: map[string]interface{}{
			"scrape_type":     job.ScrapeType,
			"scrape_sub_type": job.ScrapeSubType,
			"subtasks":        len(subtasks),
		},
	})

	outcomes := make([]SubtaskOutcome, len(subtasks))
	limiter := NewLimiter(c.concurrency)

	// Sub-task errors are folded into outcomes, so the group never short-circuits
	var g errgroup.Group
	for i, subtask := range subtasks {
		g.Go(func() error {
			if err := limiter.Acquire(ctx); err != nil {
				outcomes[i] = SubtaskOutcome{
					SubtaskID: subtask.ID,
					Tribunal:  subtask.Target.Tribunal,
					Status:    models.JobStatusCanceled,
					ErrorKind: models.ErrorKindCanceled,
					Message:   "execution stopped before start",
				}
				return nil
			}
			defer limiter.Release()
			outcomes[i] = c.runSubtask(ctx, job, subtask, logger)
			return nil
		})
	}
	_ = g.Wait()

	outcome := &JobOutcome{JobID: job.ID, Subtasks: outcomes}
	outcome.Status, outcome.Partial = Aggregate(outcomes)
	for _, o := range outcomes {
		outcome.TotalItems += o.ItemCount
	}

	if outcome.Status != models.JobStatusCanceled && c.isCanceled(ctx, job.ID) {
		outcome.Status = models.JobStatusCanceled
		outcome.Partial = false
	}

	return c.finish(ctx, job.ID, outcome, logger)
}

// abort fails a job that could not be started
func (c *Coordinator) abort(ctx context.Context, jobID string, cause error, logger arbor.ILogger) (*JobOutcome, error) {
	logger.Error().Err(cause).Msg("Job could not be executed")

	outcome := &JobOutcome{
		JobID:  jobID,
		Status: models.JobStatusFailed,
		Error:  cause.Error(),
	}
	if errors.Is(cause, models.ErrJobNotFound) {
		c.notifyTracker(jobID, outcome)
		return outcome, cause
	}
	return c.finish(ctx, jobID, outcome, logger)
}

// finish publishes the final entry, persists the log, writes the terminal status
// (never over a cancellation), notifies the tracker and evicts the buffer.
func (c *Coordinator) finish(ctx context.Context, jobID string, outcome *JobOutcome, logger arbor.ILogger) (*JobOutcome, error) {
	// Shutdown must not lose the result of work that already ran
	ctx = context.WithoutCancel(ctx)
	at := c.now()

	c.bus.Publish(jobID, finalEntry(outcome))

	var errs []error
	if err := c.storage.AppendJobLogs(ctx, jobID, c.bus.Snapshot(jobID)); err != nil {
		logger.Warn().Err(err).Msg("Failed to flush job log")
		errs = append(errs, fmt.Errorf("flush job log: %w", err))
	}

	if outcome.Status != models.JobStatusCanceled {
		written, err := c.storage.FinishJob(ctx, jobID, outcome.Status, at)
		switch {
		case err != nil:
			logger.Error().Err(err).Str("status", outcome.Status.String()).Msg("Failed to write job status")
			errs = append(errs, fmt.Errorf("write job status: %w", err))
		case !written:
			// Canceled (or swept) while the final write was in flight
			if status, err := c.storage.GetJobStatus(ctx, jobID); err == nil && status == models.JobStatusCanceled {
				outcome.Status = models.JobStatusCanceled
				outcome.Partial = false
			}
			logger.Warn().Str("status", outcome.Status.String()).Msg("Job status already terminal, not overwritten")
		}
	}

	c.notifyTracker(jobID, outcome)
	c.bus.Evict(jobID)

	logger.Info().
		Str("status", outcome.Status.String()).
		Bool("partial", outcome.Partial).
		Int("total_items", outcome.TotalItems).
		Msg("Job finished")

	return outcome, errors.Join(errs...)
}

func (c *Coordinator) notifyTracker(jobID string, outcome *JobOutcome) {
	if c.tracker == nil {
		return
	}
	c.tracker.MarkCompleted(jobID, state.Outcome{
		Success:  outcome.Status == models.JobStatusCompleted,
		Partial:  outcome.Partial,
		Canceled: outcome.Status == models.JobStatusCanceled,
		Error:    outcome.Error,
	})
}

func finalEntry(outcome *JobOutcome) models.LogEntry {
	entry := models.LogEntry{
		Status: outcome.Status,
		Context: map[string]interface{}{
			"total_items": outcome.TotalItems,
			"subtasks":    len(outcome.Subtasks),
		},
	}

	switch {
	case outcome.Status == models.JobStatusCanceled:
		entry.Level = models.LogLevelWarn
		entry.Message = "Job canceled"
	case outcome.Status == models.JobStatusFailed:
		entry.Level = models.LogLevelError
		entry.Message = "Job failed"
		if outcome.Error != "" {
			entry.Message = "Job failed: " + outcome.Error
		}
	case outcome.Partial:
		entry.Level = models.LogLevelWarn
		entry.Message = fmt.Sprintf("Job completed with failures, %d item(s) collected", outcome.TotalItems)
		entry.Context["partial_failure"] = true
	default:
		entry.Level = models.LogLevelSuccess
		entry.Message = fmt.Sprintf("Job completed, %d item(s) collected", outcome.TotalItems)
	}
	return entry
}

// isCanceled is the cancellation checkpoint. Read errors are treated as not canceled.
func (c *Coordinator) isCanceled(ctx context.Context, jobID string) bool {
	status, err := c.storage.GetJobStatus(context.WithoutCancel(ctx), jobID)
	return err == nil && status == models.JobStatusCanceled
}

// subtaskRun carries per-sub-task state through the attempt loop
type subtaskRun struct {
	c       *Coordinator
	job     *models.Job
	subtask *models.Subtask
	logger  arbor.ILogger

	mu    sync.Mutex
	trail []models.LogEntry
}

// publish sends an entry to the bus and keeps the newest ones for the execution record.
// Runner sinks may call it from their own goroutine.
func (r *subtaskRun) publish(level models.LogLevel, message string, fields map[string]interface{}) {
	entry := r.c.bus.Publish(r.job.ID, models.LogEntry{
		Level:     level,
		Message:   message,
		SubtaskID: r.subtask.ID,
		Tribunal:  r.subtask.Target.Tribunal,
		Context:   fields,
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c.trailLimit > 0 && len(r.trail) >= r.c.trailLimit {
		r.trail = r.trail[1:]
	}
	r.trail = append(r.trail, entry)
}

func (r *subtaskRun) trailSnapshot() []models.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.LogEntry, len(r.trail))
	copy(out, r.trail)
	return out
}

func (c *Coordinator) runSubtask(ctx context.Context, job *models.Job, subtask *models.Subtask, logger arbor.ILogger) SubtaskOutcome {
	out := SubtaskOutcome{
		SubtaskID: subtask.ID,
		Tribunal:  subtask.Target.Tribunal,
	}
	if subtask.Status.IsTerminal() {
		out.Status = subtask.Status
		return out
	}

	run := &subtaskRun{
		c:       c,
		job:     job,
		subtask: subtask,
		logger:  logger,
	}
	started := c.now()

	if ctx.Err() != nil || c.isCanceled(ctx, job.ID) {
		return c.completeSubtask(ctx, run, out, started, nil, models.ErrJobCanceled)
	}

	if err := c.storage.UpdateSubtaskStatus(ctx, subtask.ID, models.JobStatusRunning, started); err != nil {
		logger.Warn().Err(err).Str("subtask_id", subtask.ID).Msg("Failed to mark subtask running")
	}
	run.publish(models.LogLevelInfo, fmt.Sprintf("Starting %s", subtask.Target.Tribunal), map[string]interface{}{
		"engine": subtask.Target.Engine,
	})

	creds, err := c.lookupCredentials(ctx, run)
	if err != nil {
		return c.completeSubtask(ctx, run, out, started, nil, err)
	}

	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		result, err := c.attempt(ctx, run, creds, attempt)
		if err == nil {
			return c.completeSubtask(ctx, run, out, started, result, nil)
		}

		if ctx.Err() != nil || c.isCanceled(ctx, job.ID) {
			return c.completeSubtask(ctx, run, out, started, nil, models.ErrJobCanceled)
		}

		scrapeErr := Classify(err)
		if !c.policy.ShouldRetry(attempt, scrapeErr.Retryable) {
			return c.completeSubtask(ctx, run, out, started, nil, scrapeErr)
		}

		delay := c.policy.Delay(attempt)
		run.publish(models.LogLevelWarn, fmt.Sprintf("Attempt %d failed (%s), retrying in %s", attempt, scrapeErr.Kind, delay), map[string]interface{}{
			"attempt":    attempt,
			"error_kind": string(scrapeErr.Kind),
			"error":      scrapeErr.Error(),
			"delay_ms":   delay.Milliseconds(),
		})
		logger.Debug().
			Str("subtask_id", subtask.ID).
			Int("attempt", attempt).
			Str("error_kind", string(scrapeErr.Kind)).
			Dur("delay", delay).
			Msg("Retrying subtask")

		if err := c.sleep(ctx, delay); err != nil || c.isCanceled(ctx, job.ID) {
			return c.completeSubtask(ctx, run, out, started, nil, models.ErrJobCanceled)
		}
	}
}

func (c *Coordinator) lookupCredentials(ctx context.Context, run *subtaskRun) (*models.Credentials, error) {
	if c.credentials == nil || !run.subtask.Target.RequiresAuth {
		return nil, nil
	}
	run.publish(models.LogLevelInfo, "Looking up credentials", nil)

	creds, err := c.credentials.Lookup(ctx, run.subtask.Target.Tribunal)
	if err != nil {
		return nil, models.NewScrapeError(models.ErrorKindAuthentication, "credential lookup failed", err)
	}
	if creds == nil {
		return nil, models.NewScrapeError(models.ErrorKindAuthentication,
			fmt.Sprintf("no credentials configured for %s", run.subtask.Target.Tribunal), nil)
	}
	return creds, nil
}

// attempt runs the script once under a hard time limit. The result is abandoned
// when the limit passes even if the runner ignores its context.
func (c *Coordinator) attempt(ctx context.Context, run *subtaskRun, creds *models.Credentials, attempt int) (*models.ScrapeResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := models.ScriptRequest{
		JobID:         run.job.ID,
		SubtaskID:     run.subtask.ID,
		Attempt:       attempt,
		ScrapeType:    run.job.ScrapeType,
		ScrapeSubType: run.job.ScrapeSubType,
		Target:        run.subtask.Target,
		Credentials:   creds,
	}
	run.publish(models.LogLevelInfo, fmt.Sprintf("Executing attempt %d of %d", attempt, c.policy.MaxAttempts), map[string]interface{}{
		"attempt": attempt,
	})

	type runResult struct {
		result *models.ScrapeResult
		err    error
	}
	done := make(chan runResult, 1)
	sink := func(level models.LogLevel, message string, fields map[string]interface{}) {
		if attemptCtx.Err() == nil {
			run.publish(level, message, fields)
		}
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: fmt.Errorf("runner panic: %v", r)}
			}
		}()
		result, err := c.runner.Run(attemptCtx, req, sink)
		done <- runResult{result: result, err: err}
	}()

	var res runResult
	select {
	case res = <-done:
	case <-attemptCtx.Done():
		res = runResult{err: attemptCtx.Err()}
	}

	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, models.NewScrapeError(models.ErrorKindTimeout,
			fmt.Sprintf("attempt exceeded %s", c.timeout), context.DeadlineExceeded)
	}
	if res.err != nil {
		return nil, res.err
	}
	if res.result == nil || !res.result.Success {
		return nil, errors.New("runner reported an unsuccessful scrape without an error")
	}
	return res.result, nil
}

// completeSubtask records the execution and the sub-task's terminal status
func (c *Coordinator) completeSubtask(
	ctx context.Context,
	run *subtaskRun,
	out SubtaskOutcome,
	started time.Time,
	result *models.ScrapeResult,
	cause error,
) SubtaskOutcome {
	// Results are recorded even when the job context is canceled
	ctx = context.WithoutCancel(ctx)

	exec := &models.Execution{
		ID:        uuid.New().String(),
		JobID:     run.job.ID,
		SubtaskID: run.subtask.ID,
		Tribunal:  run.subtask.Target.Tribunal,
		Attempts:  out.Attempts,
		StartedAt: started,
	}

	switch {
	case cause == nil:
		out.Status = models.JobStatusCompleted
		out.ItemCount = result.Count()
		payload, err := storage.EncodePayload(result.Items)
		if err != nil {
			run.logger.Warn().Err(err).Str("subtask_id", run.subtask.ID).Msg("Failed to encode scrape payload")
		}
		exec.Payload = payload
		run.publish(models.LogLevelSuccess, fmt.Sprintf("%s completed with %d item(s)", out.Tribunal, out.ItemCount), map[string]interface{}{
			"item_count": out.ItemCount,
			"attempts":   out.Attempts,
		})

	case errors.Is(cause, models.ErrJobCanceled):
		out.Status = models.JobStatusCanceled
		out.ErrorKind = models.ErrorKindCanceled
		out.Message = "job canceled"
		run.publish(models.LogLevelWarn, fmt.Sprintf("%s canceled", out.Tribunal), nil)

	default:
		scrapeErr := Classify(cause)
		out.Status = models.JobStatusFailed
		out.ErrorKind = scrapeErr.Kind
		out.Retryable = scrapeErr.Retryable
		out.Message = scrapeErr.Error()
		run.publish(models.LogLevelError, fmt.Sprintf("%s failed: %s", out.Tribunal, out.Message), map[string]interface{}{
			"error_kind": string(scrapeErr.Kind),
			"retryable":  scrapeErr.Retryable,
			"attempts":   out.Attempts,
		})
	}

	completedAt := c.now()
	exec.Status = out.Status
	exec.ItemCount = out.ItemCount
	exec.ErrorKind = out.ErrorKind
	exec.Retryable = out.Retryable
	exec.ErrorMessage = out.Message
	exec.Logs = run.trailSnapshot()
	exec.CompletedAt = completedAt

	if err := c.storage.SaveExecution(ctx, exec); err != nil {
		run.logger.Error().Err(err).Str("subtask_id", run.subtask.ID).Msg("Failed to save execution record")
	}
	if err := c.storage.UpdateSubtaskStatus(ctx, run.subtask.ID, out.Status, completedAt); err != nil {
		run.logger.Warn().Err(err).Str("subtask_id", run.subtask.ID).Msg("Failed to update subtask status")
	}
	return out
}
