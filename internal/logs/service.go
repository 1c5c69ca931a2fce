package logs

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/juris/internal/interfaces"
	"github.com/ternarybob/juris/internal/models"
)

// Page is one polling response
type Page struct {
	Entries   []models.LogEntry `json:"entries"`
	NextIndex int               `json:"nextIndex"`
	HasMore   bool              `json:"hasMore"`
	Status    models.JobStatus  `json:"status"`
}

// DefaultFinalGrace is how long a claimed job that turned terminal without a
// stored final entry is still treated as having more to come
const DefaultFinalGrace = 10 * time.Minute

// Service reads job logs from the live bus while a job runs on this instance
// and from durable storage otherwise
type Service struct {
	bus        *Bus
	storage    interfaces.JobStorage
	logger     arbor.ILogger
	finalGrace time.Duration
	now        func() time.Time
}

// NewService creates a log reader over the bus and the job store
func NewService(bus *Bus, storage interfaces.JobStorage, logger arbor.ILogger) *Service {
	return &Service{
		bus:        bus,
		storage:    storage,
		logger:     logger,
		finalGrace: DefaultFinalGrace,
		now:        time.Now,
	}
}

// SetFinalGrace sets how long readers of a canceled or swept job wait for its
// coordinator, possibly on another instance, to store the final entry.
// It should cover one attempt, since cancellation is observed between attempts.
func (s *Service) SetFinalGrace(d time.Duration) {
	if d > 0 {
		s.finalGrace = d
	}
}

// GetPage returns entries from fromIndex onward. HasMore stays true until the caller
// has read past the job's final entry, or the job is terminal with no final entry
// expected. A job turns terminal in storage on cancel or sweep before its
// coordinator publishes the closing entries.
func (s *Service) GetPage(ctx context.Context, jobID string, fromIndex, limit int) (*Page, error) {
	if fromIndex < 0 {
		fromIndex = 0
	}

	// Status first: a terminal status guarantees the durable log is complete
	status, err := s.storage.GetJobStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}

	page := &Page{Status: status, Entries: []models.LogEntry{}}

	if s.bus.Has(jobID) {
		entries, next := s.bus.GetBuffered(jobID, fromIndex)
		if limit > 0 && len(entries) > limit {
			entries = entries[:limit]
			next = entries[len(entries)-1].Seq + 1
		}
		page.Entries = append(page.Entries, entries...)
		page.NextIndex = next

		// The coordinator publishes the final entry before it evicts the buffer
		final, ok := s.bus.Final(jobID)
		switch {
		case ok:
			page.HasMore = page.NextIndex <= final.Seq
			if !page.HasMore && !status.IsTerminal() {
				page.Status = final.Status
			}
		case status.IsTerminal():
			page.HasMore = s.withinFinalGrace(ctx, jobID)
		default:
			page.HasMore = true
		}
		return page, nil
	}

	entries, end, err := s.storage.GetJobLogs(ctx, jobID, fromIndex, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read job logs: %w", err)
	}
	page.Entries = append(page.Entries, entries...)
	page.NextIndex = fromIndex + len(entries)
	if len(entries) > 0 {
		page.NextIndex = entries[len(entries)-1].Seq + 1
	}
	page.HasMore = !status.IsTerminal() || page.NextIndex < end
	if !page.HasMore && s.awaitingFinal(ctx, jobID, end) {
		page.HasMore = true
	}
	return page, nil
}

// awaitingFinal reports whether a terminal job may still get its closing entries
// from a coordinator that has not flushed yet. Jobs that were never claimed have no
// coordinator; after finalGrace the coordinator is presumed gone.
func (s *Service) awaitingFinal(ctx context.Context, jobID string, end int) bool {
	job, err := s.storage.GetJob(ctx, jobID)
	if err != nil || job.StartedAt == nil || !s.inGrace(job) {
		return false
	}
	if end == 0 {
		return true
	}
	last, _, err := s.storage.GetJobLogs(ctx, jobID, end-1, 1)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to read last job log entry")
		return false
	}
	return len(last) == 0 || !last[len(last)-1].IsFinal()
}

// withinFinalGrace reports whether a terminal job finished less than finalGrace ago
func (s *Service) withinFinalGrace(ctx context.Context, jobID string) bool {
	job, err := s.storage.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to read job for final entry check")
		return false
	}
	return s.inGrace(job)
}

func (s *Service) inGrace(job *models.Job) bool {
	return job.CompletedAt != nil && s.now().Sub(*job.CompletedAt) < s.finalGrace
}

// Recent returns the newest n entries for a job from whichever source holds them
func (s *Service) Recent(ctx context.Context, jobID string, n int) []models.LogEntry {
	if s.bus.Has(jobID) {
		return s.bus.Recent(jobID, n)
	}

	_, end, err := s.storage.GetJobLogs(ctx, jobID, 0, 1)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to count job logs")
		return nil
	}
	from := end - n
	if from < 0 {
		from = 0
	}
	entries, _, err := s.storage.GetJobLogs(ctx, jobID, from, n)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to read recent job logs")
		return nil
	}
	return entries
}
