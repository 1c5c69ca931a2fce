package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/juris/internal/models"
)

// ClaimRequest bounds a single claim transaction
type ClaimRequest struct {
	Limit      int       // Most jobs to claim in this transaction
	MaxRunning int       // Global ceiling re-checked inside the transaction
	InstanceID string    // Recorded as claimed_by on claimed jobs
	Now        time.Time // Start time written to claimed jobs
}

// JobStorage - interface for scrape job persistence shared by every instance
type JobStorage interface {
	// Job operations
	CreateJob(ctx context.Context, job *models.Job, subtasks []*models.Subtask) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	GetJobStatus(ctx context.Context, jobID string) (models.JobStatus, error)
	ListJobs(ctx context.Context, limit int) ([]*models.Job, error)
	CountRunning(ctx context.Context) (int, error)

	// ClaimPending atomically moves the oldest unclaimed pending jobs to running
	// and returns only the jobs this caller actually claimed
	ClaimPending(ctx context.Context, req ClaimRequest) ([]*models.Job, error)

	// FinishJob writes a terminal status only while the job is still running.
	// Returns false when the job was canceled (or finished) by someone else.
	FinishJob(ctx context.Context, jobID string, status models.JobStatus, at time.Time) (bool, error)

	// CancelJob marks a pending or running job canceled. Returns false if already terminal.
	CancelJob(ctx context.Context, jobID string, at time.Time) (bool, error)

	// FailStuckJobs fails running jobs started before the cutoff and returns their ids
	FailStuckJobs(ctx context.Context, startedBefore time.Time, at time.Time) ([]string, error)

	// Sub-task operations
	ListSubtasks(ctx context.Context, jobID string) ([]*models.Subtask, error)
	UpdateSubtaskStatus(ctx context.Context, subtaskID string, status models.JobStatus, at time.Time) error

	// Execution records
	SaveExecution(ctx context.Context, exec *models.Execution) error
	ListExecutions(ctx context.Context, jobID string) ([]*models.Execution, error)

	// Durable job log. GetJobLogs returns entries with Seq >= fromIndex (at most limit,
	// 0 for no limit) and the index one past the newest stored entry.
	AppendJobLogs(ctx context.Context, jobID string, entries []models.LogEntry) error
	GetJobLogs(ctx context.Context, jobID string, fromIndex, limit int) ([]models.LogEntry, int, error)

	Close() error
}
