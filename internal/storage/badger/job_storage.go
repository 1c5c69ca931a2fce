package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/juris/internal/common"
	"github.com/ternarybob/juris/internal/interfaces"
	"github.com/ternarybob/juris/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// maxConflictRetries bounds retries of optimistic transactions that lost a write conflict
const maxConflictRetries = 5

// JobRecord is the stored form of a job
type JobRecord struct {
	ID            string `badgerhold:"key"`
	Status        string `badgerhold:"index"`
	ScrapeType    string
	ScrapeSubType string
	ClaimedBy     string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// SubtaskRecord is the stored form of a sub-task. Target is JSON.
type SubtaskRecord struct {
	ID        string `badgerhold:"key"`
	JobID     string `badgerhold:"index"`
	Position  int
	Target    []byte
	Status    string
	UpdatedAt time.Time
}

// ExecutionRecord is the stored form of an execution. Logs is JSON.
type ExecutionRecord struct {
	ID           string `badgerhold:"key"`
	JobID        string `badgerhold:"index"`
	SubtaskID    string
	Tribunal     string
	Status       string
	Attempts     int
	ItemCount    int
	ErrorKind    string
	Retryable    bool
	ErrorMessage string
	Payload      []byte
	Logs         []byte
	StartedAt    time.Time
	CompletedAt  time.Time
}

// LogRecord is one durable job log entry. Key format: "<jobID>:<seq>"
type LogRecord struct {
	Key       string `badgerhold:"key"`
	JobID     string `badgerhold:"index"`
	Seq       int
	Timestamp time.Time
	Level     string
	Message   string
	SubtaskID string
	Tribunal  string
	Status    string
	Context   []byte
}

// JobStorage implements interfaces.JobStorage on Badger.
// Claims are serialised within this process only.
type JobStorage struct {
	db      *BadgerDB
	logger  arbor.ILogger
	claimMu sync.Mutex
}

// NewJobStorage opens the database and returns the store
func NewJobStorage(logger arbor.ILogger, config *common.BadgerConfig) (*JobStorage, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}
	return NewJobStorageWithDB(db, logger), nil
}

// NewJobStorageWithDB wraps an already open database
func NewJobStorageWithDB(db *BadgerDB, logger arbor.ILogger) *JobStorage {
	return &JobStorage{db: db, logger: logger}
}

var _ interfaces.JobStorage = (*JobStorage)(nil)

// update runs fn in a read-write transaction, retrying on write conflicts
func (s *JobStorage) update(fn func(tx *badgerdb.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Store().Badger().Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
		s.logger.Debug().Int("attempt", attempt+1).Msg("BadgerDB: transaction conflict, retrying")
	}
	return err
}

func (s *JobStorage) CreateJob(ctx context.Context, job *models.Job, subtasks []*models.Subtask) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	return s.update(func(tx *badgerdb.Txn) error {
		rec := toJobRecord(job)
		if err := s.db.Store().TxInsert(tx, rec.ID, rec); err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}
		for _, st := range subtasks {
			srec, err := toSubtaskRecord(st)
			if err != nil {
				return err
			}
			if err := s.db.Store().TxInsert(tx, srec.ID, srec); err != nil {
				return fmt.Errorf("failed to insert subtask: %w", err)
			}
		}
		return nil
	})
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var rec JobRecord
	if err := s.db.Store().Get(jobID, &rec); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return rec.toModel(), nil
}

func (s *JobStorage) GetJobStatus(ctx context.Context, jobID string) (models.JobStatus, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

func (s *JobStorage) ListJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	var recs []JobRecord
	if err := s.db.Store().Find(&recs, nil); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}

	jobs := make([]*models.Job, 0, len(recs))
	for i := range recs {
		jobs = append(jobs, recs[i].toModel())
	}
	return jobs, nil
}

func (s *JobStorage) CountRunning(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&JobRecord{}, badgerhold.Where("Status").Eq(string(models.JobStatusRunning)))
	if err != nil {
		return 0, fmt.Errorf("failed to count running jobs: %w", err)
	}
	return int(count), nil
}

func (s *JobStorage) ClaimPending(ctx context.Context, req interfaces.ClaimRequest) ([]*models.Job, error) {
	if req.Limit <= 0 {
		return nil, nil
	}

	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	var claimed []*models.Job
	err := s.update(func(tx *badgerdb.Txn) error {
		claimed = nil

		running, err := s.db.Store().TxCount(tx, &JobRecord{}, badgerhold.Where("Status").Eq(string(models.JobStatusRunning)))
		if err != nil {
			return fmt.Errorf("failed to count running jobs: %w", err)
		}
		slots := req.Limit
		if req.MaxRunning > 0 && req.MaxRunning-int(running) < slots {
			slots = req.MaxRunning - int(running)
		}
		if slots <= 0 {
			return nil
		}

		var pending []JobRecord
		if err := s.db.Store().TxFind(tx, &pending, badgerhold.Where("Status").Eq(string(models.JobStatusPending))); err != nil {
			return fmt.Errorf("failed to find pending jobs: %w", err)
		}
		sort.Slice(pending, func(i, j int) bool {
			if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
				return pending[i].ID < pending[j].ID
			}
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		})

		now := req.Now
		for i := range pending {
			if len(claimed) == slots {
				break
			}
			rec := pending[i]
			if rec.StartedAt != nil {
				continue
			}
			rec.Status = string(models.JobStatusRunning)
			rec.StartedAt = &now
			rec.ClaimedBy = req.InstanceID
			if err := s.db.Store().TxUpdate(tx, rec.ID, rec); err != nil {
				return fmt.Errorf("failed to claim job %s: %w", rec.ID, err)
			}
			claimed = append(claimed, rec.toModel())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *JobStorage) FinishJob(ctx context.Context, jobID string, status models.JobStatus, at time.Time) (bool, error) {
	var finished bool
	err := s.update(func(tx *badgerdb.Txn) error {
		finished = false

		var rec JobRecord
		if err := s.db.Store().TxGet(tx, jobID, &rec); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
			}
			return err
		}
		if rec.Status != string(models.JobStatusRunning) {
			return nil
		}
		rec.Status = string(status)
		rec.CompletedAt = &at
		if err := s.db.Store().TxUpdate(tx, rec.ID, rec); err != nil {
			return err
		}
		finished = true
		return nil
	})
	return finished, err
}

func (s *JobStorage) CancelJob(ctx context.Context, jobID string, at time.Time) (bool, error) {
	var canceled bool
	err := s.update(func(tx *badgerdb.Txn) error {
		canceled = false

		var rec JobRecord
		if err := s.db.Store().TxGet(tx, jobID, &rec); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
			}
			return err
		}

		wasPending := rec.Status == string(models.JobStatusPending)
		if !wasPending && rec.Status != string(models.JobStatusRunning) {
			return nil
		}

		rec.Status = string(models.JobStatusCanceled)
		rec.CompletedAt = &at
		if err := s.db.Store().TxUpdate(tx, rec.ID, rec); err != nil {
			return err
		}

		// Sub-tasks of a job that never started will never reach a checkpoint
		if wasPending {
			if err := s.txSetSubtasks(tx, jobID, models.JobStatusCanceled, at); err != nil {
				return err
			}
		}
		canceled = true
		return nil
	})
	return canceled, err
}

func (s *JobStorage) FailStuckJobs(ctx context.Context, startedBefore time.Time, at time.Time) ([]string, error) {
	var failed []string
	err := s.update(func(tx *badgerdb.Txn) error {
		failed = nil

		var running []JobRecord
		if err := s.db.Store().TxFind(tx, &running, badgerhold.Where("Status").Eq(string(models.JobStatusRunning))); err != nil {
			return fmt.Errorf("failed to find running jobs: %w", err)
		}

		for i := range running {
			rec := running[i]
			if rec.StartedAt == nil || !rec.StartedAt.Before(startedBefore) {
				continue
			}
			rec.Status = string(models.JobStatusFailed)
			rec.CompletedAt = &at
			if err := s.db.Store().TxUpdate(tx, rec.ID, rec); err != nil {
				return err
			}
			if err := s.txSetSubtasks(tx, rec.ID, models.JobStatusFailed, at); err != nil {
				return err
			}
			failed = append(failed, rec.ID)
		}
		return nil
	})
	return failed, err
}

// txSetSubtasks moves every non-terminal sub-task of a job to status
func (s *JobStorage) txSetSubtasks(tx *badgerdb.Txn, jobID string, status models.JobStatus, at time.Time) error {
	var subtasks []SubtaskRecord
	if err := s.db.Store().TxFind(tx, &subtasks, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return fmt.Errorf("failed to find subtasks: %w", err)
	}
	for i := range subtasks {
		st := subtasks[i]
		if models.JobStatus(st.Status).IsTerminal() {
			continue
		}
		st.Status = string(status)
		st.UpdatedAt = at
		if err := s.db.Store().TxUpdate(tx, st.ID, st); err != nil {
			return fmt.Errorf("failed to update subtask %s: %w", st.ID, err)
		}
	}
	return nil
}

func (s *JobStorage) ListSubtasks(ctx context.Context, jobID string) ([]*models.Subtask, error) {
	var recs []SubtaskRecord
	if err := s.db.Store().Find(&recs, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return nil, fmt.Errorf("failed to list subtasks: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Position < recs[j].Position })

	subtasks := make([]*models.Subtask, 0, len(recs))
	for i := range recs {
		st, err := recs[i].toModel()
		if err != nil {
			return nil, err
		}
		subtasks = append(subtasks, st)
	}
	return subtasks, nil
}

func (s *JobStorage) UpdateSubtaskStatus(ctx context.Context, subtaskID string, status models.JobStatus, at time.Time) error {
	return s.update(func(tx *badgerdb.Txn) error {
		var rec SubtaskRecord
		if err := s.db.Store().TxGet(tx, subtaskID, &rec); err != nil {
			return fmt.Errorf("failed to get subtask %s: %w", subtaskID, err)
		}
		rec.Status = string(status)
		rec.UpdatedAt = at
		return s.db.Store().TxUpdate(tx, rec.ID, rec)
	})
}

func (s *JobStorage) SaveExecution(ctx context.Context, exec *models.Execution) error {
	logs, err := json.Marshal(exec.Logs)
	if err != nil {
		return fmt.Errorf("failed to marshal execution logs: %w", err)
	}
	rec := ExecutionRecord{
		ID:           exec.ID,
		JobID:        exec.JobID,
		SubtaskID:    exec.SubtaskID,
		Tribunal:     exec.Tribunal,
		Status:       string(exec.Status),
		Attempts:     exec.Attempts,
		ItemCount:    exec.ItemCount,
		ErrorKind:    string(exec.ErrorKind),
		Retryable:    exec.Retryable,
		ErrorMessage: exec.ErrorMessage,
		Payload:      exec.Payload,
		Logs:         logs,
		StartedAt:    exec.StartedAt,
		CompletedAt:  exec.CompletedAt,
	}
	if err := s.db.Store().Upsert(rec.ID, rec); err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

func (s *JobStorage) ListExecutions(ctx context.Context, jobID string) ([]*models.Execution, error) {
	var recs []ExecutionRecord
	if err := s.db.Store().Find(&recs, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].StartedAt.Before(recs[j].StartedAt) })

	execs := make([]*models.Execution, 0, len(recs))
	for i := range recs {
		exec, err := recs[i].toModel()
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, nil
}

func (s *JobStorage) AppendJobLogs(ctx context.Context, jobID string, entries []models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.update(func(tx *badgerdb.Txn) error {
		for _, e := range entries {
			rec, err := toLogRecord(jobID, e)
			if err != nil {
				return err
			}
			if err := s.db.Store().TxUpsert(tx, rec.Key, rec); err != nil {
				return fmt.Errorf("failed to append log entry: %w", err)
			}
		}
		return nil
	})
}

func (s *JobStorage) GetJobLogs(ctx context.Context, jobID string, fromIndex, limit int) ([]models.LogEntry, int, error) {
	var recs []LogRecord
	if err := s.db.Store().Find(&recs, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return nil, 0, fmt.Errorf("failed to get job logs: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })

	end := 0
	if len(recs) > 0 {
		end = recs[len(recs)-1].Seq + 1
	}

	entries := make([]models.LogEntry, 0)
	for i := range recs {
		if recs[i].Seq < fromIndex {
			continue
		}
		if limit > 0 && len(entries) == limit {
			break
		}
		entry, err := recs[i].toModel()
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}
	return entries, end, nil
}

func (s *JobStorage) Close() error {
	return s.db.Close()
}

func toJobRecord(job *models.Job) JobRecord {
	return JobRecord{
		ID:            job.ID,
		Status:        string(job.Status),
		ScrapeType:    job.ScrapeType,
		ScrapeSubType: job.ScrapeSubType,
		ClaimedBy:     job.ClaimedBy,
		CreatedAt:     job.CreatedAt,
		StartedAt:     job.StartedAt,
		CompletedAt:   job.CompletedAt,
	}
}

func (r *JobRecord) toModel() *models.Job {
	return &models.Job{
		ID:            r.ID,
		Status:        models.JobStatus(r.Status),
		ScrapeType:    r.ScrapeType,
		ScrapeSubType: r.ScrapeSubType,
		ClaimedBy:     r.ClaimedBy,
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
	}
}

func toSubtaskRecord(st *models.Subtask) (SubtaskRecord, error) {
	target, err := json.Marshal(st.Target)
	if err != nil {
		return SubtaskRecord{}, fmt.Errorf("failed to marshal subtask target: %w", err)
	}
	return SubtaskRecord{
		ID:        st.ID,
		JobID:     st.JobID,
		Position:  st.Position,
		Target:    target,
		Status:    string(st.Status),
		UpdatedAt: st.UpdatedAt,
	}, nil
}

func (r *SubtaskRecord) toModel() (*models.Subtask, error) {
	st := &models.Subtask{
		ID:        r.ID,
		JobID:     r.JobID,
		Position:  r.Position,
		Status:    models.JobStatus(r.Status),
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.Target) > 0 {
		if err := json.Unmarshal(r.Target, &st.Target); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subtask target: %w", err)
		}
	}
	return st, nil
}

func (r *ExecutionRecord) toModel() (*models.Execution, error) {
	exec := &models.Execution{
		ID:           r.ID,
		JobID:        r.JobID,
		SubtaskID:    r.SubtaskID,
		Tribunal:     r.Tribunal,
		Status:       models.JobStatus(r.Status),
		Attempts:     r.Attempts,
		ItemCount:    r.ItemCount,
		ErrorKind:    models.ErrorKind(r.ErrorKind),
		Retryable:    r.Retryable,
		ErrorMessage: r.ErrorMessage,
		Payload:      r.Payload,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
	}
	if len(r.Logs) > 0 {
		if err := json.Unmarshal(r.Logs, &exec.Logs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution logs: %w", err)
		}
	}
	return exec, nil
}

func toLogRecord(jobID string, e models.LogEntry) (LogRecord, error) {
	var ctxJSON []byte
	if len(e.Context) > 0 {
		b, err := json.Marshal(e.Context)
		if err != nil {
			return LogRecord{}, fmt.Errorf("failed to marshal log context: %w", err)
		}
		ctxJSON = b
	}
	return LogRecord{
		Key:       fmt.Sprintf("%s:%010d", jobID, e.Seq),
		JobID:     jobID,
		Seq:       e.Seq,
		Timestamp: e.Timestamp,
		Level:     string(e.Level),
		Message:   e.Message,
		SubtaskID: e.SubtaskID,
		Tribunal:  e.Tribunal,
		Status:    string(e.Status),
		Context:   ctxJSON,
	}, nil
}

func (r *LogRecord) toModel() (models.LogEntry, error) {
	entry := models.LogEntry{
		Seq:       r.Seq,
		Timestamp: r.Timestamp,
		Level:     models.LogLevel(r.Level),
		Message:   r.Message,
		SubtaskID: r.SubtaskID,
		Tribunal:  r.Tribunal,
		Status:    models.JobStatus(r.Status),
	}
	if len(r.Context) > 0 {
		if err := json.Unmarshal(r.Context, &entry.Context); err != nil {
			return entry, fmt.Errorf("failed to unmarshal log context: %w", err)
		}
	}
	return entry, nil
}
