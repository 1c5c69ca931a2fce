package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/juris/internal/common"
	"github.com/ternarybob/juris/internal/interfaces"
	"github.com/ternarybob/juris/internal/models"
)

var (
	psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

	// claimLockID serialises claim transactions across every instance
	claimLockID = LockID("juris", "scrape_jobs", "claim")

	jobColumns       = []string{"id", "status", "scrape_type", "scrape_sub_type", "claimed_by", "created_at", "started_at", "completed_at"}
	subtaskColumns   = []string{"id", "job_id", "position", "target", "status", "updated_at"}
	executionColumns = []string{
		"id", "job_id", "subtask_id", "tribunal", "status", "attempts", "item_count",
		"error_kind", "retryable", "error_message", "payload", "logs", "started_at", "completed_at",
	}
	logColumns = []string{"seq", "logged_at", "level", "message", "subtask_id", "tribunal", "status", "context"}
)

// JobStorage implements interfaces.JobStorage on PostgreSQL. Safe for many instances.
type JobStorage struct {
	pool   *pgxpool.Pool
	logger arbor.ILogger
}

var _ interfaces.JobStorage = (*JobStorage)(nil)

// NewJobStorage connects, optionally migrates, and returns the store
func NewJobStorage(ctx context.Context, logger arbor.ILogger, config *common.PostgresConfig) (*JobStorage, error) {
	pool, err := NewPool(ctx, logger, config)
	if err != nil {
		return nil, err
	}
	if config.Migrate {
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return NewJobStorageWithPool(pool, logger), nil
}

// NewJobStorageWithPool wraps an existing pool
func NewJobStorageWithPool(pool *pgxpool.Pool, logger arbor.ILogger) *JobStorage {
	return &JobStorage{pool: pool, logger: logger}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var status string
	if err := row.Scan(&job.ID, &status, &job.ScrapeType, &job.ScrapeSubType, &job.ClaimedBy,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt); err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *JobStorage) CreateJob(ctx context.Context, job *models.Job, subtasks []*models.Subtask) error {
	_, err := Transact(ctx, s.pool, func(tx pgx.Tx) (struct{}, error) {
		query, args, err := psql.Insert("scrape_jobs").
			Columns("id", "status", "scrape_type", "scrape_sub_type", "created_at").
			Values(job.ID, string(job.Status), job.ScrapeType, job.ScrapeSubType, job.CreatedAt).
			ToSql()
		if err != nil {
			return struct{}{}, err
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return struct{}{}, fmt.Errorf("failed to insert job: %w", err)
		}

		if len(subtasks) == 0 {
			return struct{}{}, nil
		}

		insert := psql.Insert("scrape_subtasks").Columns(subtaskColumns...)
		for _, st := range subtasks {
			target, err := json.Marshal(st.Target)
			if err != nil {
				return struct{}{}, fmt.Errorf("failed to marshal subtask target: %w", err)
			}
			insert = insert.Values(st.ID, job.ID, st.Position, target, string(st.Status), st.UpdatedAt)
		}
		query, args, err = insert.ToSql()
		if err != nil {
			return struct{}{}, err
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return struct{}{}, fmt.Errorf("failed to insert subtasks: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	query, args, err := psql.Select(jobColumns...).From("scrape_jobs").Where(sq.Eq{"id": jobID}).ToSql()
	if err != nil {
		return nil, err
	}

	job, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (s *JobStorage) GetJobStatus(ctx context.Context, jobID string) (models.JobStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx, "SELECT status FROM scrape_jobs WHERE id = $1", jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
		}
		return "", fmt.Errorf("failed to get job status: %w", err)
	}
	return models.JobStatus(status), nil
}

func (s *JobStorage) ListJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	builder := psql.Select(jobColumns...).From("scrape_jobs").OrderBy("created_at DESC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *JobStorage) CountRunning(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM scrape_jobs WHERE status = $1", string(models.JobStatusRunning)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count running jobs: %w", err)
	}
	return count, nil
}

// ClaimPending runs as one transaction: advisory lock, running recount, FIFO select
// of unclaimed pending jobs, conditional update, and RETURNING the rows actually moved.
func (s *JobStorage) ClaimPending(ctx context.Context, req interfaces.ClaimRequest) ([]*models.Job, error) {
	if req.Limit <= 0 {
		return nil, nil
	}

	return Transact(ctx, s.pool, func(tx pgx.Tx) ([]*models.Job, error) {
		if err := AcquireXactLock(ctx, tx, claimLockID); err != nil {
			return nil, err
		}

		var running int
		if err := tx.QueryRow(ctx, "SELECT count(*) FROM scrape_jobs WHERE status = $1", string(models.JobStatusRunning)).Scan(&running); err != nil {
			return nil, fmt.Errorf("failed to count running jobs: %w", err)
		}
		slots := req.Limit
		if req.MaxRunning > 0 && req.MaxRunning-running < slots {
			slots = req.MaxRunning - running
		}
		if slots <= 0 {
			return nil, nil
		}

		query, args, err := psql.Select("id").From("scrape_jobs").
			Where(sq.Eq{"status": string(models.JobStatusPending)}).
			Where("started_at IS NULL").
			OrderBy("created_at ASC", "id ASC").
			Limit(uint64(slots)).
			Suffix("FOR UPDATE SKIP LOCKED").
			ToSql()
		if err != nil {
			return nil, err
		}

		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to select pending jobs: %w", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return nil, fmt.Errorf("failed to read pending jobs: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}

		query, args, err = psql.Update("scrape_jobs").
			Set("status", string(models.JobStatusRunning)).
			Set("started_at", req.Now).
			Set("claimed_by", req.InstanceID).
			Where(sq.Eq{"id": ids, "status": string(models.JobStatusPending)}).
			Where("started_at IS NULL").
			Suffix("RETURNING " + strings.Join(jobColumns, ", ")).
			ToSql()
		if err != nil {
			return nil, err
		}

		rows, err = tx.Query(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to claim jobs: %w", err)
		}
		claimed, err := collectJobs(rows)
		if err != nil {
			return nil, err
		}

		sort.Slice(claimed, func(i, j int) bool {
			if claimed[i].CreatedAt.Equal(claimed[j].CreatedAt) {
				return claimed[i].ID < claimed[j].ID
			}
			return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
		})
		return claimed, nil
	})
}

func (s *JobStorage) FinishJob(ctx context.Context, jobID string, status models.JobStatus, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		"UPDATE scrape_jobs SET status = $1, completed_at = $2 WHERE id = $3 AND status = $4",
		string(status), at, jobID, string(models.JobStatusRunning))
	if err != nil {
		return false, fmt.Errorf("failed to finish job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *JobStorage) CancelJob(ctx context.Context, jobID string, at time.Time) (bool, error) {
	return Transact(ctx, s.pool, func(tx pgx.Tx) (bool, error) {
		var previous string
		err := tx.QueryRow(ctx, "SELECT status FROM scrape_jobs WHERE id = $1 FOR UPDATE", jobID).Scan(&previous)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return false, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
			}
			return false, fmt.Errorf("failed to lock job: %w", err)
		}
		if models.JobStatus(previous).IsTerminal() {
			return false, nil
		}

		if _, err := tx.Exec(ctx,
			"UPDATE scrape_jobs SET status = $1, completed_at = $2 WHERE id = $3",
			string(models.JobStatusCanceled), at, jobID); err != nil {
			return false, fmt.Errorf("failed to cancel job: %w", err)
		}

		// Sub-tasks of a job that never started will never reach a checkpoint
		if models.JobStatus(previous) == models.JobStatusPending {
			if err := setOpenSubtasks(ctx, tx, []string{jobID}, models.JobStatusCanceled, at); err != nil {
				return false, err
			}
		}
		return true, nil
	})
}

func (s *JobStorage) FailStuckJobs(ctx context.Context, startedBefore time.Time, at time.Time) ([]string, error) {
	return Transact(ctx, s.pool, func(tx pgx.Tx) ([]string, error) {
		rows, err := tx.Query(ctx,
			"UPDATE scrape_jobs SET status = $1, completed_at = $2 WHERE status = $3 AND started_at < $4 RETURNING id",
			string(models.JobStatusFailed), at, string(models.JobStatusRunning), startedBefore)
		if err != nil {
			return nil, fmt.Errorf("failed to fail stuck jobs: %w", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return nil, fmt.Errorf("failed to read stuck jobs: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		if err := setOpenSubtasks(ctx, tx, ids, models.JobStatusFailed, at); err != nil {
			return nil, err
		}
		return ids, nil
	})
}

// setOpenSubtasks moves every non-terminal sub-task of the given jobs to status
func setOpenSubtasks(ctx context.Context, tx pgx.Tx, jobIDs []string, status models.JobStatus, at time.Time) error {
	query, args, err := psql.Update("scrape_subtasks").
		Set("status", string(status)).
		Set("updated_at", at).
		Where(sq.Eq{"job_id": jobIDs, "status": []string{string(models.JobStatusPending), string(models.JobStatusRunning)}}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update subtasks: %w", err)
	}
	return nil
}

func (s *JobStorage) ListSubtasks(ctx context.Context, jobID string) ([]*models.Subtask, error) {
	query, args, err := psql.Select(subtaskColumns...).From("scrape_subtasks").
		Where(sq.Eq{"job_id": jobID}).OrderBy("position ASC").ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subtasks: %w", err)
	}
	defer rows.Close()

	var subtasks []*models.Subtask
	for rows.Next() {
		var st models.Subtask
		var target []byte
		var status string
		if err := rows.Scan(&st.ID, &st.JobID, &st.Position, &target, &status, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subtask: %w", err)
		}
		if err := json.Unmarshal(target, &st.Target); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subtask target: %w", err)
		}
		st.Status = models.JobStatus(status)
		subtasks = append(subtasks, &st)
	}
	return subtasks, rows.Err()
}

func (s *JobStorage) UpdateSubtaskStatus(ctx context.Context, subtaskID string, status models.JobStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx, "UPDATE scrape_subtasks SET status = $1, updated_at = $2 WHERE id = $3",
		string(status), at, subtaskID)
	if err != nil {
		return fmt.Errorf("failed to update subtask: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subtask not found: %s", subtaskID)
	}
	return nil
}

func (s *JobStorage) SaveExecution(ctx context.Context, exec *models.Execution) error {
	logs, err := json.Marshal(exec.Logs)
	if err != nil {
		return fmt.Errorf("failed to marshal execution logs: %w", err)
	}

	query, args, err := psql.Insert("scrape_executions").
		Columns(executionColumns...).
		Values(exec.ID, exec.JobID, exec.SubtaskID, exec.Tribunal, string(exec.Status), exec.Attempts,
			exec.ItemCount, string(exec.ErrorKind), exec.Retryable, exec.ErrorMessage, exec.Payload, logs,
			exec.StartedAt, exec.CompletedAt).
		Suffix("ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, attempts = EXCLUDED.attempts, " +
			"item_count = EXCLUDED.item_count, error_kind = EXCLUDED.error_kind, retryable = EXCLUDED.retryable, " +
			"error_message = EXCLUDED.error_message, payload = EXCLUDED.payload, logs = EXCLUDED.logs, " +
			"completed_at = EXCLUDED.completed_at").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

func (s *JobStorage) ListExecutions(ctx context.Context, jobID string) ([]*models.Execution, error) {
	query, args, err := psql.Select(executionColumns...).From("scrape_executions").
		Where(sq.Eq{"job_id": jobID}).OrderBy("started_at ASC").ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var execs []*models.Execution
	for rows.Next() {
		var exec models.Execution
		var status, kind string
		var logs []byte
		if err := rows.Scan(&exec.ID, &exec.JobID, &exec.SubtaskID, &exec.Tribunal, &status, &exec.Attempts,
			&exec.ItemCount, &kind, &exec.Retryable, &exec.ErrorMessage, &exec.Payload, &logs,
			&exec.StartedAt, &exec.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		exec.Status = models.JobStatus(status)
		exec.ErrorKind = models.ErrorKind(kind)
		if len(logs) > 0 {
			if err := json.Unmarshal(logs, &exec.Logs); err != nil {
				return nil, fmt.Errorf("failed to unmarshal execution logs: %w", err)
			}
		}
		execs = append(execs, &exec)
	}
	return execs, rows.Err()
}

// logInsertBatch keeps each insert well under the bind parameter limit
const logInsertBatch = 500

func (s *JobStorage) AppendJobLogs(ctx context.Context, jobID string, entries []models.LogEntry) error {
	for start := 0; start < len(entries); start += logInsertBatch {
		end := min(start+logInsertBatch, len(entries))
		if err := s.appendJobLogBatch(ctx, jobID, entries[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *JobStorage) appendJobLogBatch(ctx context.Context, jobID string, entries []models.LogEntry) error {
	insert := psql.Insert("scrape_job_logs").
		Columns(append([]string{"job_id"}, logColumns...)...).
		Suffix("ON CONFLICT (job_id, seq) DO NOTHING")
	for _, e := range entries {
		var ctxJSON []byte
		if len(e.Context) > 0 {
			b, err := json.Marshal(e.Context)
			if err != nil {
				return fmt.Errorf("failed to marshal log context: %w", err)
			}
			ctxJSON = b
		}
		insert = insert.Values(jobID, e.Seq, e.Timestamp, string(e.Level), e.Message, e.SubtaskID, e.Tribunal, string(e.Status), ctxJSON)
	}

	query, args, err := insert.ToSql()
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to append job logs: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJobLogs(ctx context.Context, jobID string, fromIndex, limit int) ([]models.LogEntry, int, error) {
	var end int
	if err := s.pool.QueryRow(ctx, "SELECT COALESCE(MAX(seq) + 1, 0) FROM scrape_job_logs WHERE job_id = $1", jobID).Scan(&end); err != nil {
		return nil, 0, fmt.Errorf("failed to read job log bounds: %w", err)
	}

	builder := psql.Select(logColumns...).From("scrape_job_logs").
		Where(sq.Eq{"job_id": jobID}).
		Where(sq.GtOrEq{"seq": fromIndex}).
		OrderBy("seq ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get job logs: %w", err)
	}
	defer rows.Close()

	entries := make([]models.LogEntry, 0)
	for rows.Next() {
		var e models.LogEntry
		var level, status string
		var ctxJSON []byte
		if err := rows.Scan(&e.Seq, &e.Timestamp, &level, &e.Message, &e.SubtaskID, &e.Tribunal, &status, &ctxJSON); err != nil {
			return nil, 0, fmt.Errorf("failed to scan job log: %w", err)
		}
		e.Level = models.LogLevel(level)
		e.Status = models.JobStatus(status)
		if len(ctxJSON) > 0 {
			if err := json.Unmarshal(ctxJSON, &e.Context); err != nil {
				return nil, 0, fmt.Errorf("failed to unmarshal log context: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, end, rows.Err()
}

func (s *JobStorage) Close() error {
	s.pool.Close()
	return nil
}
