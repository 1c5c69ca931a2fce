package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/juris/internal/interfaces"
	"github.com/ternarybob/juris/internal/logs"
	"github.com/ternarybob/juris/internal/models"
)

const (
	defaultListLimit  = 50
	defaultRecentLogs = 20
	defaultPollLimit  = 500
	maxRequestBytes   = 1 << 20
)

// JobHandler serves job submission, status, polling and cancellation
type JobHandler struct {
	storage    interfaces.JobStorage
	logs       *logs.Service
	logger     arbor.ILogger
	recentLogs int
	pollLimit  int
	now        func() time.Time
}

// NewJobHandler creates a job handler. recentLogs and pollLimit fall back to defaults when zero.
func NewJobHandler(storage interfaces.JobStorage, logService *logs.Service, recentLogs, pollLimit int, logger arbor.ILogger) *JobHandler {
	if recentLogs <= 0 {
		recentLogs = defaultRecentLogs
	}
	if pollLimit <= 0 {
		pollLimit = defaultPollLimit
	}
	return &JobHandler{
		storage:    storage,
		logs:       logService,
		logger:     logger,
		recentLogs: recentLogs,
		pollLimit:  pollLimit,
		now:        time.Now,
	}
}

// CreateJobHandler handles POST /api/jobs
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req models.CreateJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, subtasks := models.NewJob(req.ScrapeType, req.ScrapeSubType, req.Targets, h.now())
	if err := h.storage.CreateJob(r.Context(), job, subtasks); err != nil {
		h.logger.Error().Err(err).Str("scrape_type", req.ScrapeType).Msg("Failed to create job")
		WriteStoreError(w, err)
		return
	}

	h.logger.Info().
		Str("job_id", job.ID).
		Str("scrape_type", job.ScrapeType).
		Int("subtasks", len(subtasks)).
		Msg("Job submitted")

	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"jobId":    job.ID,
		"status":   job.Status,
		"subtasks": len(subtasks),
	})
}

// ListJobsHandler handles GET /api/jobs
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	jobs, err := h.storage.ListJobs(r.Context(), QueryInt(r, "limit", defaultListLimit))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteStoreError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetJobStatusHandler handles GET /api/jobs/{id}
func (h *JobHandler) GetJobStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	jobID := PathSegment(r, "/api/jobs/")
	ctx := r.Context()

	job, err := h.storage.GetJob(ctx, jobID)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	subtasks, err := h.storage.ListSubtasks(ctx, jobID)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to list subtasks")
		WriteStoreError(w, err)
		return
	}
	executions, err := h.storage.ListExecutions(ctx, jobID)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to list executions")
		WriteStoreError(w, err)
		return
	}

	report := models.BuildStatusReport(job, subtasks, executions, h.now())
	if recent := h.logs.Recent(ctx, jobID, h.recentLogs); recent != nil {
		report.RecentLogs = recent
	}
	WriteJSON(w, http.StatusOK, report)
}

// GetJobLogsHandler handles GET /api/jobs/{id}/logs?from=N&limit=L
func (h *JobHandler) GetJobLogsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	jobID := PathSegment(r, "/api/jobs/")

	from := QueryInt(r, "from", QueryInt(r, "fromIndex", 0))
	limit := QueryInt(r, "limit", h.pollLimit)
	if limit == 0 || limit > h.pollLimit {
		limit = h.pollLimit
	}

	page, err := h.logs.GetPage(r.Context(), jobID, from, limit)
	if err != nil {
		WriteStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, page)
}

// CancelJobHandler handles POST /api/jobs/{id}/cancel.
// Cancellation is a flag in storage; the coordinator observes it at its next checkpoint.
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	jobID := PathSegment(r, "/api/jobs/")
	ctx := r.Context()

	canceled, err := h.storage.CancelJob(ctx, jobID, h.now())
	if err != nil {
		WriteStoreError(w, err)
		return
	}

	if !canceled {
		status, err := h.storage.GetJobStatus(ctx, jobID)
		if err != nil {
			WriteStoreError(w, err)
			return
		}
		WriteJSON(w, http.StatusConflict, map[string]interface{}{
			"status": "error",
			"error":  "Job already finished",
			"jobId":  jobID,
			"state":  status,
		})
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Job cancellation requested")
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"jobId":  jobID,
		"status": models.JobStatusCanceled,
	})
}
