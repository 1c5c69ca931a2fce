package models

import "time"

// JobStatusReport is the aggregate view returned by the status endpoint
type JobStatusReport struct {
	ID                string          `json:"id"`
	Status            JobStatus       `json:"status"`
	ScrapeType        string          `json:"scrapeType"`
	ScrapeSubType     string          `json:"scrapeSubType,omitempty"`
	TotalSubtasks     int             `json:"totalSubtasks"`
	CompletedSubtasks int             `json:"completedSubtasks"`
	FailedSubtasks    int             `json:"failedSubtasks"`
	CanceledSubtasks  int             `json:"canceledSubtasks"`
	TotalItems        int             `json:"totalItems"`
	PartialFailure    bool            `json:"partialFailure"`
	Duration          string          `json:"duration"`
	DurationMs        int64           `json:"durationMs"`
	StartedAt         *time.Time      `json:"startedAt"`
	CompletedAt       *time.Time      `json:"completedAt"`
	Subtasks          []SubtaskReport `json:"subtasks"`
	RecentLogs        []LogEntry      `json:"recentLogs"`
}

// SubtaskReport is the per-sub-task portion of a status report
type SubtaskReport struct {
	ID        string    `json:"id"`
	Tribunal  string    `json:"tribunal"`
	Status    JobStatus `json:"status"`
	Attempts  int       `json:"attempts"`
	ItemCount int       `json:"itemCount"`
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
	Retryable *bool     `json:"retryable,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// BuildStatusReport aggregates a job, its sub-tasks and their execution records
func BuildStatusReport(job *Job, subtasks []*Subtask, executions []*Execution, now time.Time) *JobStatusReport {
	report := &JobStatusReport{
		ID:            job.ID,
		Status:        job.Status,
		ScrapeType:    job.ScrapeType,
		ScrapeSubType: job.ScrapeSubType,
		TotalSubtasks: len(subtasks),
		StartedAt:     job.StartedAt,
		CompletedAt:   job.CompletedAt,
		Subtasks:      make([]SubtaskReport, 0, len(subtasks)),
		RecentLogs:    []LogEntry{},
	}

	bySubtask := make(map[string]*Execution, len(executions))
	for _, exec := range executions {
		bySubtask[exec.SubtaskID] = exec
	}

	for _, st := range subtasks {
		sr := SubtaskReport{
			ID:       st.ID,
			Tribunal: st.Target.Tribunal,
			Status:   st.Status,
		}
		if exec, ok := bySubtask[st.ID]; ok {
			retryable := exec.Retryable
			sr.Attempts = exec.Attempts
			sr.ItemCount = exec.ItemCount
			sr.ErrorKind = exec.ErrorKind
			sr.Message = exec.ErrorMessage
			if exec.ErrorKind != "" {
				sr.Retryable = &retryable
			}
			report.TotalItems += exec.ItemCount
		}

		switch st.Status {
		case JobStatusCompleted:
			report.CompletedSubtasks++
		case JobStatusFailed:
			report.FailedSubtasks++
		case JobStatusCanceled:
			report.CanceledSubtasks++
		}
		report.Subtasks = append(report.Subtasks, sr)
	}

	report.PartialFailure = job.Status == JobStatusCompleted && report.FailedSubtasks > 0

	d := job.Duration(now)
	report.Duration = d.Round(time.Millisecond).String()
	report.DurationMs = d.Milliseconds()
	return report
}

// StreamEnd is the payload of the status message that closes a push stream
type StreamEnd struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	NextIndex int       `json:"nextIndex"`
}
