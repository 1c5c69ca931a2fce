package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a scrape job or one of its sub-tasks
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// IsTerminal reports whether no further transitions are expected
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

func (s JobStatus) String() string {
	return string(s)
}

var (
	// ErrJobNotFound is returned by storage when a job id is unknown
	ErrJobNotFound = errors.New("job not found")

	// ErrJobCanceled signals that a cancellation was observed mid-execution.
	// It is never classified or retried.
	ErrJobCanceled = errors.New("job canceled")
)

// Job is one scrape request fanned out across tribunals.
// StartedAt is set exactly once, by the claim transaction.
type Job struct {
	ID            string     `json:"id"`
	Status        JobStatus  `json:"status"`
	ScrapeType    string     `json:"scrape_type"`
	ScrapeSubType string     `json:"scrape_sub_type,omitempty"`
	ClaimedBy     string     `json:"claimed_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Duration returns the elapsed run time, measured to now while the job is still running
func (j *Job) Duration(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	if end.Before(*j.StartedAt) {
		return 0
	}
	return end.Sub(*j.StartedAt)
}

// Subtask is one unit of work inside a job, usually one tribunal site
type Subtask struct {
	ID        string       `json:"id"`
	JobID     string       `json:"job_id"`
	Position  int          `json:"position"`
	Target    TargetConfig `json:"target"`
	Status    JobStatus    `json:"status"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// TargetConfig describes the site a sub-task scrapes and how
type TargetConfig struct {
	Tribunal     string                 `json:"tribunal" toml:"tribunal" yaml:"tribunal" validate:"required"`
	Engine       string                 `json:"engine,omitempty" toml:"engine" yaml:"engine" validate:"omitempty,oneof=process chrome"`
	URL          string                 `json:"url,omitempty" toml:"url" yaml:"url" validate:"omitempty,url"`
	Extract      string                 `json:"extract,omitempty" toml:"extract" yaml:"extract"`
	RequiresAuth bool                   `json:"requires_auth,omitempty" toml:"requires_auth" yaml:"requires_auth"`
	Params       map[string]interface{} `json:"params,omitempty" toml:"params" yaml:"params"`
}

// NewJobID generates a job identifier
func NewJobID() string {
	return uuid.New().String()
}

// NewSubtaskID generates a sub-task identifier
func NewSubtaskID() string {
	return uuid.New().String()
}

// NewJob builds a pending job and one pending sub-task per target
func NewJob(scrapeType, subType string, targets []TargetConfig, now time.Time) (*Job, []*Subtask) {
	job := &Job{
		ID:            NewJobID(),
		Status:        JobStatusPending,
		ScrapeType:    scrapeType,
		ScrapeSubType: subType,
		CreatedAt:     now,
	}

	subtasks := make([]*Subtask, 0, len(targets))
	for i, target := range targets {
		subtasks = append(subtasks, &Subtask{
			ID:        NewSubtaskID(),
			JobID:     job.ID,
			Position:  i,
			Target:    target,
			Status:    JobStatusPending,
			UpdatedAt: now,
		})
	}
	return job, subtasks
}
