package models

import (
	"encoding/json"
	"time"
)

// Execution is the durable record of one sub-task run, written once the
// sub-task reaches a terminal state
type Execution struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	SubtaskID    string     `json:"subtask_id"`
	Tribunal     string     `json:"tribunal"`
	Status       JobStatus  `json:"status"`
	Attempts     int        `json:"attempts"`
	ItemCount    int        `json:"item_count"`
	ErrorKind    ErrorKind  `json:"error_kind,omitempty"`
	Retryable    bool       `json:"retryable"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Payload      []byte     `json:"-"`
	Logs         []LogEntry `json:"logs,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  time.Time  `json:"completed_at"`
}

// ScriptRequest is what a runner receives for one attempt
type ScriptRequest struct {
	JobID         string       `json:"job_id"`
	SubtaskID     string       `json:"subtask_id"`
	Attempt       int          `json:"attempt"`
	ScrapeType    string       `json:"scrape_type"`
	ScrapeSubType string       `json:"scrape_sub_type,omitempty"`
	Target        TargetConfig `json:"target"`
	Credentials   *Credentials `json:"credentials,omitempty"`
}

// ScrapeResult is what a runner returns on success
type ScrapeResult struct {
	Success   bool              `json:"success"`
	ItemCount int               `json:"item_count"`
	Items     []json.RawMessage `json:"items,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Count returns the reported item count, falling back to the number of items returned
func (r *ScrapeResult) Count() int {
	if r == nil {
		return 0
	}
	if r.ItemCount > 0 {
		return r.ItemCount
	}
	return len(r.Items)
}

// Credentials are the per-tribunal login details handed to a runner
type Credentials struct {
	Username string            `json:"username" toml:"username"`
	Password string            `json:"password" toml:"password"`
	Extra    map[string]string `json:"extra,omitempty" toml:"extra"`
}
