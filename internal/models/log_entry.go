package models

import "time"

// LogLevel is the severity of a job log entry
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelSuccess LogLevel = "success"
	LogLevelWarn    LogLevel = "warn"
	LogLevelError   LogLevel = "error"
)

// ParseLogLevel maps runner-supplied levels onto the known set, defaulting to info
func ParseLogLevel(s string) LogLevel {
	switch LogLevel(s) {
	case LogLevelSuccess, LogLevelWarn, LogLevelError:
		return LogLevel(s)
	case "warning":
		return LogLevelWarn
	}
	return LogLevelInfo
}

// LogEntry is one progress message for a job.
// Seq is assigned by the log bus and is the index used for catch-up reads.
// Status is only set on the final entry of a job.
type LogEntry struct {
	Seq       int                    `json:"seq"`
	Timestamp time.Time              `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Message   string                 `json:"message"`
	SubtaskID string                 `json:"subtask_id,omitempty"`
	Tribunal  string                 `json:"tribunal,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Status    JobStatus              `json:"status,omitempty"`
}

// IsFinal reports whether this entry closes the job's log
func (e LogEntry) IsFinal() bool {
	return e.Status.IsTerminal()
}
