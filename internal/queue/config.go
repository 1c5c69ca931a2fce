package queue

import (
	"fmt"
	"time"

	"github.com/ternarybob/juris/internal/common"
)

// Config holds the resolved settings for the poller and the coordinator
type Config struct {
	// InstanceID is recorded on every job this instance claims
	InstanceID string

	// PollInterval is how often the poller looks for pending jobs
	PollInterval time.Duration

	// MaxConcurrentJobs is the running-job ceiling shared by all instances
	MaxConcurrentJobs int

	// LocalMaxJobs is the running-job ceiling for this instance
	LocalMaxJobs int

	// SubtaskConcurrency bounds parallel sub-tasks inside one job
	SubtaskConcurrency int

	// StuckSweepEvery runs the stuck-job sweep every N ticks
	StuckSweepEvery int

	// StuckThreshold is how long a job may run before the periodic sweep fails it
	StuckThreshold time.Duration

	// StartupStuckThreshold is used by the single sweep at start
	StartupStuckThreshold time.Duration

	// ShutdownTimeout is how long Stop waits for in-flight jobs
	ShutdownTimeout time.Duration

	// SubtaskTimeout is the hard limit for one attempt
	SubtaskTimeout time.Duration

	// TrailLimit is how many log entries each execution record keeps
	TrailLimit int

	Retry RetryPolicy
}

// NewDefaultConfig creates a queue configuration with sensible defaults
func NewDefaultConfig() Config {
	return Config{
		InstanceID:            "local",
		PollInterval:          5 * time.Second,
		MaxConcurrentJobs:     4,
		LocalMaxJobs:          4,
		SubtaskConcurrency:    3,
		StuckSweepEvery:       10,
		StuckThreshold:        2 * time.Hour,
		StartupStuckThreshold: 15 * time.Minute,
		ShutdownTimeout:       30 * time.Second,
		SubtaskTimeout:        10 * time.Minute,
		TrailLimit:            200,
		Retry:                 DefaultRetryPolicy(),
	}
}

// NewConfig resolves the [queue], [retry], [runner] and [logs] sections
func NewConfig(cfg *common.Config) (Config, error) {
	def := NewDefaultConfig()

	retry, err := NewRetryPolicy(cfg.Retry)
	if err != nil {
		return Config{}, err
	}

	c := Config{
		InstanceID:            cfg.ResolveInstanceID(),
		PollInterval:          common.ParseDurationOr(cfg.Queue.PollInterval, def.PollInterval),
		MaxConcurrentJobs:     cfg.Queue.MaxConcurrentJobs,
		LocalMaxJobs:          cfg.Queue.LocalMaxJobs,
		SubtaskConcurrency:    cfg.Queue.SubtaskConcurrency,
		StuckSweepEvery:       cfg.Queue.StuckSweepEvery,
		StuckThreshold:        common.ParseDurationOr(cfg.Queue.StuckThreshold, def.StuckThreshold),
		StartupStuckThreshold: common.ParseDurationOr(cfg.Queue.StartupStuckThreshold, def.StartupStuckThreshold),
		ShutdownTimeout:       common.ParseDurationOr(cfg.Queue.ShutdownTimeout, def.ShutdownTimeout),
		SubtaskTimeout:        common.ParseDurationOr(cfg.Runner.SubtaskTimeout, def.SubtaskTimeout),
		TrailLimit:            cfg.Logs.SubtaskTrailLimit,
		Retry:                 retry,
	}
	return c, c.Validate()
}

// Validate checks the bounds the poller and coordinator rely on
func (c Config) Validate() error {
	switch {
	case c.PollInterval <= 0:
		return fmt.Errorf("poll interval must be positive")
	case c.MaxConcurrentJobs < 1:
		return fmt.Errorf("max concurrent jobs must be at least 1, got %d", c.MaxConcurrentJobs)
	case c.LocalMaxJobs < 1:
		return fmt.Errorf("local max jobs must be at least 1, got %d", c.LocalMaxJobs)
	case c.SubtaskConcurrency < 1:
		return fmt.Errorf("subtask concurrency must be at least 1, got %d", c.SubtaskConcurrency)
	case c.StuckSweepEvery < 1:
		return fmt.Errorf("stuck sweep interval must be at least 1 tick, got %d", c.StuckSweepEvery)
	case c.SubtaskTimeout <= 0:
		return fmt.Errorf("subtask timeout must be positive")
	}
	return c.Retry.Validate()
}
