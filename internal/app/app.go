package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/juris/internal/common"
	"github.com/ternarybob/juris/internal/handlers"
	"github.com/ternarybob/juris/internal/interfaces"
	"github.com/ternarybob/juris/internal/logs"
	"github.com/ternarybob/juris/internal/queue"
	"github.com/ternarybob/juris/internal/queue/state"
	"github.com/ternarybob/juris/internal/runner"
	"github.com/ternarybob/juris/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config      *common.Config
	Logger      arbor.ILogger
	QueueConfig queue.Config

	Storage interfaces.JobStorage

	// Log fan-out and local status
	LogBus     *logs.Bus
	LogService *logs.Service
	Tracker    *state.Tracker
	Sweeper    *state.Sweeper

	// Job execution
	Credentials interfaces.CredentialStore
	Runner      *runner.Router
	Coordinator *queue.Coordinator
	Poller      *queue.Poller

	// HTTP handlers
	APIHandler    *handlers.APIHandler
	JobHandler    *handlers.JobHandler
	StreamHandler *handlers.StreamHandler
	WSHandler     *handlers.WebSocketHandler
	QueueHandler  *handlers.QueueHandler
}

// New initializes the application with all dependencies. Nothing runs until Start.
func New(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	queueConfig, err := queue.NewConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid queue configuration: %w", err)
	}
	app.QueueConfig = queueConfig

	if err := app.initDatabase(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		_ = app.Storage.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	logger.Info().
		Str("environment", cfg.Environment).
		Str("instance_id", queueConfig.InstanceID).
		Str("storage", cfg.Storage.Type).
		Int("max_concurrent_jobs", queueConfig.MaxConcurrentJobs).
		Int("local_max_jobs", queueConfig.LocalMaxJobs).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the shared job store
func (a *App) initDatabase(ctx context.Context) error {
	store, err := storage.NewJobStorage(ctx, a.Logger, a.Config)
	if err != nil {
		return err
	}
	a.Storage = store
	return nil
}

// initServices builds the log bus, tracker, runners, coordinator and poller
func (a *App) initServices() error {
	a.LogBus = logs.NewBus(a.Config.Logs.BufferSize, a.Logger)
	a.LogService = logs.NewService(a.LogBus, a.Storage, a.Logger)
	a.LogService.SetFinalGrace(a.QueueConfig.SubtaskTimeout + time.Minute)

	retention := common.ParseDurationOr(a.Config.Logs.Retention, state.DefaultRetention)
	a.Tracker = state.NewTracker(a.QueueConfig.LocalMaxJobs, retention, a.Logger)
	a.Sweeper = state.NewSweeper(a.Tracker, a.Logger)

	if path := a.Config.Runner.CredentialsFile; path != "" {
		creds, err := runner.LoadCredentialFile(path, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to load credentials: %w", err)
		}
		a.Credentials = creds
		a.Logger.Info().
			Str("path", path).
			Int("tribunals", len(creds.Tribunals())).
			Msg("Tribunal credentials loaded")
	}

	a.Runner = runner.NewRouterFromConfig(a.Config.Runner, a.Logger)
	a.Coordinator = queue.NewCoordinator(
		a.QueueConfig,
		a.Storage,
		a.Runner,
		a.Credentials,
		a.LogBus,
		a.Tracker,
		a.Logger,
	)
	a.Poller = queue.NewPoller(a.QueueConfig, a.Storage, a.Coordinator, a.Tracker, a.Logger)
	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() {
	ping := common.ParseDurationOr(a.Config.Stream.PingInterval, logs.DefaultFollowInterval)

	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.Storage, a.LogService, a.Config.Logs.RecentLogs, a.Config.Stream.PollLimit, a.Logger)
	a.StreamHandler = handlers.NewStreamHandler(a.Storage, a.LogService, ping, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.Storage, a.LogService, ping, a.Logger)
	a.QueueHandler = handlers.NewQueueHandler(a.Tracker, a.Logger)
}

// Start begins claiming jobs and schedules housekeeping
func (a *App) Start(ctx context.Context) error {
	if err := a.Sweeper.Start(a.Config.Logs.SweepSchedule); err != nil {
		return fmt.Errorf("failed to schedule tracker sweep: %w", err)
	}
	if err := a.Poller.Start(ctx); err != nil {
		a.Sweeper.Stop()
		return fmt.Errorf("failed to start job poller: %w", err)
	}
	return nil
}

// Close stops claiming, waits for in-flight jobs up to the shutdown timeout and
// closes storage. Jobs still running at the timeout are canceled locally and left
// for the startup sweep of the next instance.
func (a *App) Close() error {
	var errs []error

	if a.Poller != nil {
		start := time.Now()
		if err := a.Poller.Stop(a.QueueConfig.ShutdownTimeout); err != nil {
			a.Logger.Warn().Err(err).Msg("Job poller stopped with jobs still running")
			errs = append(errs, err)
		} else {
			a.Logger.Info().Dur("waited", time.Since(start)).Msg("Job poller stopped")
		}
	}

	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}

	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close storage: %w", err))
		} else {
			a.Logger.Info().Msg("Storage closed")
		}
	}

	return errors.Join(errs...)
}
