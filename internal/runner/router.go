package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/juris/internal/common"
	"github.com/ternarybob/juris/internal/interfaces"
	"github.com/ternarybob/juris/internal/models"
	"golang.org/x/time/rate"
)

const (
	EngineProcess = "process"
	EngineChrome  = "chrome"
)

// Router dispatches each attempt to the runner for its target's engine and
// spaces out requests to the same tribunal across all running jobs.
type Router struct {
	runners       map[string]interfaces.ScriptRunner
	defaultEngine string
	every         time.Duration
	burst         int
	logger        arbor.ILogger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRouter creates a router. A zero every disables rate limiting.
func NewRouter(defaultEngine string, every time.Duration, burst int, logger arbor.ILogger) *Router {
	if defaultEngine == "" {
		defaultEngine = EngineProcess
	}
	if burst < 1 {
		burst = 1
	}
	return &Router{
		runners:       make(map[string]interfaces.ScriptRunner),
		defaultEngine: defaultEngine,
		every:         every,
		burst:         burst,
		logger:        logger,
		limiters:      make(map[string]*rate.Limiter),
	}
}

// NewRouterFromConfig wires the process and chrome engines from the [runner] section
func NewRouterFromConfig(cfg common.RunnerConfig, logger arbor.ILogger) *Router {
	r := NewRouter(
		cfg.DefaultEngine,
		common.ParseDurationOr(cfg.RateLimit, 2*time.Second),
		cfg.RateBurst,
		logger,
	)
	r.Register(EngineProcess, NewProcessRunner(ProcessConfig{
		Command:   cfg.Command,
		Args:      cfg.Args,
		Env:       cfg.Env,
		KillGrace: common.ParseDurationOr(cfg.KillGrace, 5*time.Second),
	}, logger))
	r.Register(EngineChrome, NewChromeRunner(ChromeConfig{
		Headless: cfg.ChromeHeadless,
		Wait:     common.ParseDurationOr(cfg.ChromeWait, 2*time.Second),
	}, logger))
	return r
}

// Register adds or replaces the runner for an engine
func (r *Router) Register(engine string, runner interfaces.ScriptRunner) {
	r.runners[strings.ToLower(engine)] = runner
}

// Run waits for the tribunal's rate slot, then hands the attempt to the engine's runner
func (r *Router) Run(ctx context.Context, req models.ScriptRequest, sink interfaces.LogSink) (*models.ScrapeResult, error) {
	engine := strings.ToLower(req.Target.Engine)
	if engine == "" {
		engine = r.defaultEngine
	}
	runner, ok := r.runners[engine]
	if !ok {
		return nil, models.NewScrapeError(models.ErrorKindStructural, fmt.Sprintf("unknown engine %q", engine), nil)
	}

	if req.Target.RequiresAuth && req.Credentials == nil {
		return nil, models.NewScrapeError(models.ErrorKindAuthentication,
			fmt.Sprintf("tribunal %s requires a login", req.Target.Tribunal), ErrNoCredentials)
	}

	if limiter := r.limiter(req.Target.Tribunal); limiter != nil {
		if !limiter.Allow() {
			sink(models.LogLevelInfo, "Waiting for tribunal rate limit", nil)
			if err := limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}
	}

	return runner.Run(ctx, req, sink)
}

func (r *Router) limiter(tribunal string) *rate.Limiter {
	if r.every <= 0 {
		return nil
	}
	key := strings.ToUpper(tribunal)

	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(r.every), r.burst)
		r.limiters[key] = l
	}
	return l
}
