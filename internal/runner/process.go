package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/juris/internal/interfaces"
	"github.com/ternarybob/juris/internal/models"
)

const (
	frameLog    = "log"
	frameResult = "result"
	frameError  = "error"

	maxFrameSize  = 16 * 1024 * 1024
	stderrTailLen = 2048
)

// frame is one JSON line written by a scrape script on stdout
type frame struct {
	Type      string                 `json:"type"`
	Level     string                 `json:"level,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Success   bool                   `json:"success,omitempty"`
	ItemCount int                    `json:"item_count,omitempty"`
	Items     []json.RawMessage      `json:"items,omitempty"`
	Kind      string                 `json:"kind,omitempty"`
	Retryable *bool                  `json:"retryable,omitempty"`
}

// ProcessConfig describes the browser automation command
type ProcessConfig struct {
	Command   string
	Args      []string
	Env       map[string]string
	KillGrace time.Duration
}

// ProcessRunner runs one scrape attempt as a child process. The request is written
// as JSON on stdin; the script answers with JSON lines on stdout.
type ProcessRunner struct {
	config ProcessConfig
	logger arbor.ILogger
}

// NewProcessRunner creates a process runner
func NewProcessRunner(config ProcessConfig, logger arbor.ILogger) *ProcessRunner {
	if config.KillGrace <= 0 {
		config.KillGrace = 5 * time.Second
	}
	return &ProcessRunner{config: config, logger: logger}
}

// Run starts the script and relays its log frames to sink until it exits or ctx ends
func (r *ProcessRunner) Run(ctx context.Context, req models.ScriptRequest, sink interfaces.LogSink) (*models.ScrapeResult, error) {
	if r.config.Command == "" {
		return nil, models.NewScrapeError(models.ErrorKindStructural, "no scrape command configured", nil)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode script request: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.config.Command, r.config.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(), r.environment()...)
	cmd.WaitDelay = r.config.KillGrace

	stderr := &tailBuffer{limit: stderrTailLen}
	cmd.Stderr = stderr

	// Stdout goes through an io.Pipe rather than StdoutPipe so that WaitDelay can
	// unblock the reader when grandchildren keep the descriptor open
	stdout, stdoutWriter := io.Pipe()
	cmd.Stdout = stdoutWriter

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", r.config.Command, err)
	}

	r.logger.Debug().
		Str("job_id", req.JobID).
		Str("subtask_id", req.SubtaskID).
		Str("tribunal", req.Target.Tribunal).
		Int("pid", cmd.Process.Pid).
		Msg("Scrape script started")

	waitDone := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = stdoutWriter.Close()
		waitDone <- err
	}()

	var result *models.ScrapeResult
	var scriptErr error

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var f frame
		if line[0] != '{' || json.Unmarshal(line, &f) != nil || f.Type == "" {
			// Plain output from the script is passed through as progress
			sink(models.LogLevelInfo, string(line), nil)
			continue
		}

		switch f.Type {
		case frameLog:
			sink(models.ParseLogLevel(f.Level), f.Message, f.Context)
		case frameResult:
			result = &models.ScrapeResult{
				Success:   f.Success,
				ItemCount: f.ItemCount,
				Items:     f.Items,
				Timestamp: time.Now(),
			}
		case frameError:
			scriptErr = frameToError(f)
		default:
			r.logger.Debug().Str("type", f.Type).Msg("Ignoring unknown script frame")
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := <-waitDone

	r.logger.Debug().
		Str("subtask_id", req.SubtaskID).
		Dur("elapsed", time.Since(started)).
		Msg("Scrape script exited")

	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case scriptErr != nil:
		return nil, scriptErr
	case scanErr != nil:
		return nil, fmt.Errorf("failed to read script output: %w", scanErr)
	case waitErr != nil:
		return nil, fmt.Errorf("script exited: %w: %s", waitErr, stderr.String())
	case result == nil:
		return nil, errors.New("script exited without a result")
	}
	return result, nil
}

func (r *ProcessRunner) environment() []string {
	env := make([]string, 0, len(r.config.Env))
	for k, v := range r.config.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// frameToError keeps a script's own classification when it sends one
func frameToError(f frame) error {
	message := f.Message
	if message == "" {
		message = "script reported an error"
	}
	if f.Kind == "" {
		return errors.New(message)
	}

	scrapeErr := models.NewScrapeError(models.ParseErrorKind(f.Kind), message, nil)
	if f.Retryable != nil {
		scrapeErr.Retryable = *f.Retryable
	}
	return scrapeErr
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}
