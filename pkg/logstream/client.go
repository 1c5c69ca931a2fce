// Package logstream follows a job's log from a juris server. It prefers the SSE
// push stream and falls back to polling for good once reconnects keep failing.
package logstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/juris/internal/models"
)

// Mode is the transport a client is currently using
type Mode int32

const (
	ModePush Mode = iota
	ModePoll
)

func (m Mode) String() string {
	if m == ModePoll {
		return "poll"
	}
	return "push"
}

// ErrJobNotFound is returned when the server does not know the job
var ErrJobNotFound = errors.New("job not found")

// EntryFunc receives each log entry once, in sequence order
type EntryFunc func(models.LogEntry) error

// Config configures a Client. Zero values take the defaults.
type Config struct {
	BaseURL        string        // e.g. http://localhost:8080
	HTTPClient     *http.Client  // Must not set a total timeout; streams are long-lived
	InitialBackoff time.Duration // First reconnect delay, doubled on each failure (1s)
	MaxReconnects  int           // Consecutive failed reconnects before polling (3)
	PollInterval   time.Duration // Delay between empty polls (2s)
	Logger         arbor.ILogger
}

// FollowResult is how a Follow call ended
type FollowResult struct {
	Status     models.JobStatus
	NextIndex  int
	Mode       Mode
	Reconnects int
}

// Client follows job logs over SSE with a polling fallback
type Client struct {
	baseURL        string
	http           *http.Client
	initialBackoff time.Duration
	maxReconnects  int
	pollInterval   time.Duration
	logger         arbor.ILogger
	mode           atomic.Int32
	sleep          func(ctx context.Context, d time.Duration) error
}

// New creates a client
func New(cfg Config) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		http:           cfg.HTTPClient,
		initialBackoff: cfg.InitialBackoff,
		maxReconnects:  cfg.MaxReconnects,
		pollInterval:   cfg.PollInterval,
		logger:         cfg.Logger,
		sleep:          sleepContext,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = time.Second
	}
	if c.maxReconnects <= 0 {
		c.maxReconnects = 3
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 2 * time.Second
	}
	if c.logger == nil {
		c.logger = arbor.NewNoOpLogger()
	}
	return c
}

// Mode reports whether the client is pushing or has fallen back to polling
func (c *Client) Mode() Mode {
	return Mode(c.mode.Load())
}

// UsePolling skips the push stream for every later Follow
func (c *Client) UsePolling() {
	c.mode.Store(int32(ModePoll))
}

// newBackOff returns the reconnect schedule: initial, 2x, 4x ... without jitter,
// stopping after maxReconnects delays
func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.initialBackoff << c.maxReconnects
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(c.maxReconnects))
}

// callbackError marks an error returned by the caller's EntryFunc
type callbackError struct{ err error }

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

// isPermanent reports errors that end Follow without another reconnect or poll
func isPermanent(err error) bool {
	var cbErr *callbackError
	return errors.As(err, &cbErr) || errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Follow delivers the job's entries to fn until the job is terminal and drained
func (c *Client) Follow(ctx context.Context, jobID string, fn EntryFunc) (*FollowResult, error) {
	result := &FollowResult{Mode: c.Mode()}
	bo := c.newBackOff()

	for c.Mode() == ModePush {
		progressed, status, err := c.stream(ctx, jobID, result, fn)
		if err == nil {
			result.Status = status
			return result, nil
		}
		if isPermanent(err) {
			return result, unwrapCallback(err)
		}
		if progressed {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			c.mode.Store(int32(ModePoll))
			result.Mode = ModePoll
			c.logger.Warn().
				Err(err).
				Str("job_id", jobID).
				Int("next_index", result.NextIndex).
				Msg("Log stream unavailable, switching to polling")
			break
		}

		c.logger.Debug().
			Err(err).
			Str("job_id", jobID).
			Dur("wait", wait).
			Msg("Log stream dropped, reconnecting")
		if err := c.sleep(ctx, wait); err != nil {
			return result, err
		}
		result.Reconnects++
	}

	result.Mode = ModePoll
	return result, unwrapCallback(c.poll(ctx, jobID, result, fn))
}

func unwrapCallback(err error) error {
	var cbErr *callbackError
	if errors.As(err, &cbErr) {
		return cbErr.err
	}
	return err
}

// deliver passes an entry on unless it was already delivered
func deliver(result *FollowResult, entry models.LogEntry, fn EntryFunc) error {
	if entry.Seq < result.NextIndex {
		return nil
	}
	if err := fn(entry); err != nil {
		return &callbackError{err}
	}
	result.NextIndex = entry.Seq + 1
	return nil
}

// stream reads one SSE connection. It returns nil only after the closing status event.
func (c *Client) stream(ctx context.Context, jobID string, result *FollowResult, fn EntryFunc) (bool, models.JobStatus, error) {
	u := fmt.Sprintf("%s/api/jobs/%s/stream?from=%d", c.baseURL, url.PathEscape(jobID), result.NextIndex)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, "", err
	}
	req.Header.Set("Accept", "text/event-stream")
	if result.NextIndex > 0 {
		req.Header.Set("Last-Event-ID", strconv.Itoa(result.NextIndex-1))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, "", fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	case resp.StatusCode != http.StatusOK:
		return false, "", fmt.Errorf("stream returned %s", resp.Status)
	}

	progressed := false
	reader := bufio.NewReaderSize(resp.Body, 64*1024)
	var event string
	var data strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return progressed, "", err
		}
		line = strings.TrimRight(line, "\r\n")

		if line != "" {
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				event = value
			case "data":
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(value)
			}
			continue
		}

		// Blank line dispatches the event
		switch event {
		case "log":
			var entry models.LogEntry
			if err := json.Unmarshal([]byte(data.String()), &entry); err != nil {
				return progressed, "", fmt.Errorf("malformed log event: %w", err)
			}
			if err := deliver(result, entry, fn); err != nil {
				return progressed, "", err
			}
			progressed = true
		case "status":
			var end models.StreamEnd
			if err := json.Unmarshal([]byte(data.String()), &end); err != nil {
				return progressed, "", fmt.Errorf("malformed status event: %w", err)
			}
			return true, end.Status, nil
		case "ping":
			progressed = true
		}
		event = ""
		data.Reset()
	}
}

// page mirrors the polling response
type page struct {
	Entries   []models.LogEntry `json:"entries"`
	NextIndex int               `json:"nextIndex"`
	HasMore   bool              `json:"hasMore"`
	Status    models.JobStatus  `json:"status"`
}

// poll reads /logs until the server reports nothing more. Transient errors are retried.
func (c *Client) poll(ctx context.Context, jobID string, result *FollowResult, fn EntryFunc) error {
	for {
		p, err := c.fetchPage(ctx, jobID, result.NextIndex)
		if err != nil {
			if isPermanent(err) {
				return err
			}
			c.logger.Debug().Err(err).Str("job_id", jobID).Msg("Log poll failed")
			if err := c.sleep(ctx, c.pollInterval); err != nil {
				return err
			}
			continue
		}

		for _, entry := range p.Entries {
			if err := deliver(result, entry, fn); err != nil {
				return err
			}
		}
		if p.NextIndex > result.NextIndex {
			result.NextIndex = p.NextIndex
		}
		if !p.HasMore {
			result.Status = p.Status
			return nil
		}
		if len(p.Entries) == 0 {
			if err := c.sleep(ctx, c.pollInterval); err != nil {
				return err
			}
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, jobID string, from int) (*page, error) {
	u := fmt.Sprintf("%s/api/jobs/%s/logs?from=%d", c.baseURL, url.PathEscape(jobID), from)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("logs returned %s", resp.Status)
	}

	var p page
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("malformed logs page: %w", err)
	}
	return &p, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
