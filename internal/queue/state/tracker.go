package state

import (
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// Status is the tracker's view of a job on this instance
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	StatusNotFound  Status = "not_found"
)

// DefaultRetention is how long completed records are kept
const DefaultRetention = time.Hour

// Outcome is how a job ended
type Outcome struct {
	Success  bool   `json:"success"`
	Partial  bool   `json:"partial,omitempty"`
	Canceled bool   `json:"canceled,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Record is a point-in-time status for one job
type Record struct {
	JobID       string     `json:"jobId"`
	Status      Status     `json:"status"`
	Position    int        `json:"position,omitempty"` // 1-based, only while queued
	QueuedAt    time.Time  `json:"queuedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Outcome     *Outcome   `json:"outcome,omitempty"`
}

type entry struct {
	queuedAt    time.Time
	startedAt   time.Time
	completedAt time.Time
	outcome     *Outcome
	seq         uint64 // queue order
}

// finalStatus maps a completed entry's outcome to a status; cancel wins over the rest
func (e *entry) finalStatus() Status {
	switch {
	case e.outcome == nil:
		return StatusFailed
	case e.outcome.Canceled:
		return StatusCanceled
	case e.outcome.Success:
		return StatusCompleted
	default:
		return StatusFailed
	}
}

// Tracker keeps in-memory status for jobs admitted on this instance.
// It never reads or writes storage.
type Tracker struct {
	mu            sync.Mutex
	queued        map[string]*entry
	running       map[string]*entry
	completed     map[string]*entry
	maxConcurrent int
	retention     time.Duration
	seq           uint64
	now           func() time.Time
	logger        arbor.ILogger
}

// NewTracker creates a tracker admitting up to maxConcurrent running jobs
func NewTracker(maxConcurrent int, retention time.Duration, logger arbor.ILogger) *Tracker {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{
		queued:        make(map[string]*entry),
		running:       make(map[string]*entry),
		completed:     make(map[string]*entry),
		maxConcurrent: maxConcurrent,
		retention:     retention,
		now:           time.Now,
		logger:        logger,
	}
}

// MarkQueued records a job waiting for a local slot
func (t *Tracker) MarkQueued(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	delete(t.completed, jobID)
	t.queued[jobID] = &entry{queuedAt: t.now(), seq: t.seq}
}

// MarkRunning moves a job to running
func (t *Tracker) MarkRunning(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.queued[jobID]
	if !ok {
		t.seq++
		e = &entry{queuedAt: t.now(), seq: t.seq}
	}
	delete(t.queued, jobID)
	e.startedAt = t.now()
	t.running[jobID] = e
}

// MarkCompleted records the outcome and frees the job's slot
func (t *Tracker) MarkCompleted(jobID string, outcome Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.running[jobID]
	if !ok {
		e, ok = t.queued[jobID]
	}
	if !ok {
		t.seq++
		e = &entry{queuedAt: t.now(), seq: t.seq}
	}
	delete(t.running, jobID)
	delete(t.queued, jobID)

	e.completedAt = t.now()
	e.outcome = &outcome
	t.completed[jobID] = e
}

// HasCapacity reports whether another job can be admitted now
func (t *Tracker) HasCapacity() bool {
	return t.Available() > 0
}

// Available returns how many more jobs can be admitted, counting queued ones
func (t *Tracker) Available() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.maxConcurrent - len(t.running) - len(t.queued)
	if n < 0 {
		return 0
	}
	return n
}

// RunningCount returns the number of running jobs
func (t *Tracker) RunningCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.running)
}

// QueuedCount returns the number of jobs waiting for a slot
func (t *Tracker) QueuedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queued)
}

// GetStatus returns the job's status, with its queue position while queued
func (t *Tracker) GetStatus(jobID string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.queued[jobID]; ok {
		position := 1
		for _, other := range t.queued {
			if other.seq < e.seq {
				position++
			}
		}
		return Record{JobID: jobID, Status: StatusQueued, Position: position, QueuedAt: e.queuedAt}
	}
	if e, ok := t.running[jobID]; ok {
		return t.record(jobID, StatusRunning, e)
	}
	if e, ok := t.completed[jobID]; ok {
		return t.record(jobID, e.finalStatus(), e)
	}
	return Record{JobID: jobID, Status: StatusNotFound}
}

func (t *Tracker) record(jobID string, status Status, e *entry) Record {
	r := Record{JobID: jobID, Status: status, QueuedAt: e.queuedAt, Outcome: e.outcome}
	if !e.startedAt.IsZero() {
		started := e.startedAt
		r.StartedAt = &started
	}
	if !e.completedAt.IsZero() {
		completed := e.completedAt
		r.CompletedAt = &completed
	}
	return r
}

// Sweep drops completed records older than the retention window and returns how many
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, e := range t.completed {
		if now.Sub(e.completedAt) > t.retention {
			delete(t.completed, id)
			removed++
		}
	}

	if removed > 0 {
		t.logger.Debug().Int("removed", removed).Int("remaining", len(t.completed)).Msg("Swept completed job records")
	}
	return removed
}

// Snapshot returns every tracked record: queued in queue order, then running, then completed
func (t *Tracker) Snapshot() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	type keyed struct {
		id string
		e  *entry
	}
	collect := func(m map[string]*entry) []keyed {
		out := make([]keyed, 0, len(m))
		for id, e := range m {
			out = append(out, keyed{id, e})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].e.seq < out[j].e.seq })
		return out
	}

	records := make([]Record, 0, len(t.queued)+len(t.running)+len(t.completed))
	for i, k := range collect(t.queued) {
		records = append(records, Record{JobID: k.id, Status: StatusQueued, Position: i + 1, QueuedAt: k.e.queuedAt})
	}
	for _, k := range collect(t.running) {
		records = append(records, t.record(k.id, StatusRunning, k.e))
	}
	for _, k := range collect(t.completed) {
		records = append(records, t.record(k.id, k.e.finalStatus(), k.e))
	}
	return records
}
