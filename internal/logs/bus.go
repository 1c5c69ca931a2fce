package logs

import (
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/juris/internal/models"
)

// DefaultBufferSize is the number of entries retained per job
const DefaultBufferSize = 1000

// Handler receives entries published for a job.
// Handlers run while the job's buffer is locked and must not call back into the bus.
type Handler func(entry models.LogEntry)

// SubscriptionID identifies a handler registered with Subscribe
type SubscriptionID uint64

type subscriber struct {
	id      SubscriptionID
	handler Handler
}

// jobLog is the ring buffer and subscriber list of one job
type jobLog struct {
	mu      sync.Mutex
	entries []models.LogEntry
	start   int // index of the oldest entry once the ring is full
	next    int // sequence number of the next entry
	subs    []subscriber
	final   *models.LogEntry // set once the job's final entry is published
}

// oldest returns the sequence number of the oldest retained entry
func (l *jobLog) oldest() int {
	return l.next - len(l.entries)
}

func (l *jobLog) push(entry models.LogEntry, capacity int) {
	if len(l.entries) < capacity {
		l.entries = append(l.entries, entry)
	} else {
		l.entries[l.start] = entry
		l.start = (l.start + 1) % capacity
	}
	l.next++
}

// from copies retained entries with sequence >= seq, in order
func (l *jobLog) from(seq int) []models.LogEntry {
	if seq < l.oldest() {
		seq = l.oldest()
	}
	if seq >= l.next {
		return nil
	}
	offset := seq - l.oldest()
	n := len(l.entries) - offset
	out := make([]models.LogEntry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, l.entries[(l.start+offset+i)%len(l.entries)])
	}
	return out
}

// Bus is the per-job, in-process log fan-out with a bounded catch-up buffer
type Bus struct {
	mu       sync.Mutex
	jobs     map[string]*jobLog
	capacity int
	nextID   SubscriptionID
	now      func() time.Time
	logger   arbor.ILogger
}

// NewBus creates a log bus keeping capacity entries per job
func NewBus(capacity int, logger arbor.ILogger) *Bus {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Bus{
		jobs:     make(map[string]*jobLog),
		capacity: capacity,
		now:      time.Now,
		logger:   logger,
	}
}

// Capacity returns the per-job buffer size
func (b *Bus) Capacity() int {
	return b.capacity
}

func (b *Bus) get(jobID string, create bool) *jobLog {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.jobs[jobID]
	if !ok && create {
		l = &jobLog{}
		b.jobs[jobID] = l
	}
	return l
}

// Publish appends an entry to the job's buffer and delivers it to every subscriber
// in subscription order. The stored entry, with its sequence number, is returned.
func (b *Bus) Publish(jobID string, entry models.LogEntry) models.LogEntry {
	l := b.get(jobID, true)

	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = b.now()
	}
	if entry.Level == "" {
		entry.Level = models.LogLevelInfo
	}
	entry.Seq = l.next
	l.push(entry, b.capacity)
	if entry.IsFinal() && l.final == nil {
		final := entry
		l.final = &final
	}

	for _, sub := range l.subs {
		b.deliver(jobID, sub, entry)
	}
	return entry
}

func (b *Bus) deliver(jobID string, sub subscriber, entry models.LogEntry) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn().
				Str("job_id", jobID).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Log subscriber panicked")
		}
	}()
	sub.handler(entry)
}

// Subscribe registers a handler for entries published after this call.
// Pair it with GetBuffered for catch-up and de-duplicate on Seq.
func (b *Bus) Subscribe(jobID string, handler Handler) SubscriptionID {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	l := b.get(jobID, true)
	l.mu.Lock()
	l.subs = append(l.subs, subscriber{id: id, handler: handler})
	l.mu.Unlock()
	return id
}

// Unsubscribe removes a handler. Unknown ids are ignored.
func (b *Bus) Unsubscribe(jobID string, id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.jobs[jobID]
	if !ok {
		return
	}

	l.mu.Lock()
	for i, sub := range l.subs {
		if sub.id == id {
			l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
			break
		}
	}
	empty := len(l.subs) == 0 && l.next == 0
	l.mu.Unlock()

	// A subscription to a job that never published leaves nothing worth keeping
	if empty {
		delete(b.jobs, jobID)
	}
}

// GetBuffered returns retained entries with Seq >= fromIndex and the index to ask for next.
// A fromIndex older than the retained window starts at the oldest retained entry.
func (b *Bus) GetBuffered(jobID string, fromIndex int) ([]models.LogEntry, int) {
	l := b.get(jobID, false)
	if l == nil {
		return nil, fromIndex
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.from(fromIndex)
	next := l.next
	if len(entries) == 0 && fromIndex > next {
		next = fromIndex
	}
	return entries, next
}

// Snapshot returns every retained entry for a job
func (b *Bus) Snapshot(jobID string) []models.LogEntry {
	entries, _ := b.GetBuffered(jobID, 0)
	return entries
}

// Recent returns up to n of the newest retained entries
func (b *Bus) Recent(jobID string, n int) []models.LogEntry {
	l := b.get(jobID, false)
	if l == nil || n <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	from := l.next - n
	return l.from(from)
}

// Has reports whether the job has published on this instance and not been evicted
func (b *Bus) Has(jobID string) bool {
	l := b.get(jobID, false)
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next > 0
}

// Final returns the job's final entry once it has been published
func (b *Bus) Final(jobID string) (models.LogEntry, bool) {
	l := b.get(jobID, false)
	if l == nil {
		return models.LogEntry{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.final == nil {
		return models.LogEntry{}, false
	}
	return *l.final, true
}

// Len returns the number of retained entries for a job
func (b *Bus) Len(jobID string) int {
	l := b.get(jobID, false)
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Evict drops the buffer and subscribers of a job
func (b *Bus) Evict(jobID string) {
	b.mu.Lock()
	delete(b.jobs, jobID)
	b.mu.Unlock()

	b.logger.Debug().Str("job_id", jobID).Msg("Evicted job log buffer")
}

// Jobs returns the ids of jobs currently buffered
func (b *Bus) Jobs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.jobs))
	for id := range b.jobs {
		ids = append(ids, id)
	}
	return ids
}
