package logs

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/juris/internal/models"
)

func newTestBus(capacity int) *Bus {
	return NewBus(capacity, arbor.NewNoOpLogger())
}

func entry(msg string) models.LogEntry {
	return models.LogEntry{Level: models.LogLevelInfo, Message: msg}
}

func TestBus_PublishAssignsSequence(t *testing.T) {
	bus := newTestBus(10)

	first := bus.Publish("job-1", entry("a"))
	second := bus.Publish("job-1", entry("b"))
	other := bus.Publish("job-2", entry("c"))

	assert.Equal(t, 0, first.Seq)
	assert.Equal(t, 1, second.Seq)
	assert.Equal(t, 0, other.Seq, "sequences are per job")
	assert.False(t, first.Timestamp.IsZero())
}

func TestBus_RingKeepsMostRecentInOrder(t *testing.T) {
	bus := newTestBus(DefaultBufferSize)

	for i := 0; i < 1500; i++ {
		bus.Publish("job-1", entry(fmt.Sprintf("msg-%d", i)))
	}

	entries := bus.Snapshot("job-1")
	require.Len(t, entries, 1000)
	assert.Equal(t, "msg-500", entries[0].Message)
	assert.Equal(t, "msg-1499", entries[999].Message)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].Seq+1, entries[i].Seq)
	}
}

func TestBus_GetBuffered(t *testing.T) {
	bus := newTestBus(5)
	for i := 0; i < 8; i++ {
		bus.Publish("job-1", entry(fmt.Sprintf("msg-%d", i)))
	}

	t.Run("from inside window", func(t *testing.T) {
		entries, next := bus.GetBuffered("job-1", 6)
		require.Len(t, entries, 2)
		assert.Equal(t, "msg-6", entries[0].Message)
		assert.Equal(t, 8, next)
	})

	t.Run("from before window starts at oldest", func(t *testing.T) {
		entries, next := bus.GetBuffered("job-1", 0)
		require.Len(t, entries, 5)
		assert.Equal(t, 3, entries[0].Seq)
		assert.Equal(t, 8, next)
	})

	t.Run("caught up", func(t *testing.T) {
		entries, next := bus.GetBuffered("job-1", 8)
		assert.Empty(t, entries)
		assert.Equal(t, 8, next)
	})

	t.Run("unknown job", func(t *testing.T) {
		entries, next := bus.GetBuffered("missing", 3)
		assert.Empty(t, entries)
		assert.Equal(t, 3, next)
	})
}

func TestBus_SubscribersReceiveInOrder(t *testing.T) {
	bus := newTestBus(10)

	var order []string
	bus.Subscribe("job-1", func(e models.LogEntry) { order = append(order, "first:"+e.Message) })
	bus.Subscribe("job-1", func(e models.LogEntry) { order = append(order, "second:"+e.Message) })

	bus.Publish("job-1", entry("hello"))

	assert.Equal(t, []string{"first:hello", "second:hello"}, order)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := newTestBus(10)

	var got []models.LogEntry
	id := bus.Subscribe("job-1", func(e models.LogEntry) { got = append(got, e) })
	bus.Publish("job-1", entry("one"))
	bus.Unsubscribe("job-1", id)
	bus.Publish("job-1", entry("two"))

	require.Len(t, got, 1)
	assert.Equal(t, "one", got[0].Message)

	// Unknown ids and jobs are ignored
	bus.Unsubscribe("job-1", 999)
	bus.Unsubscribe("missing", id)
}

func TestBus_SubscribeBeforePublishDoesNotCountAsBuffered(t *testing.T) {
	bus := newTestBus(10)

	id := bus.Subscribe("job-1", func(models.LogEntry) {})
	assert.False(t, bus.Has("job-1"))

	bus.Unsubscribe("job-1", id)
	assert.Empty(t, bus.Jobs())
}

func TestBus_PanickingSubscriberDoesNotBreakPublish(t *testing.T) {
	bus := newTestBus(10)

	var delivered bool
	bus.Subscribe("job-1", func(models.LogEntry) { panic("boom") })
	bus.Subscribe("job-1", func(models.LogEntry) { delivered = true })

	assert.NotPanics(t, func() { bus.Publish("job-1", entry("x")) })
	assert.True(t, delivered)
	assert.Equal(t, 1, bus.Len("job-1"))
}

func TestBus_RecentAndEvict(t *testing.T) {
	bus := newTestBus(10)
	for i := 0; i < 4; i++ {
		bus.Publish("job-1", entry(fmt.Sprintf("msg-%d", i)))
	}

	recent := bus.Recent("job-1", 2)
	require.Len(t, recent, 2)
	assert.Equal(t, "msg-2", recent[0].Message)

	assert.True(t, bus.Has("job-1"))
	bus.Evict("job-1")
	assert.False(t, bus.Has("job-1"))
	assert.Empty(t, bus.Snapshot("job-1"))
}

func TestBus_ConcurrentPublishKeepsSequenceUnique(t *testing.T) {
	bus := newTestBus(DefaultBufferSize)

	var mu sync.Mutex
	seen := make(map[int]bool)
	bus.Subscribe("job-1", func(e models.LogEntry) {
		mu.Lock()
		seen[e.Seq] = true
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				bus.Publish("job-1", entry("x"))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 400)
	entries := bus.Snapshot("job-1")
	require.Len(t, entries, 400)
	for i, e := range entries {
		assert.Equal(t, i, e.Seq)
	}
}

func TestBus_FinalKeepsFirstTerminalEntry(t *testing.T) {
	bus := newTestBus(2)

	_, ok := bus.Final("job-1")
	assert.False(t, ok)

	bus.Publish("job-1", entry("start"))
	_, ok = bus.Final("job-1")
	assert.False(t, ok)

	bus.Publish("job-1", models.LogEntry{Message: "Job canceled", Status: models.JobStatusCanceled})
	bus.Publish("job-1", entry("late"))
	bus.Publish("job-1", entry("later"))

	final, ok := bus.Final("job-1")
	require.True(t, ok, "kept after the ring wraps past it")
	assert.Equal(t, 1, final.Seq)
	assert.Equal(t, models.JobStatusCanceled, final.Status)

	bus.Evict("job-1")
	_, ok = bus.Final("job-1")
	assert.False(t, ok)
}
