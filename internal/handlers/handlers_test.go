package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/juris/internal/common"
	"github.com/ternarybob/juris/internal/interfaces"
	"github.com/ternarybob/juris/internal/logs"
	"github.com/ternarybob/juris/internal/models"
	"github.com/ternarybob/juris/internal/queue/state"
	badgerstore "github.com/ternarybob/juris/internal/storage/badger"
)

type testEnv struct {
	store   *badgerstore.JobStorage
	bus     *logs.Bus
	tracker *state.Tracker
	jobs    *JobHandler
	stream  *StreamHandler
	ws      *WebSocketHandler
	queue   *QueueHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := arbor.NewNoOpLogger()

	store, err := badgerstore.NewJobStorage(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := logs.NewBus(logs.DefaultBufferSize, logger)
	svc := logs.NewService(bus, store, logger)
	tracker := state.NewTracker(2, time.Hour, logger)

	return &testEnv{
		store:   store,
		bus:     bus,
		tracker: tracker,
		jobs:    NewJobHandler(store, svc, 3, 10, logger),
		stream:  NewStreamHandler(store, svc, 20*time.Millisecond, logger),
		ws:      NewWebSocketHandler(store, svc, 20*time.Millisecond, logger),
		queue:   NewQueueHandler(tracker, logger),
	}
}

func (e *testEnv) createJob(t *testing.T, tribunals ...string) *models.Job {
	t.Helper()
	targets := make([]models.TargetConfig, 0, len(tribunals))
	for _, tribunal := range tribunals {
		targets = append(targets, models.TargetConfig{Tribunal: tribunal})
	}
	job, subtasks := models.NewJob("processos", "distribuicao", targets, time.Now())
	require.NoError(t, e.store.CreateJob(context.Background(), job, subtasks))
	return job
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestJobHandler_Create(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed json", `{"scrape_type":`, http.StatusBadRequest},
		{"unknown field", `{"scrape_type":"processos","targets":[{"tribunal":"TJSP"}],"extra":1}`, http.StatusBadRequest},
		{"missing targets", `{"scrape_type":"processos","targets":[]}`, http.StatusBadRequest},
		{"duplicate tribunal", `{"scrape_type":"processos","targets":[{"tribunal":"TJSP"},{"tribunal":"TJSP"}]}`, http.StatusBadRequest},
		{"bad engine", `{"scrape_type":"processos","targets":[{"tribunal":"TJSP","engine":"curl"}]}`, http.StatusBadRequest},
		{"valid", `{"scrape_type":"processos","scrape_sub_type":"distribuicao","targets":[{"tribunal":"TJSP"},{"tribunal":"TJMG","requires_auth":true}]}`, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(tt.body))
			env.jobs.CreateJobHandler(rec, req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	jobs, err := env.store.ListJobs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	subtasks, err := env.store.ListSubtasks(context.Background(), jobs[0].ID)
	require.NoError(t, err)
	assert.Len(t, subtasks, 2)
}

func TestJobHandler_CreateRejectsWrongMethod(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.jobs.CreateJobHandler(rec, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestJobHandler_List(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "TJSP")
	env.createJob(t, "TJRJ")

	rec := httptest.NewRecorder()
	env.jobs.ListJobsHandler(rec, httptest.NewRequest(http.MethodGet, "/api/jobs?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Jobs  []models.Job `json:"jobs"`
		Count int          `json:"count"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, 1, body.Count)
}

func TestJobHandler_Status(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "TJSP", "TJMG")
	for i := 0; i < 5; i++ {
		env.bus.Publish(job.ID, models.LogEntry{Message: fmt.Sprintf("linha %d", i)})
	}

	rec := httptest.NewRecorder()
	env.jobs.GetJobStatusHandler(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report models.JobStatusReport
	decodeBody(t, rec, &report)
	assert.Equal(t, job.ID, report.ID)
	assert.Equal(t, models.JobStatusPending, report.Status)
	assert.Equal(t, 2, report.TotalSubtasks)
	assert.Nil(t, report.StartedAt)
	require.Len(t, report.RecentLogs, 3, "recent logs bounded by handler config")
	assert.Equal(t, 2, report.RecentLogs[0].Seq)

	rec = httptest.NewRecorder()
	env.jobs.GetJobStatusHandler(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobHandler_CancelIsAccepted(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "TJSP")

	rec := httptest.NewRecorder()
	env.jobs.CancelJobHandler(rec, httptest.NewRequest(http.MethodPost, "/api/jobs/"+job.ID+"/cancel", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	status, err := env.store.GetJobStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, status)

	rec = httptest.NewRecorder()
	env.jobs.CancelJobHandler(rec, httptest.NewRequest(http.MethodPost, "/api/jobs/"+job.ID+"/cancel", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	env.jobs.CancelJobHandler(rec, httptest.NewRequest(http.MethodPost, "/api/jobs/missing/cancel", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobHandler_LogsPolling(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "TJSP")
	for i := 0; i < 15; i++ {
		env.bus.Publish(job.ID, models.LogEntry{Message: fmt.Sprintf("linha %d", i)})
	}

	rec := httptest.NewRecorder()
	env.jobs.GetJobLogsHandler(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID+"/logs?from=3", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var page logs.Page
	decodeBody(t, rec, &page)
	require.Len(t, page.Entries, 10, "capped at the poll limit")
	assert.Equal(t, 3, page.Entries[0].Seq)
	assert.Equal(t, 13, page.NextIndex)
	assert.True(t, page.HasMore)

	rec = httptest.NewRecorder()
	env.jobs.GetJobLogsHandler(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID+"/logs?fromIndex=13&limit=1", nil))
	decodeBody(t, rec, &page)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, 13, page.Entries[0].Seq)
}

type sseEvent struct {
	id    string
	event string
	data  string
}

// readSSE parses events until the server closes the stream
func readSSE(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.event != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return events
}

func eventsOfType(events []sseEvent, event string) []sseEvent {
	var out []sseEvent
	for _, e := range events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func TestStreamHandler_PushesUntilTerminal(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "TJSP")
	env.bus.Publish(job.ID, models.LogEntry{Message: "Job started"})

	server := httptest.NewServer(http.HandlerFunc(env.stream.StreamJobLogsHandler))
	defer server.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		env.bus.Publish(job.ID, models.LogEntry{Message: "Consulta realizada", Tribunal: "TJSP"})
		env.bus.Publish(job.ID, models.LogEntry{Message: "Job completed", Status: models.JobStatusCompleted})
	}()

	resp, err := http.Get(server.URL + "/api/jobs/" + job.ID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, resp)
	logEvents := eventsOfType(events, "log")
	require.Len(t, logEvents, 3)
	for i, e := range logEvents {
		assert.Equal(t, fmt.Sprint(i), e.id)
	}
	assert.NotEmpty(t, eventsOfType(events, "ping"), "heartbeat while waiting")

	last := events[len(events)-1]
	require.Equal(t, "status", last.event)
	var end models.StreamEnd
	require.NoError(t, json.Unmarshal([]byte(last.data), &end))
	assert.Equal(t, models.JobStatusCompleted, end.Status)
	assert.Equal(t, 3, end.NextIndex)
}

func TestStreamHandler_ResumesFromLastEventID(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "TJSP")
	ctx := context.Background()

	_, err := env.store.ClaimPending(ctx, interfaces.ClaimRequest{Limit: 1, MaxRunning: 1, InstanceID: "node-b", Now: time.Now()})
	require.NoError(t, err)
	entries := make([]models.LogEntry, 6)
	for i := range entries {
		entries[i] = models.LogEntry{Seq: i, Timestamp: time.Now(), Level: models.LogLevelInfo, Message: fmt.Sprintf("linha %d", i)}
	}
	entries[5].Status = models.JobStatusFailed
	require.NoError(t, env.store.AppendJobLogs(ctx, job.ID, entries))
	_, err = env.store.FinishJob(ctx, job.ID, models.JobStatusFailed, time.Now())
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(env.stream.StreamJobLogsHandler))
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL+"/api/jobs/"+job.ID+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "3")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	events := readSSE(t, resp)
	logEvents := eventsOfType(events, "log")
	require.Len(t, logEvents, 2)
	assert.Equal(t, "4", logEvents[0].id)
	assert.Equal(t, "5", logEvents[1].id)
	assert.Equal(t, "status", events[len(events)-1].event)
}

func TestStreamHandler_UnknownJob(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.stream.StreamJobLogsHandler(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/missing/stream", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebSocketHandler_PushesUntilTerminal(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "TJSP")
	env.bus.Publish(job.ID, models.LogEntry{Message: "Job started"})
	env.bus.Publish(job.ID, models.LogEntry{Message: "Consulta realizada"})

	server := httptest.NewServer(http.HandlerFunc(env.ws.HandleJobWebSocket))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/jobs/" + job.ID + "/ws?from=1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	go func() {
		time.Sleep(30 * time.Millisecond)
		env.bus.Publish(job.ID, models.LogEntry{Message: "Job canceled", Status: models.JobStatusCanceled})
	}()

	var types []string
	var seqs []int
	var end models.StreamEnd
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		types = append(types, msg.Type)
		switch msg.Type {
		case "log":
			var entry models.LogEntry
			require.NoError(t, json.Unmarshal(msg.Payload, &entry))
			seqs = append(seqs, entry.Seq)
		case "status":
			require.NoError(t, json.Unmarshal(msg.Payload, &end))
		}
	}

	assert.Equal(t, []int{1, 2}, seqs)
	assert.Equal(t, "status", types[len(types)-1])
	assert.Equal(t, models.JobStatusCanceled, end.Status)
}

func TestWebSocketHandler_UnknownJob(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.ws.HandleJobWebSocket(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/missing/ws", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueHandler(t *testing.T) {
	env := newTestEnv(t)
	env.tracker.MarkQueued("a")
	env.tracker.MarkQueued("b")
	env.tracker.MarkRunning("a")
	env.tracker.MarkQueued("c")
	env.tracker.MarkRunning("d")
	env.tracker.MarkCompleted("d", state.Outcome{Canceled: true})

	rec := httptest.NewRecorder()
	env.queue.GetQueueStatusHandler(rec, httptest.NewRequest(http.MethodGet, "/api/queue/c", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var record state.Record
	decodeBody(t, rec, &record)
	assert.Equal(t, state.StatusQueued, record.Status)
	assert.Equal(t, 2, record.Position)

	rec = httptest.NewRecorder()
	env.queue.GetQueueStatusHandler(rec, httptest.NewRequest(http.MethodGet, "/api/queue/d", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var canceled state.Record
	decodeBody(t, rec, &canceled)
	assert.Equal(t, state.StatusCanceled, canceled.Status)
	require.NotNil(t, canceled.Outcome)
	assert.True(t, canceled.Outcome.Canceled)

	rec = httptest.NewRecorder()
	env.queue.GetQueueStatusHandler(rec, httptest.NewRequest(http.MethodGet, "/api/queue/zzz", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	env.queue.GetQueueSnapshotHandler(rec, httptest.NewRequest(http.MethodGet, "/api/queue", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var snapshot struct {
		Running int            `json:"running"`
		Queued  int            `json:"queued"`
		Jobs    []state.Record `json:"jobs"`
	}
	decodeBody(t, rec, &snapshot)
	assert.Equal(t, 1, snapshot.Running)
	assert.Equal(t, 2, snapshot.Queued)
	require.Len(t, snapshot.Jobs, 4)
	assert.Equal(t, state.StatusCanceled, snapshot.Jobs[3].Status)
}

func TestPathSegment(t *testing.T) {
	tests := []struct {
		path, prefix, want string
	}{
		{"/api/jobs/abc", "/api/jobs/", "abc"},
		{"/api/jobs/abc/logs", "/api/jobs/", "abc"},
		{"/api/jobs/", "/api/jobs/", ""},
		{"/api/queue/abc", "/api/jobs/", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, tt.path, nil)
		assert.Equal(t, tt.want, PathSegment(r, tt.prefix), tt.path)
	}
}
