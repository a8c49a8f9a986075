package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veranemoloko/download-orchestrator/internal/domain"
	errpkg "github.com/veranemoloko/download-orchestrator/internal/errors"
	"github.com/veranemoloko/download-orchestrator/internal/validation"
)

type mockOrchestrator struct {
	tasks     map[string]domain.Task
	submitErr error
	events    chan domain.Event
	controls  []string
}

func newMockOrchestrator() *mockOrchestrator {
	now := time.Now()
	return &mockOrchestrator{
		tasks: map[string]domain.Task{
			"done": {ID: "done", Locator: "http://example.com/a", Status: domain.TaskStatusCompleted, ExpectedSize: 3, BytesTransferred: 3, CreatedAt: now, FinishedAt: now},
			"busy": {ID: "busy", Locator: "http://example.com/b", Status: domain.TaskStatusActive, ExpectedSize: -1, CreatedAt: now},
		},
		events: make(chan domain.Event, 8),
	}
}

func (m *mockOrchestrator) Submit(ctx context.Context, spec domain.TaskSpec) (string, error) {
	if m.submitErr != nil {
		return "", m.submitErr
	}
	if _, ok := m.tasks[spec.ID]; ok {
		return "", &errpkg.DuplicateTaskError{TaskID: spec.ID}
	}
	return "new-task", nil
}

func (m *mockOrchestrator) SubmitBatch(ctx context.Context, specs []domain.TaskSpec) ([]string, error) {
	ids := make([]string, 0, len(specs))
	for i, spec := range specs {
		if _, ok := m.tasks[spec.ID]; ok {
			return ids, fmt.Errorf("task %d: %w", i, &errpkg.DuplicateTaskError{TaskID: spec.ID})
		}
		ids = append(ids, fmt.Sprintf("id-%d", i))
	}
	return ids, nil
}

func (m *mockOrchestrator) Task(id string) (domain.Task, bool) {
	t, ok := m.tasks[id]
	return t, ok
}

func (m *mockOrchestrator) Tasks() []domain.Task {
	return []domain.Task{m.tasks["done"], m.tasks["busy"]}
}

func (m *mockOrchestrator) Control(ctx context.Context, id string, action domain.ControlAction) error {
	if !action.Valid() {
		return &errpkg.ControlError{TaskID: id, Action: string(action), Err: errpkg.ErrUnknownAction}
	}
	t, ok := m.tasks[id]
	if !ok {
		return &errpkg.ControlError{TaskID: id, Action: string(action), Err: errpkg.ErrTaskNotFound}
	}
	if t.Status.IsTerminal() {
		return &errpkg.ControlError{TaskID: id, Action: string(action), Err: errpkg.ErrTaskTerminal}
	}
	m.controls = append(m.controls, id+":"+string(action))
	return nil
}

func (m *mockOrchestrator) ControlAll(ctx context.Context, action domain.ControlAction) (int, error) {
	if !action.Valid() {
		return 0, &errpkg.ControlError{Action: string(action), Err: errpkg.ErrUnknownAction}
	}
	return 1, nil
}

func (m *mockOrchestrator) Drain(ctx context.Context, id string) (domain.Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, &errpkg.ControlError{TaskID: id, Action: "drain", Err: errpkg.ErrTaskNotFound}
	}
	if !t.Status.IsTerminal() {
		return domain.Task{}, &errpkg.ControlError{TaskID: id, Action: "drain", Err: errpkg.ErrTaskNotTerminal}
	}
	return t, nil
}

func (m *mockOrchestrator) DrainTerminal(ctx context.Context) []domain.Task {
	return []domain.Task{m.tasks["done"]}
}

func (m *mockOrchestrator) Snapshot() domain.ProgressSnapshot {
	return domain.ProgressSnapshot{
		Total:          2,
		Completed:      1,
		Active:         1,
		BytesTotal:     -1,
		ETASeconds:     -1,
		OccupiedSlots:  1,
		MaxConcurrency: 3,
	}
}

func (m *mockOrchestrator) Subscribe(buffer int) (<-chan domain.Event, func()) {
	return m.events, func() {}
}

func newTestRouter(m *mockOrchestrator) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	return NewRouter(m, validation.New(false), logger)
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Result()
}

func TestTaskHandler_CreateTask(t *testing.T) {
	m := newMockOrchestrator()
	router := newTestRouter(m)

	resp := doRequest(t, router, http.MethodPost, "/tasks", domain.TaskSpec{Locator: "http://example.com/a", Destination: "a"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var data map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&data))
	assert.Equal(t, "new-task", data["task_id"])
}

func TestTaskHandler_CreateTask_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		submitErr  error
		wantStatus int
	}{
		{name: "malformed body", body: "{", wantStatus: http.StatusBadRequest},
		{name: "invalid spec", body: `{"locator":"ftp://x"}`, submitErr: fmt.Errorf("%w: locator", errpkg.ErrInvalidTaskSpec), wantStatus: http.StatusBadRequest},
		{name: "duplicate", body: `{"id":"done","locator":"http://example.com/a","destination":"a"}`, wantStatus: http.StatusConflict},
		{name: "internal", body: `{"locator":"http://example.com/a","destination":"a"}`, submitErr: io.ErrClosedPipe, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockOrchestrator()
			m.submitErr = tt.submitErr
			router := newTestRouter(m)

			req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			var data map[string]string
			require.NoError(t, json.NewDecoder(w.Body).Decode(&data))
			assert.NotEmpty(t, data["error"])
		})
	}
}

func TestTaskHandler_CreateBatch(t *testing.T) {
	router := newTestRouter(newMockOrchestrator())

	resp := doRequest(t, router, http.MethodPost, "/tasks/batch", domain.CreateBatchRequest{Tasks: []domain.TaskSpec{
		{Locator: "http://example.com/a", Destination: "a"},
		{Locator: "http://example.com/b", Destination: "b"},
	}})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var data struct {
		TaskIDs []string `json:"task_ids"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&data))
	assert.Equal(t, []string{"id-0", "id-1"}, data.TaskIDs)
}

func TestTaskHandler_CreateBatch_Rejected(t *testing.T) {
	router := newTestRouter(newMockOrchestrator())

	resp := doRequest(t, router, http.MethodPost, "/tasks/batch", domain.CreateBatchRequest{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doRequest(t, router, http.MethodPost, "/tasks/batch", domain.CreateBatchRequest{Tasks: []domain.TaskSpec{
		{Locator: "http://example.com/a", Destination: "a"},
		{ID: "done", Locator: "http://example.com/b", Destination: "b"},
	}})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var data struct {
		TaskIDs []string `json:"task_ids"`
		Error   string   `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&data))
	assert.Equal(t, []string{"id-0"}, data.TaskIDs)
	assert.Contains(t, data.Error, "task 1")
}

func TestTaskHandler_GetTask(t *testing.T) {
	router := newTestRouter(newMockOrchestrator())

	resp := doRequest(t, router, http.MethodGet, "/tasks/done", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var data domain.TaskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&data))
	assert.Equal(t, "done", data.ID)
	assert.Equal(t, domain.TaskStatusCompleted, data.Status)
	assert.NotNil(t, data.FinishedAt)

	resp = doRequest(t, router, http.MethodGet, "/tasks/missing", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTaskHandler_ListTasks(t *testing.T) {
	router := newTestRouter(newMockOrchestrator())

	resp := doRequest(t, router, http.MethodGet, "/tasks", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var data []domain.TaskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&data))
	require.Len(t, data, 2)
	assert.Equal(t, "done", data[0].ID)
	assert.Equal(t, "busy", data[1].ID)
}

func TestTaskHandler_ControlTask(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{name: "pause active", path: "/tasks/busy/pause", wantStatus: http.StatusAccepted},
		{name: "cancel active", path: "/tasks/busy/cancel", wantStatus: http.StatusAccepted},
		{name: "unknown task", path: "/tasks/missing/pause", wantStatus: http.StatusNotFound},
		{name: "terminal task", path: "/tasks/done/resume", wantStatus: http.StatusConflict},
		{name: "bad action", path: "/tasks/busy/restart", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(newMockOrchestrator())
			resp := doRequest(t, router, http.MethodPost, tt.path, nil)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestTaskHandler_DrainTask(t *testing.T) {
	router := newTestRouter(newMockOrchestrator())

	resp := doRequest(t, router, http.MethodDelete, "/tasks/done", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, router, http.MethodDelete, "/tasks/busy", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doRequest(t, router, http.MethodDelete, "/tasks/missing", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTaskHandler_Batch(t *testing.T) {
	router := newTestRouter(newMockOrchestrator())

	resp := doRequest(t, router, http.MethodPost, "/batch/pause", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = doRequest(t, router, http.MethodPost, "/batch/explode", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doRequest(t, router, http.MethodPost, "/batch/drain", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var drained []domain.TaskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&drained))
	require.Len(t, drained, 1)
	assert.Equal(t, "done", drained[0].ID)
}

func TestTaskHandler_Snapshot(t *testing.T) {
	router := newTestRouter(newMockOrchestrator())

	resp := doRequest(t, router, http.MethodGet, "/snapshot", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var snap domain.ProgressSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, 2, snap.Total)
	assert.Equal(t, int64(-1), snap.BytesTotal)
	assert.Equal(t, 3, snap.MaxConcurrency)
}

func TestTaskHandler_Events(t *testing.T) {
	m := newMockOrchestrator()
	server := httptest.NewServer(newTestRouter(m))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	m.events <- domain.Event{Type: domain.EventTaskCompleted, TaskID: "done", Status: domain.TaskStatusCompleted}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: task_completed\n", line)

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	var ev domain.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
	assert.Equal(t, "done", ev.TaskID)
	assert.Equal(t, domain.TaskStatusCompleted, ev.Status)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	router := newTestRouter(newMockOrchestrator())

	resp := doRequest(t, router, http.MethodGet, "/health", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, router, http.MethodGet, "/metrics", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
