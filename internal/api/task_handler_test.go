package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ICIJ/datashare-sub004/internal/api"
	"github.com/ICIJ/datashare-sub004/internal/api/shared"
	"github.com/ICIJ/datashare-sub004/internal/broker"
	"github.com/ICIJ/datashare-sub004/internal/manager"
	"github.com/ICIJ/datashare-sub004/internal/platform/logger"
	"github.com/ICIJ/datashare-sub004/internal/store"
	"github.com/ICIJ/datashare-sub004/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockManager struct {
	mock.Mock
}

func (m *mockManager) StartTask(ctx context.Context, name, user string, args map[string]any) (*task.Task, error) {
	ret := m.Called(ctx, name, user, args)
	t, _ := ret.Get(0).(*task.Task)
	return t, ret.Error(1)
}

func (m *mockManager) StopTask(ctx context.Context, id string, requeue bool) (bool, error) {
	ret := m.Called(ctx, id, requeue)
	return ret.Bool(0), ret.Error(1)
}

func (m *mockManager) StopAllTasks(ctx context.Context) ([]string, error) {
	ret := m.Called(ctx)
	ids, _ := ret.Get(0).([]string)
	return ids, ret.Error(1)
}

func (m *mockManager) GetTask(ctx context.Context, id string) (*task.Task, error) {
	ret := m.Called(ctx, id)
	t, _ := ret.Get(0).(*task.Task)
	return t, ret.Error(1)
}

func (m *mockManager) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*task.Task, error) {
	ret := m.Called(ctx, filter)
	ts, _ := ret.Get(0).([]*task.Task)
	return ts, ret.Error(1)
}

func (m *mockManager) ClearTask(ctx context.Context, id string) (*task.Task, error) {
	ret := m.Called(ctx, id)
	t, _ := ret.Get(0).(*task.Task)
	return t, ret.Error(1)
}

func (m *mockManager) ClearDoneTasks(ctx context.Context) ([]*task.Task, error) {
	ret := m.Called(ctx)
	ts, _ := ret.Get(0).([]*task.Task)
	return ts, ret.Error(1)
}

func (m *mockManager) RunProgress(runID string) float64 {
	return m.Called(runID).Get(0).(float64)
}

func (m *mockManager) Health(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *mockManager) Shutdown(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func newServer(t *testing.T, m *mockManager) *httptest.Server {
	t.Helper()
	log, _ := logger.GetTestLogger(t)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	srv := httptest.NewServer(api.NewRouter(api.NewTaskHandler(m, log), metrics, log))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

var anyCtx = mock.Anything

func TestStartTask(t *testing.T) {
	t.Parallel()

	m := &mockManager{}
	created := task.New("Scan", "alice", map[string]any{"path": "/data"})
	m.On("StartTask", anyCtx, "Scan", "alice", map[string]any{"path": "/data"}).Return(created, nil)
	srv := newServer(t, m)

	resp := do(t, srv, http.MethodPost, "/api/tasks", `{"name":"Scan","user":"alice","args":{"path":"/data"}}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	got := decode[task.Task](t, resp)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, task.StateQueued, got.State)
	m.AssertExpectations(t)
}

func TestStartTaskValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		message string
	}{
		{name: "malformed json", body: `{"name":`, message: "Invalid request format"},
		{name: "missing user", body: `{"name":"Scan"}`, message: "Invalid User: required field"},
		{name: "missing name", body: `{"user":"alice"}`, message: "Invalid Name: required field"},
		{name: "empty body", body: ``, message: "Invalid Name: required field"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			m := &mockManager{}
			srv := newServer(t, m)

			resp := do(t, srv, http.MethodPost, "/api/tasks", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decode[shared.ErrorResponse](t, resp)
			assert.Equal(t, tc.message, body.Error)
			assert.NotEmpty(t, body.TraceID)
			m.AssertNotCalled(t, "StartTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestStartTaskBrokerUnavailable(t *testing.T) {
	t.Parallel()

	m := &mockManager{}
	m.On("StartTask", anyCtx, "Scan", "alice", map[string]any(nil)).
		Return(nil, fmt.Errorf("failed to submit task: %w", &broker.UnknownChannelError{Queue: "TASK"}))
	srv := newServer(t, m)

	resp := do(t, srv, http.MethodPost, "/api/tasks", `{"name":"Scan","user":"alice"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "Message broker unavailable", decode[shared.ErrorResponse](t, resp).Error)
}

func TestGetTask(t *testing.T) {
	t.Parallel()

	m := &mockManager{}
	known := task.New("Scan", "alice", nil)
	m.On("GetTask", anyCtx, known.ID).Return(known, nil)
	m.On("GetTask", anyCtx, "missing").Return(nil, fmt.Errorf("%w: missing", store.ErrTaskNotFound))
	srv := newServer(t, m)

	resp := do(t, srv, http.MethodGet, "/api/tasks/"+known.ID, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, known.ID, decode[task.Task](t, resp).ID)

	resp = do(t, srv, http.MethodGet, "/api/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Task not found", decode[shared.ErrorResponse](t, resp).Error)
}

func TestListTasks(t *testing.T) {
	t.Parallel()

	m := &mockManager{}
	m.On("ListTasks", anyCtx, store.TaskFilter{
		Name:   "Scan",
		States: []task.State{task.StateRunning, task.StateQueued},
	}).Return([]*task.Task{task.New("Scan", "alice", nil)}, nil)
	m.On("ListTasks", anyCtx, store.TaskFilter{}).Return(nil, nil)
	srv := newServer(t, m)

	resp := do(t, srv, http.MethodGet, "/api/tasks?name=Scan&state=running,QUEUED", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]task.Task](t, resp), 1)

	resp = do(t, srv, http.MethodGet, "/api/tasks", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]task.Task](t, resp))

	resp = do(t, srv, http.MethodGet, "/api/tasks?state=DONE", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid task state", decode[shared.ErrorResponse](t, resp).Error)
}

func TestStopTask(t *testing.T) {
	t.Parallel()

	m := &mockManager{}
	m.On("StopTask", anyCtx, "t1", true).Return(true, nil)
	m.On("StopTask", anyCtx, "t2", false).Return(false, nil)
	srv := newServer(t, m)

	resp := do(t, srv, http.MethodPut, "/api/tasks/t1/stop?requeue=true", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, api.StopTaskResponse{ID: "t1", Stopped: true}, decode[api.StopTaskResponse](t, resp))

	resp = do(t, srv, http.MethodPut, "/api/tasks/t2/stop", "")
	assert.Equal(t, api.StopTaskResponse{ID: "t2", Stopped: false}, decode[api.StopTaskResponse](t, resp))
	m.AssertExpectations(t)
}

func TestStopAllTasks(t *testing.T) {
	t.Parallel()

	m := &mockManager{}
	m.On("StopAllTasks", anyCtx).Return([]string{"t1", "t2"}, nil)
	srv := newServer(t, m)

	resp := do(t, srv, http.MethodPut, "/api/tasks/stopAll", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"t1", "t2"}, decode[api.StopAllResponse](t, resp).Stopped)
}

func TestShutdownWorkers(t *testing.T) {
	t.Parallel()

	m := &mockManager{}
	m.On("Shutdown", anyCtx).Return(nil).Once()
	m.On("Shutdown", anyCtx).Return(&broker.UnknownChannelError{Queue: broker.WorkerEventQueue.Name})
	srv := newServer(t, m)

	resp := do(t, srv, http.MethodPut, "/api/workers/shutdown", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, decode[api.ShutdownResponse](t, resp).Requested)

	resp = do(t, srv, http.MethodPut, "/api/workers/shutdown", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	m.AssertNumberOfCalls(t, "Shutdown", 2)
}

func TestClearTask(t *testing.T) {
	t.Parallel()

	m := &mockManager{}
	done := task.New("Scan", "alice", nil)
	m.On("ClearTask", anyCtx, done.ID).Return(done, nil)
	m.On("ClearTask", anyCtx, "busy").Return(nil, fmt.Errorf("%w: busy", manager.ErrTaskRunning))
	srv := newServer(t, m)

	resp := do(t, srv, http.MethodDelete, "/api/tasks/"+done.ID, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, done.ID, decode[task.Task](t, resp).ID)

	resp = do(t, srv, http.MethodDelete, "/api/tasks/busy", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestClearDoneTasks(t *testing.T) {
	t.Parallel()

	m := &mockManager{}
	m.On("ClearDoneTasks", anyCtx).Return([]*task.Task{task.New("Scan", "alice", nil)}, nil)
	srv := newServer(t, m)

	resp := do(t, srv, http.MethodDelete, "/api/tasks/done", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[api.ClearResponse](t, resp).Cleared, 1)
	m.AssertNotCalled(t, "ClearTask", mock.Anything, mock.Anything)
}

func TestRunProgress(t *testing.T) {
	t.Parallel()

	m := &mockManager{}
	m.On("RunProgress", "run-1").Return(0.25)
	srv := newServer(t, m)

	resp := do(t, srv, http.MethodGet, "/api/runs/run-1/progress", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, api.RunProgressResponse{RunID: "run-1", Progress: 0.25}, decode[api.RunProgressResponse](t, resp))
}

func TestHealth(t *testing.T) {
	t.Parallel()

	up := &mockManager{}
	up.On("Health", anyCtx).Return(true)
	resp := do(t, newServer(t, up), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, api.HealthResponse{Status: "ok", Broker: true}, decode[api.HealthResponse](t, resp))

	down := &mockManager{}
	down.On("Health", anyCtx).Return(false)
	resp = do(t, newServer(t, down), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()

	resp := do(t, newServer(t, &mockManager{}), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	t.Parallel()

	m := &mockManager{}
	m.On("GetTask", anyCtx, "t1").Return(nil, errors.New("dial postgres://admin:secret@db:5432/tasks: refused"))
	srv := newServer(t, m)

	resp := do(t, srv, http.MethodGet, "/api/tasks/t1", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body := decode[shared.ErrorResponse](t, resp)
	assert.Equal(t, "An unexpected error occurred", body.Error)
}
