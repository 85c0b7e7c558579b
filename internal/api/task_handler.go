package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ICIJ/datashare-sub004/internal/api/shared"
	"github.com/ICIJ/datashare-sub004/internal/platform/logger"
	"github.com/ICIJ/datashare-sub004/internal/store"
	"github.com/ICIJ/datashare-sub004/internal/task"
	"github.com/go-chi/chi/v5"
)

// TaskManager is the part of the task manager served over HTTP.
type TaskManager interface {
	StartTask(ctx context.Context, name, user string, args map[string]any) (*task.Task, error)
	StopTask(ctx context.Context, id string, requeue bool) (bool, error)
	StopAllTasks(ctx context.Context) ([]string, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*task.Task, error)
	ClearTask(ctx context.Context, id string) (*task.Task, error)
	ClearDoneTasks(ctx context.Context) ([]*task.Task, error)
	RunProgress(runID string) float64
	Health(ctx context.Context) bool
	Shutdown(ctx context.Context) error
}

// TaskHandler handles task HTTP requests.
type TaskHandler struct {
	manager TaskManager
	logger  *slog.Logger
}

// NewTaskHandler creates a new TaskHandler
func NewTaskHandler(manager TaskManager, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for TaskHandler")
	}
	return &TaskHandler{
		manager: manager,
		logger:  logger.With(slog.String("component", "task_handler")),
	}
}

func (h *TaskHandler) respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
}

// ListTasks handles GET /api/tasks
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	filter, err := parseTaskFilter(r)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	tasks, err := h.manager.ListTasks(r.Context(), filter)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, tasks)
}

// GetTask handles GET /api/tasks/{id}
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.manager.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, t)
}

// StartTask handles POST /api/tasks
func (h *TaskHandler) StartTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req StartTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	t, err := h.manager.StartTask(r.Context(), req.Name, req.User, req.Args)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	log.Info("task started", slog.String("task_id", t.ID), slog.String("task_name", t.Name))
	shared.RespondWithJSON(w, r, http.StatusCreated, t)
}

// StopTask handles PUT /api/tasks/{id}/stop
func (h *TaskHandler) StopTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stopped, err := h.manager.StopTask(r.Context(), id, boolQuery(r, "requeue", false))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, StopTaskResponse{ID: id, Stopped: stopped})
}

// StopAllTasks handles PUT /api/tasks/stopAll
func (h *TaskHandler) StopAllTasks(w http.ResponseWriter, r *http.Request) {
	stopped, err := h.manager.StopAllTasks(r.Context())
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	if stopped == nil {
		stopped = []string{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, StopAllResponse{Stopped: stopped})
}

// ShutdownWorkers handles PUT /api/workers/shutdown
func (h *TaskHandler) ShutdownWorkers(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Shutdown(r.Context()); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusAccepted, ShutdownResponse{Requested: true})
}

// ClearTask handles DELETE /api/tasks/{id}
func (h *TaskHandler) ClearTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.manager.ClearTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, t)
}

// ClearDoneTasks handles DELETE /api/tasks/done
func (h *TaskHandler) ClearDoneTasks(w http.ResponseWriter, r *http.Request) {
	cleared, err := h.manager.ClearDoneTasks(r.Context())
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	if cleared == nil {
		cleared = []*task.Task{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ClearResponse{Cleared: cleared})
}

// RunProgress handles GET /api/runs/{runID}/progress
func (h *TaskHandler) RunProgress(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	shared.RespondWithJSON(w, r, http.StatusOK, RunProgressResponse{RunID: runID, Progress: h.manager.RunProgress(runID)})
}

// Health handles GET /health. It answers 503 when the broker refuses a ping.
func (h *TaskHandler) Health(w http.ResponseWriter, r *http.Request) {
	if !h.manager.Health(r.Context()) {
		shared.RespondWithJSON(w, r, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, HealthResponse{Status: "ok", Broker: true})
}
