package api

import "github.com/ICIJ/datashare-sub004/internal/task"

// StartTaskRequest is the body of POST /api/tasks.
type StartTaskRequest struct {
	Name string         `json:"name" validate:"required,max=255"`
	User string         `json:"user" validate:"required,max=255"`
	Args map[string]any `json:"args"`
}

// StopTaskResponse tells whether a cancellation was broadcast.
type StopTaskResponse struct {
	ID      string `json:"id"`
	Stopped bool   `json:"stopped"`
}

// StopAllResponse lists the tasks a cancellation was broadcast for.
type StopAllResponse struct {
	Stopped []string `json:"stopped"`
}

// ShutdownResponse acknowledges a worker shutdown broadcast.
type ShutdownResponse struct {
	Requested bool `json:"requested"`
}

// ClearResponse lists the removed tasks.
type ClearResponse struct {
	Cleared []*task.Task `json:"cleared"`
}

// RunProgressResponse is the aggregated progress of a composite run.
type RunProgressResponse struct {
	RunID    string  `json:"runId"`
	Progress float64 `json:"progress"`
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status string `json:"status"`
	Broker bool   `json:"broker"`
}
