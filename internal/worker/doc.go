// Package worker runs tasks consumed from the task queue. It reports the
// progress and outcome of each task on the manager event queue and listens to
// the worker event queue for cancellations and shutdown requests.
package worker
