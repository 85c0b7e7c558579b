// Package api exposes the task manager over HTTP: submitting, listing,
// stopping and clearing tasks, reading the progress of composite runs and
// the health and metrics endpoints used by operators.
package api
