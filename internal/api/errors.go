package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ICIJ/datashare-sub004/internal/broker"
	"github.com/ICIJ/datashare-sub004/internal/manager"
	"github.com/ICIJ/datashare-sub004/internal/store"
)

// ErrInvalidState is returned for an unknown task state in a query.
var ErrInvalidState = errors.New("invalid task state")

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// exposing their type to clients.
func MapErrorToStatusCode(err error) int {
	var unknownChannel *broker.UnknownChannelError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, manager.ErrTaskRunning),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict

	case errors.Is(err, manager.ErrMissingTaskName),
		errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, ErrInvalidState):
		return http.StatusBadRequest

	// the broker is down or the process is not wired to publish
	case errors.Is(err, broker.ErrConnection),
		errors.Is(err, broker.ErrChannelClosed),
		errors.As(err, &unknownChannel):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client message for err that leaks no internals.
func GetSafeErrorMessage(err error) string {
	var unknownChannel *broker.UnknownChannelError
	switch {
	case err == nil:
		return "An unexpected error occurred"
	case errors.Is(err, store.ErrTaskNotFound):
		return "Task not found"
	case errors.Is(err, store.ErrNotFound):
		return "Not found"
	case errors.Is(err, manager.ErrTaskRunning):
		return "Task is running, stop it first"
	case errors.Is(err, manager.ErrMissingTaskName):
		return "Task name is required"
	case errors.Is(err, ErrInvalidState):
		return "Invalid task state"
	case errors.Is(err, store.ErrInvalidEntity):
		return "Invalid task data"
	case errors.Is(err, broker.ErrConnection),
		errors.Is(err, broker.ErrChannelClosed),
		errors.As(err, &unknownChannel):
		return "Message broker unavailable"
	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError turns a validator error into a short message
// naming the offending field.
func SanitizeValidationError(err error) string {
	errMsg := err.Error()

	// Key: 'StartTaskRequest.User' Error:Field validation for 'User' failed on the 'required' tag
	if strings.Contains(errMsg, "Field validation") {
		parts := strings.Split(errMsg, "Error:")
		if len(parts) >= 2 {
			fieldParts := strings.Split(parts[1], "'")
			if len(fieldParts) >= 3 {
				field := fieldParts[1]
				if len(fieldParts) >= 5 {
					return fmt.Sprintf("Invalid %s: %s", field, getValidationTagMessage(fieldParts[3]))
				}
				return fmt.Sprintf("Invalid %s", field)
			}
		}
	}
	return "Validation error"
}

func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "max":
		return "too long"
	case "excludesall":
		return "invalid characters"
	default:
		return "validation failed"
	}
}
