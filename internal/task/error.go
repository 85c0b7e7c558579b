package task

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// StacktraceItem is one frame of the stack recorded with a TaskError.
type StacktraceItem struct {
	File   string `json:"file"   msgpack:"file"`
	Lineno int    `json:"lineno" msgpack:"lineno"`
	Name   string `json:"name"   msgpack:"name"`
}

// TaskError is the structured failure stored on a task. It is immutable once built.
type TaskError struct {
	Name       string           `json:"name"                 msgpack:"name"`
	Message    string           `json:"message"              msgpack:"message"`
	Cause      string           `json:"cause,omitempty"      msgpack:"cause"`
	Stacktrace []StacktraceItem `json:"stacktrace,omitempty" msgpack:"stacktrace"`
}

const maxStackDepth = 32

// NewTaskError captures err and the stack of the caller.
func NewTaskError(err error) *TaskError {
	te := &TaskError{
		Name:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
	if cause := errors.Unwrap(err); cause != nil {
		te.Cause = fmt.Sprintf("%T: %s", cause, cause.Error())
	}

	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		te.Stacktrace = append(te.Stacktrace, StacktraceItem{
			File:   frame.File,
			Lineno: frame.Line,
			Name:   frame.Function,
		})
		if !more {
			break
		}
	}
	return te
}

// Error renders the name, the message and one line per frame.
func (e *TaskError) Error() string {
	var b strings.Builder
	b.WriteString(e.Name)
	b.WriteString(": ")
	b.WriteString(e.Message)
	for _, item := range e.Stacktrace {
		if item.Lineno < 0 {
			fmt.Fprintf(&b, "\n\tat %s (native)", item.Name)
			continue
		}
		fmt.Fprintf(&b, "\n\tat %s:%d", item.Name, item.Lineno)
	}
	return b.String()
}
