package task

import (
	"context"
	"fmt"
	"time"
)

// Names of the tasks every worker knows how to run.
const (
	HelloWorldTask = "HelloWorld"
	SleepTask      = "Sleep"
)

// RegisterBuiltins registers the diagnostic tasks used to check a deployment.
func RegisterBuiltins(r *Registry) {
	r.Register(HelloWorldTask, func(t *Task, progress ProgressFunc) (Runner, error) {
		return RunnerFunc(func(ctx context.Context) (any, error) {
			progress(1)
			return fmt.Sprintf("Hello %s!", greeted(t)), nil
		}), nil
	})
	r.Register(SleepTask, newSleep)
}

func greeted(t *Task) string {
	if name, ok := t.Arguments["greeted"].(string); ok && name != "" {
		return name
	}
	return "world"
}

// newSleep sleeps "steps" times "intervalMs" milliseconds, reporting progress
// after each step.
func newSleep(t *Task, progress ProgressFunc) (Runner, error) {
	steps := intArg(t.Arguments, "steps", 10)
	interval := time.Duration(intArg(t.Arguments, "intervalMs", 100)) * time.Millisecond
	if steps <= 0 {
		return nil, fmt.Errorf("steps must be positive, got %d", steps)
	}

	return RunnerFunc(func(ctx context.Context) (any, error) {
		for i := 1; i <= steps; i++ {
			select {
			case <-ctx.Done():
				return nil, &CancelError{}
			case <-time.After(interval):
			}
			progress(float64(i) / float64(steps))
		}
		return steps, nil
	}), nil
}

// intArg reads an integer argument. JSON decoding yields float64 and msgpack
// int64, both are accepted.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}
