package broker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ICIJ/datashare-sub004/internal/broker"
	"github.com/ICIJ/datashare-sub004/internal/broker/brokertest"
	"github.com/ICIJ/datashare-sub004/internal/config"
	"github.com/ICIJ/datashare-sub004/internal/events"
	"github.com/ICIJ/datashare-sub004/internal/platform/logger"
	"github.com/stretchr/testify/require"
)

const eventually = 2 * time.Second

func testConfig() config.AMQPConfig {
	return config.AMQPConfig{
		Host:                   "localhost",
		Port:                   5672,
		User:                   "guest",
		Password:               "guest",
		MaxOutstandingMessages: 10,
		RequeueDelay:           30,
		DeadLetterEnabled:      true,
	}
}

func connect(t *testing.T, b *brokertest.Broker, cfg config.AMQPConfig, opts ...broker.Option) (*broker.Interlocutor, *logger.TestLogBuffer) {
	t.Helper()
	log, buf := logger.GetTestLogger(t)
	opts = append([]broker.Option{broker.WithDialer(b.Dial)}, opts...)
	i, err := broker.Connect(context.Background(), cfg, log, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = i.Close() })
	return i, buf
}

// recorder is a handler that records the events it receives and answers
// with the result of respond.
type recorder struct {
	mu      sync.Mutex
	events  []*events.Event
	respond func(e *events.Event) error
}

func (r *recorder) HandleEvent(_ context.Context, e *events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	respond := r.respond
	r.mu.Unlock()
	if respond == nil {
		return nil
	}
	return respond(e)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
