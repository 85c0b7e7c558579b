package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ICIJ/datashare-sub004/internal/broker"
	"github.com/ICIJ/datashare-sub004/internal/broker/brokertest"
	"github.com/ICIJ/datashare-sub004/internal/config"
	"github.com/ICIJ/datashare-sub004/internal/events"
	"github.com/ICIJ/datashare-sub004/internal/platform/logger"
	"github.com/ICIJ/datashare-sub004/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunner(t *testing.T, b *brokertest.Broker, recoveryDelayMs int) *runner {
	t.Helper()
	log, _ := logger.GetTestLogger(t)
	tasks := task.NewRegistry()
	task.RegisterBuiltins(tasks)
	return &runner{
		cfg: &config.Config{
			AMQP: config.AMQPConfig{
				Host:                    "localhost",
				Port:                    5672,
				MaxOutstandingMessages:  10,
				DeadLetterEnabled:       true,
				ConnectionRecoveryDelay: recoveryDelayMs,
			},
			Worker: config.WorkerConfig{Concurrency: 1, TaskTTL: 3},
		},
		logger: log,
		tasks:  tasks,
		dialer: b.Dial,
	}
}

func TestLoopFailsWithoutRecoveryDelay(t *testing.T) {
	t.Parallel()

	b := brokertest.New()
	b.DialErr = errors.New("connection refused")

	err := newRunner(t, b, 0).loop(context.Background())
	assert.ErrorIs(t, err, broker.ErrConnection)
}

func TestLoopRetriesUntilContextEnds(t *testing.T) {
	t.Parallel()

	b := brokertest.New()
	b.DialErr = errors.New("connection refused")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	assert.NoError(t, newRunner(t, b, 10).loop(ctx))
}

func TestLoopStopsOnShutdownEvent(t *testing.T) {
	t.Parallel()

	b := brokertest.New()
	r := newRunner(t, b, 10)
	done := make(chan error, 1)
	go func() { done <- r.loop(context.Background()) }()

	log, _ := logger.GetTestLogger(t)
	client, err := broker.Connect(context.Background(), r.cfg.AMQP, log, broker.WithDialer(b.Dial))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.CreateAllPublishChannels(broker.WorkerEventQueue))

	// wait for the worker to subscribe to the worker events
	require.Eventually(t, func() bool {
		for _, name := range b.QueueNames() {
			if strings.HasPrefix(name, broker.WorkerEventQueue.Name+"-worker-") {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	// the queue is declared right before the subscription
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Publish(context.Background(), broker.WorkerEventQueue, events.New(events.ShutdownPayload{})))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop")
	}
}
