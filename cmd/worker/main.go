// Package main implements the task worker: it consumes tasks from the broker,
// runs them with the registered factories and reports their outcome.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ICIJ/datashare-sub004/internal/broker"
	"github.com/ICIJ/datashare-sub004/internal/config"
	"github.com/ICIJ/datashare-sub004/internal/platform/logger"
	"github.com/ICIJ/datashare-sub004/internal/redact"
	"github.com/ICIJ/datashare-sub004/internal/task"
	"github.com/ICIJ/datashare-sub004/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker stopped with an error", "error", redact.Error(err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metricsServer := serveMetrics(cfg.Server.Port, registry, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	tasks := task.NewRegistry()
	task.RegisterBuiltins(tasks)
	log.Info("worker configuration loaded",
		"amqp_host", cfg.AMQP.Host,
		"routing_key", cfg.Worker.RoutingKey,
		"concurrency", cfg.Worker.Concurrency,
		"tasks", tasks.Names())

	r := &runner{
		cfg:           cfg,
		logger:        log,
		tasks:         tasks,
		brokerMetrics: broker.NewMetrics(registry),
		workerMetrics: worker.NewMetrics(registry),
	}
	return r.loop(ctx)
}

// serveMetrics exposes the registry on /metrics. Listen failures are logged
// only, the worker runs without metrics then.
func serveMetrics(port int, registry *prometheus.Registry, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server failed", "error", err)
		}
	}()
	return server
}

// runner connects to the broker and runs a worker, reconnecting after the
// recovery delay whenever the connection is lost.
type runner struct {
	cfg           *config.Config
	logger        *slog.Logger
	tasks         *task.Registry
	brokerMetrics *broker.Metrics
	workerMetrics *worker.Metrics
	dialer        broker.Dialer
}

func (r *runner) loop(ctx context.Context) error {
	delay := r.cfg.AMQP.RecoveryDelay()
	for {
		err := r.runOnce(ctx)
		if ctx.Err() != nil || err == nil {
			return nil
		}
		if delay <= 0 {
			return err
		}
		r.logger.Warn("worker interrupted, reconnecting", "error", redact.Error(err), "delay", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// runOnce returns nil when the worker was asked to stop, an error when the
// broker could not be reached or was lost.
func (r *runner) runOnce(ctx context.Context) error {
	opts := []broker.Option{broker.WithMetrics(r.brokerMetrics)}
	if r.dialer != nil {
		opts = append(opts, broker.WithDialer(r.dialer))
	}
	i, err := broker.Connect(ctx, r.cfg.AMQP, r.logger, opts...)
	if err != nil {
		return err
	}
	defer i.Close()

	if err := i.CreateAllPublishChannels(broker.TaskQueue, broker.ManagerEventQueue, broker.WorkerEventQueue); err != nil {
		return fmt.Errorf("failed to create publish channels: %w", err)
	}

	w := worker.New(i, r.tasks, r.cfg.Worker, r.logger, worker.WithMetrics(r.workerMetrics))
	return w.Run(ctx)
}
