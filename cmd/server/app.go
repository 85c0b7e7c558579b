package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ICIJ/datashare-sub004/internal/api"
	"github.com/ICIJ/datashare-sub004/internal/broker"
	"github.com/ICIJ/datashare-sub004/internal/config"
	"github.com/ICIJ/datashare-sub004/internal/manager"
	"github.com/ICIJ/datashare-sub004/internal/platform/badger"
	"github.com/ICIJ/datashare-sub004/internal/platform/postgres"
	"github.com/ICIJ/datashare-sub004/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// application holds the shared dependencies of the server and closes them
// on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	registry       *prometheus.Registry
	tasks          store.TaskStore
	broker         *broker.Interlocutor
	manager        *manager.Manager
	statusConsumer *broker.Consumer
}

// newApplication opens the task store, connects to the broker and starts
// projecting the manager queue. Broker options are passed to Connect.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...broker.Option) (*application, error) {
	app := &application{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var err error
	app.tasks, err = openTaskStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}

	opts = append([]broker.Option{
		broker.WithMetrics(broker.NewMetrics(app.registry)),
		broker.WithConnectionName("datashare-manager"),
	}, opts...)
	app.broker, err = broker.Connect(ctx, cfg.AMQP, logger, opts...)
	if err != nil {
		app.cleanup()
		return nil, err
	}
	if err := app.broker.CreateAllPublishChannels(manager.Queues()...); err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to create publish channels: %w", err)
	}

	app.manager = manager.New(app.broker, app.tasks, cfg.Worker, logger)
	app.statusConsumer, err = app.manager.StartStatusConsumer(ctx)
	if err != nil {
		app.cleanup()
		return nil, err
	}

	logger.Info("application initialized successfully")
	return app, nil
}

// openTaskStore opens the backend selected by cfg.
func openTaskStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.TaskStore, error) {
	switch cfg.Backend {
	case "postgres":
		s, err := postgres.Open(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres task store: %w", err)
		}
		return s, nil
	case "badger", "":
		s, err := badger.Open(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger task store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func (app *application) router() http.Handler {
	handler := api.NewTaskHandler(app.manager, app.logger)
	metrics := promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{})
	return api.NewRouter(handler, metrics, app.logger)
}

// cleanup handles graceful shutdown of application resources.
func (app *application) cleanup() {
	if app.statusConsumer != nil {
		if err := app.statusConsumer.Shutdown(); err != nil {
			app.logger.Warn("error shutting down status consumer", "error", err)
		}
		app.statusConsumer = nil
	}
	if app.broker != nil {
		if err := app.broker.Close(); err != nil {
			app.logger.Error("error closing broker connection", "error", err)
		}
		app.broker = nil
	}
	if app.tasks != nil {
		if err := app.tasks.Close(); err != nil {
			app.logger.Error("error closing task store", "error", err)
		}
		app.tasks = nil
	}
	app.logger.Info("application shutdown completed")
}
