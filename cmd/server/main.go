// Package main implements the task manager server: it records the events
// reported by workers in the task store and serves the task HTTP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ICIJ/datashare-sub004/internal/config"
	"github.com/ICIJ/datashare-sub004/internal/platform/logger"
	"github.com/ICIJ/datashare-sub004/internal/redact"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server stopped with an error", "error", redact.Error(err))
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
	log.Info("server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"store_backend", cfg.Store.Backend,
		"amqp_host", cfg.AMQP.Host)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.cleanup()

	return app.Run(ctx)
}
