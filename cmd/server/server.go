package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ICIJ/datashare-sub004/internal/broker"
	"golang.org/x/sync/errgroup"
)

// errBrokerLost is returned by Run when the broker connection drops.
var errBrokerLost = errors.New("broker connection lost")

// Run serves HTTP until ctx is done, the broker connection drops or the
// status consumer stops. Only a context end is a clean exit.
func (app *application) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", app.config.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return app.serve(ctx, listener)
}

func (app *application) serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           app.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.logger.Info("starting server", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-app.broker.Lost():
			if ctx.Err() != nil {
				return nil
			}
			return errBrokerLost
		case <-app.statusConsumer.Done():
			if ctx.Err() != nil {
				return nil
			}
			if err := app.statusConsumer.Err(); err != nil {
				return fmt.Errorf("status consumer stopped: %w", err)
			}
			return fmt.Errorf("status consumer stopped: %w", broker.ErrChannelClosed)
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info("shutting down server")

		timeout := app.config.Server.ShutdownTimeout()
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}
