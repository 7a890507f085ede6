package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpserver "github.com/fyrsmithlabs/rankpipe/internal/http"
	"github.com/fyrsmithlabs/rankpipe/internal/runs"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API. Runs are submitted with POST /api/v1/runs and polled
with GET /api/v1/runs/:id. SIGINT or SIGTERM cancels active runs and stops
the server gracefully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

// serve starts the API and blocks until ctx is cancelled.
//
// This function:
//  1. Initializes dependencies and the step catalog
//  2. Connects to NATS when events.url is set
//  3. Starts the run manager and HTTP server
//  4. On cancellation, stops the server, then cancels active runs
func serve(ctx context.Context) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	cfg := a.cfg
	opts := []runs.Option{
		runs.WithCache(a.cache),
		runs.WithTTL(cfg.Runs.TTL.Duration()),
		runs.WithMaxActive(cfg.Runs.MaxActive),
		runs.WithLogger(a.logger.Named("runs")),
		runs.WithMeter(a.telemetry.Meter("rankpipe.runs")),
	}

	nc, err := runs.Connect(cfg.Events)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	if nc != nil {
		defer nc.Close()
		opts = append(opts, runs.WithPublisher(nc, cfg.Events.SubjectPrefix))
		a.logger.Info(ctx, "publishing run events",
			zap.String("url", cfg.Events.URL),
			zap.String("subject_prefix", cfg.Events.SubjectPrefix))
	}

	manager := runs.NewManager(a.catalog, opts...)

	srv, err := httpserver.NewServer(a.catalog, manager, a.logger.Underlying(), &httpserver.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Version: version,
		Meter:   a.telemetry.Meter("rankpipe.http"),
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	a.logger.Info(ctx, "rankpipe started",
		zap.String("version", version),
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	a.logger.Info(context.Background(), "server shutdown complete")
	return errors.Join(errs...)
}
