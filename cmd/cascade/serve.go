package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpserver "github.com/fyrsmithlabs/cascade/internal/http"
)

var serveHost string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve rounds over HTTP",
	Long: `Start the HTTP API.

Endpoints:
  GET  /health          liveness and backend name
  GET  /metrics         Prometheus metrics
  POST /api/v1/rounds   run a plan and return its outcome

The port comes from server.http_port (CASCADE_SERVER_HTTP_PORT).`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "localhost", "interface to listen on")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx, false)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	opts := []httpserver.Option{
		httpserver.WithTelemetry(a.telemetry.Tracer(instrumentationName), a.telemetry.Meter(instrumentationName)),
		httpserver.WithRoundOptions(a.roundOptions()...),
	}
	if a.store != nil {
		opts = append(opts, httpserver.WithStore(a.store))
	}
	srv, err := httpserver.NewServer(a.backend, a.logger, &httpserver.Config{
		Host: serveHost,
		Port: a.cfg.Server.Port,
	}, opts...)
	if err != nil {
		return err
	}

	a.logger.Info(ctx, "starting cascade",
		zap.String("backend", a.backend.Name()),
		zap.Int("port", a.cfg.Server.Port),
		zap.Bool("transcripts", a.store != nil),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	a.logger.Info(ctx, "server shutdown complete")
	return nil
}
