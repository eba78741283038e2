package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cascade/internal/backend"
	"github.com/fyrsmithlabs/cascade/internal/cascade"
	"github.com/fyrsmithlabs/cascade/internal/config"
	"github.com/fyrsmithlabs/cascade/internal/logging"
	"github.com/fyrsmithlabs/cascade/internal/telemetry"
	"github.com/fyrsmithlabs/cascade/internal/transcript"
)

const instrumentationName = "github.com/fyrsmithlabs/cascade/cmd/cascade"

// app holds the dependencies shared by the subcommands.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	backend   backend.Backend
	store     *transcript.Store
}

// setup loads configuration and initializes logging, telemetry and the
// backend. Logs go to stderr when toStderr is set so stdout carries only
// command output.
func setup(ctx context.Context, toStderr bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	if toStderr {
		logCfg.Output.Stdout = false
		logCfg.Output.Stderr = true
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if degraded, derr := tel.Degraded(); degraded {
		logger.Warn(ctx, "telemetry degraded", zap.Error(derr))
	}

	b, err := backend.New(cfg.Backend, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, telemetry: tel, backend: b}
	if cfg.Transcript.Path != "" {
		a.store, err = transcript.Open(ctx, cfg.Transcript.Path, logger)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// roundOptions are the config-driven defaults for every round.
func (a *app) roundOptions() []cascade.RoundOption {
	opts := []cascade.RoundOption{
		cascade.WithLogger(a.logger),
		cascade.WithTelemetry(a.telemetry.Tracer(instrumentationName), a.telemetry.Meter(instrumentationName)),
	}
	if sep, ok := a.cfg.Round.Separator(); ok {
		opts = append(opts, cascade.WithSeparator(sep))
	} else {
		opts = append(opts, cascade.WithoutSeparator())
	}
	return opts
}

func (a *app) close(ctx context.Context) {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn(ctx, "failed to close transcript store", zap.Error(err))
		}
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn(ctx, "failed to shut down telemetry", zap.Error(err))
	}
	_ = a.logger.Sync()
}
