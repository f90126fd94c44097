package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conveyor/internal/config"
	"github.com/fyrsmithlabs/conveyor/internal/logging"
	"github.com/fyrsmithlabs/conveyor/internal/telemetry"
)

// app holds what every command needs: validated config, a logger and the
// telemetry providers.
type app struct {
	loader    *config.Loader
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
}

// newApp loads configuration and starts telemetry, then logging on top of it.
func newApp(ctx context.Context) (*app, error) {
	loader, err := config.NewLoader(cfgPath)
	if err != nil {
		return nil, err
	}
	cfg, err := loader.Config()
	if err != nil {
		return nil, err
	}

	logCfg := logging.NewDefaultConfig()
	if err := loader.Unmarshal("logging", logCfg); err != nil {
		return nil, err
	}
	if logLevel != "" {
		logCfg.Level = logLevel
	}
	telCfg := telemetry.NewDefaultConfig()
	if err := loader.Unmarshal("telemetry", telCfg); err != nil {
		return nil, err
	}

	tel, err := telemetry.New(ctx, telCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("logging: %w", err)
	}
	if tel.Health().Degraded {
		logger.Warn(ctx, "telemetry degraded, continuing without export",
			zap.String("endpoint", telCfg.Endpoint))
	}

	logger.Debug(ctx, "configuration loaded",
		zap.String("config.path", loader.Path()),
		zap.String("output_dir", cfg.OutputDir),
		zap.Bool("telemetry.enabled", telCfg.Enabled),
	)
	return &app{loader: loader, cfg: cfg, logger: logger, telemetry: tel}, nil
}

// Close flushes telemetry and the logger. It runs even after ctx is cancelled.
func (a *app) Close(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}
