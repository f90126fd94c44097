package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpserver "github.com/fyrsmithlabs/conveyor/internal/http"
	"github.com/fyrsmithlabs/conveyor/internal/metrics"
)

var (
	// serve command flags
	serveHost string
	servePort int
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (default: http.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (default: http.port)")
}

var serveCmd = &cobra.Command{
	Use:   "serve [path]",
	Short: "Serve a persisted report over HTTP",
	Long: `Serve a read-only JSON API over a persisted run report, plus Prometheus
metrics at /metrics. The report is re-read on every request.

Examples:
  # Serve the report in the configured output_dir
  conveyor serve

  # Serve another report on a different port
  conveyor serve ./runs/42 --port 8080`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	cfg := &httpserver.Config{
		Host:           a.cfg.HTTP.Host,
		Port:           a.cfg.HTTP.Port,
		ReportPath:     a.cfg.OutputDir,
		RiskThreshold:  uint32(a.cfg.Risk.AutoMergeThreshold),
		MetricsHandler: metrics.Default().Handler(),
	}
	if cmd.Flags().Changed("host") {
		cfg.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = servePort
	}
	if len(args) == 1 {
		cfg.ReportPath = args[0]
	}

	srv, err := httpserver.NewServer(a.logger.Underlying().Named("http"), cfg)
	if err != nil {
		return err
	}

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

	a.logger.Info(ctx, "received shutdown signal", zap.Duration("shutdown_timeout", a.cfg.HTTP.ShutdownTimeout.Duration()))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
