// Package main implements the conveyor CLI: it drives a change through the
// delivery pipeline and post-processes persisted run reports.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
)

var (
	// cfgPath is the YAML config file; empty loads conveyor.yaml when present.
	cfgPath string
	// logLevel overrides logging.level when set.
	logLevel string
	// version information
	version = "dev"
)

// exitCodeError carries a non-zero process exit code for a run that finished
// Blocked or Failed. It is not an error in the usual sense; the report holds
// the diagnosis.
type exitCodeError struct {
	code  int
	state orchestrator.TerminalState
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("run finished %s", e.state)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "Autonomous change-delivery pipeline orchestrator",
	Long: `conveyor drives a change through planning, execution, validation and
closure, evaluating hard gates and weighted decisions along the way, and
writes an auditable run report.

Examples:
  # Run the pipeline with the settings in conveyor.yaml
  conveyor run

  # Score a persisted report
  conveyor report risk .conveyor`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default conveyor.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn or error")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
}
