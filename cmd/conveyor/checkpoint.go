package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conveyor/internal/checkpoint"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
)

var (
	// checkpoint command flags
	cpRunID      string
	cpOutputJSON bool
)

func init() {
	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointCmd.AddCommand(checkpointClearCmd)

	checkpointCmd.PersistentFlags().StringVar(&cpRunID, "run-id", "", "run identifier (default: run_id from config)")
	checkpointShowCmd.Flags().BoolVar(&cpOutputJSON, "json", false, "Output results as JSON")
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or remove a run checkpoint",
	Long: `Inspect or remove the checkpoint a run resumes from.

The backend and location come from checkpoint.backend and checkpoint.path.

Examples:
  # Show which stages run 42 completed
  conveyor checkpoint show --run-id 42

  # Start run 42 from the beginning next time
  conveyor checkpoint clear --run-id 42`,
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the checkpoint of a run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withCheckpointStore(cmd, func(ctx context.Context, store checkpoint.Store, runID string) error {
			cp, err := store.Load(ctx, runID)
			if err != nil {
				return err
			}
			if cp == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "No checkpoint for run %s\n", runID)
				return nil
			}
			if cpOutputJSON {
				return writeJSON(cmd.OutOrStdout(), cp)
			}
			printCheckpoint(cmd.OutOrStdout(), cp)
			return nil
		})
	},
}

var checkpointClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the checkpoint of a run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withCheckpointStore(cmd, func(ctx context.Context, store checkpoint.Store, runID string) error {
			if err := store.Clear(ctx, runID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared checkpoint for run %s\n", runID)
			return nil
		})
	},
}

// withCheckpointStore opens the configured store for the selected run.
func withCheckpointStore(cmd *cobra.Command, fn func(context.Context, checkpoint.Store, string) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	runID := a.cfg.RunID
	if cmd.Flags().Changed("run-id") {
		runID = cpRunID
	}
	if runID == "" {
		return errors.New("--run-id is required when run_id is not configured")
	}

	path := a.cfg.CheckpointPath()
	store, err := checkpoint.Open(a.cfg.Checkpoint.Backend, path, a.logger.Underlying().Named("checkpoint"))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			a.logger.Warn(ctx, "failed to close checkpoint store", zap.Error(err))
		}
	}()
	a.logger.Debug(ctx, "checkpoint store opened",
		zap.String("backend", a.cfg.Checkpoint.Backend),
		zap.String("path", path),
	)
	return fn(ctx, store, runID)
}

func printCheckpoint(w io.Writer, cp *orchestrator.Checkpoint) {
	stages := make([]string, len(cp.CompletedStages))
	for i, s := range cp.CompletedStages {
		stages[i] = string(s)
	}
	terminal := "-"
	if cp.TerminalState != nil {
		terminal = string(*cp.TerminalState)
	}
	completed := "-"
	if len(stages) > 0 {
		completed = strings.Join(stages, ", ")
	}
	fmt.Fprintf(w, "Run:       %s\n", cp.RunID)
	fmt.Fprintf(w, "Completed: %s\n", completed)
	fmt.Fprintf(w, "Terminal:  %s\n", terminal)
	fmt.Fprintf(w, "Updated:   %s\n", time.Unix(cp.UpdatedAtUnixSecs, 0).UTC().Format(time.RFC3339))
}
