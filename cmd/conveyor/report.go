package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conveyor/internal/escalation"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
	"github.com/fyrsmithlabs/conveyor/internal/provenance"
	"github.com/fyrsmithlabs/conveyor/internal/prrisk"
	"github.com/fyrsmithlabs/conveyor/internal/report"
	"github.com/fyrsmithlabs/conveyor/internal/watch"
)

var (
	// report command flags
	reportJSON      bool
	reportThreshold uint32
)

func init() {
	reportCmd.AddCommand(reportShowCmd)
	reportCmd.AddCommand(reportRiskCmd)
	reportCmd.AddCommand(reportEscalationsCmd)
	reportCmd.AddCommand(reportValidateCmd)
	reportCmd.AddCommand(reportWatchCmd)

	reportCmd.PersistentFlags().BoolVar(&reportJSON, "json", false, "Output results as JSON")
	reportCmd.PersistentFlags().Uint32Var(&reportThreshold, "threshold", prrisk.DefaultAutoMergeThreshold,
		"auto-merge threshold (default: risk.auto_merge_threshold)")
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Inspect a persisted run report",
	Long: `Inspect a persisted orchestrator_run_report.json without re-running the
pipeline. Every subcommand takes the report file or the directory holding it,
defaulting to the configured output_dir.

Examples:
  # Show the run summary
  conveyor report show

  # Score a report from another run
  conveyor report risk ./runs/42 --threshold 30`,
}

var reportShowCmd = &cobra.Command{
	Use:   "show [path]",
	Short: "Show the run summary",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := loadReport(cmd, args)
		if err != nil {
			return err
		}
		if reportJSON {
			return writeJSON(cmd.OutOrStdout(), r)
		}
		report.RenderSummary(cmd.OutOrStdout(), r)
		return nil
	},
}

var reportRiskCmd = &cobra.Command{
	Use:   "risk [path]",
	Short: "Score the report for auto-merge eligibility",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := loadReport(cmd, args)
		if err != nil {
			return err
		}
		threshold, err := riskThreshold(cmd)
		if err != nil {
			return err
		}
		b := prrisk.Compute(r, threshold)
		if reportJSON {
			return writeJSON(cmd.OutOrStdout(), b)
		}
		report.RenderRisk(cmd.OutOrStdout(), b)
		return nil
	},
}

var reportEscalationsCmd = &cobra.Command{
	Use:   "escalations [path]",
	Short: "List the escalation cases the report triggers",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := loadReport(cmd, args)
		if err != nil {
			return err
		}
		cases := escalation.Route(r)
		if reportJSON {
			return writeJSON(cmd.OutOrStdout(), cases)
		}
		report.RenderEscalations(cmd.OutOrStdout(), cases)
		return nil
	},
}

var reportValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate the report schema and provenance chain",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := loadReport(cmd, args)
		if err != nil {
			return err
		}
		if err := provenance.ValidateChainCompleteness(r.ProvenanceRecords); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "valid: %d provenance records, schema version %s\n",
			len(r.ProvenanceRecords), r.ProvenanceSchemaVersion)
		return nil
	},
}

var reportWatchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Re-score the report whenever it changes",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		threshold, err := riskThreshold(cmd)
		if err != nil {
			return err
		}
		path := a.cfg.OutputDir
		if len(args) == 1 {
			path = args[0]
		}
		out := cmd.OutOrStdout()
		w, err := watch.New(watch.Config{
			ReportPath: path,
			Threshold:  threshold,
			OnUpdate: func(u watch.Update) {
				if u.Err != nil {
					a.logger.Warn(ctx, "report unreadable", zap.Error(u.Err))
					return
				}
				printUpdate(out, u)
			},
		}, a.logger.Underlying().Named("watch"))
		if err != nil {
			return err
		}
		a.logger.Info(ctx, "watching report", zap.String("path", w.Path()))
		return w.Run(ctx)
	},
}

// printUpdate writes one line per settled report change.
func printUpdate(w io.Writer, u watch.Update) {
	fmt.Fprintf(w, "%s run=%s risk=%d/%d auto_merge=%t escalations=%d\n",
		report.Badge(u.Report), u.Report.RunID, u.Risk.TotalScore, u.Risk.Threshold,
		u.Risk.EligibleForAutoMerge, len(u.Cases))
}

// loadReport reads the report named by args, or the one in the configured
// output directory.
func loadReport(cmd *cobra.Command, args []string) (*orchestrator.RunReport, error) {
	if len(args) == 1 {
		return report.Read(args[0])
	}
	a, err := newApp(cmd.Context())
	if err != nil {
		return nil, err
	}
	defer a.Close(cmd.Context())
	return report.Read(a.cfg.OutputDir)
}

// riskThreshold returns --threshold when set, otherwise the configured one.
func riskThreshold(cmd *cobra.Command) (uint32, error) {
	if cmd.Flags().Changed("threshold") {
		return reportThreshold, nil
	}
	a, err := newApp(cmd.Context())
	if err != nil {
		return 0, err
	}
	defer a.Close(cmd.Context())
	return uint32(a.cfg.Risk.AutoMergeThreshold), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
