package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conveyor/internal/checkpoint"
	"github.com/fyrsmithlabs/conveyor/internal/config"
	"github.com/fyrsmithlabs/conveyor/internal/escalation"
	"github.com/fyrsmithlabs/conveyor/internal/events"
	"github.com/fyrsmithlabs/conveyor/internal/gitinfo"
	"github.com/fyrsmithlabs/conveyor/internal/invoke"
	"github.com/fyrsmithlabs/conveyor/internal/logging"
	"github.com/fyrsmithlabs/conveyor/internal/metrics"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
	"github.com/fyrsmithlabs/conveyor/internal/prrisk"
	"github.com/fyrsmithlabs/conveyor/internal/report"
	"github.com/fyrsmithlabs/conveyor/internal/secrets"
	"github.com/fyrsmithlabs/conveyor/internal/signals"
)

var (
	// run command flags
	runRunID           string
	runOutputDir       string
	runPolicyStatus    string
	runCIStatus        string
	runReviewStatus    string
	runSimulateBlocked bool
	runContributions   []string
	runVerdicts        []string
)

func init() {
	addRunFlags(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&runRunID, "run-id", "", "run identifier (default: a new UUID)")
	cmd.Flags().StringVar(&runOutputDir, "output-dir", "", "directory for the report, captured output and checkpoint")
	cmd.Flags().StringVar(&runPolicyStatus, "policy-status", "", "policy gate signal: allow, deny or unknown")
	cmd.Flags().StringVar(&runCIStatus, "ci-status", "", "CI gate signal: success, failure, pending or unknown")
	cmd.Flags().StringVar(&runReviewStatus, "review-status", "", "review gate signal: approved, changes_requested, pending or unknown")
	cmd.Flags().BoolVar(&runSimulateBlocked, "simulate-blocked", false, "force a Blocked outcome at validation")
	cmd.Flags().StringArrayVar(&runContributions, "decision-contribution", nil,
		"decision contribution: contributor_id=...,capability=...,vote=...,confidence=...,weight=... (repeatable)")
	cmd.Flags().StringArrayVar(&runVerdicts, "reviewer-verdict", nil,
		"reviewer verdict: specialty=...,verdict=...,confidence=...,weight=... (repeatable)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the delivery pipeline",
	Long: `Run the delivery pipeline and write orchestrator_run_report.json.

A run resumes from its checkpoint when the checkpoint belongs to the same
run_id. The process exits 0 when the run is Done and 3 when it is Blocked or
Failed; the report holds the reasons.

Examples:
  # Run with explicit gate signals
  conveyor run --policy-status allow --ci-status success --review-status approved

  # Add weighted decision votes
  conveyor run --decision-contribution contributor_id=planner,capability=plan,vote=proceed,confidence=90,weight=60`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	if err := applyRunFlags(cmd, a.cfg); err != nil {
		return err
	}

	res, err := runPipeline(ctx, a.cfg, pipelineOptions{
		Logger:     a.logger,
		Metrics:    metrics.Default(),
		ConfigPath: a.loader.Path(),
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	report.RenderSummary(out, res.Report)
	fmt.Fprintf(out, "\nReport: %s\n", res.ReportPath)
	return terminalError(res.Report)
}

// applyRunFlags overrides configuration with the flags that were set.
// Contribution and verdict flags replace the configured lists.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("run-id") {
		cfg.RunID = runRunID
	}
	if flags.Changed("output-dir") {
		cfg.OutputDir = runOutputDir
	}
	if flags.Changed("policy-status") {
		cfg.Gates.PolicyStatus = runPolicyStatus
	}
	if flags.Changed("ci-status") {
		cfg.Gates.CIStatus = runCIStatus
	}
	if flags.Changed("review-status") {
		cfg.Gates.ReviewStatus = runReviewStatus
	}
	if flags.Changed("simulate-blocked") {
		cfg.SimulateBlocked = runSimulateBlocked
	}

	if len(runContributions) > 0 {
		cfg.Decision.Contributions = make([]config.Contribution, 0, len(runContributions))
		for _, raw := range runContributions {
			c, err := parseContribution(raw)
			if err != nil {
				return fmt.Errorf("--decision-contribution: %w", err)
			}
			cfg.Decision.Contributions = append(cfg.Decision.Contributions, c)
		}
	}
	if len(runVerdicts) > 0 {
		cfg.Review.Verdicts = make([]config.Verdict, 0, len(runVerdicts))
		for _, raw := range runVerdicts {
			v, err := parseVerdict(raw)
			if err != nil {
				return fmt.Errorf("--reviewer-verdict: %w", err)
			}
			cfg.Review.Verdicts = append(cfg.Review.Verdicts, v)
		}
	}
	return cfg.Validate()
}

// pipelineOptions carries the collaborators of one run. Every field is optional.
type pipelineOptions struct {
	Logger     *logging.Logger
	Metrics    *metrics.Metrics
	ConfigPath string
	// Store replaces the configured checkpoint backend. The caller closes it.
	Store checkpoint.Store
}

// pipelineResult is a finished run and what was derived from it.
type pipelineResult struct {
	Report     *orchestrator.RunReport
	ReportPath string
	Risk       prrisk.Breakdown
	Cases      []escalation.Case
}

// runPipeline executes one run described by cfg, persists the report and
// fans the outcome out to metrics and NATS. cfg is modified in place: a
// missing run_id is generated and derived gate signals are filled in.
func runPipeline(ctx context.Context, cfg *config.Config, opts pipelineOptions) (*pipelineResult, error) {
	log := opts.Logger
	if log == nil {
		var err error
		if log, err = logging.NewLogger(logging.NewDefaultConfig(), nil); err != nil {
			return nil, err
		}
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	ctx = logging.WithRunID(ctx, cfg.RunID)
	zl := log.For(ctx)

	refs := artifactRefs(ctx, log, cfg, opts.ConfigPath)
	gatherSignals(ctx, log, cfg)

	runCfg, err := cfg.Orchestrator(refs)
	if err != nil {
		return nil, err
	}

	var scrubber invoke.Scrubber
	if cfg.Scrub.Enabled {
		s, err := secrets.NewFromFile(cfg.Scrub.AllowlistPath, zl.Named("secrets"))
		if err != nil {
			return nil, fmt.Errorf("secret scrubber: %w", err)
		}
		scrubber = s
	}
	runner := invoke.NewRunner(invoke.Config{
		Dir:    cfg.RepoRoot,
		LogDir: filepath.Join(cfg.OutputDir, "logs"),
	}, scrubber, zl.Named("invoke"))

	store := opts.Store
	if store == nil {
		store, err = checkpoint.Open(cfg.Checkpoint.Backend, cfg.CheckpointPath(), zl.Named("checkpoint"))
		if err != nil {
			return nil, fmt.Errorf("open checkpoint store: %w", err)
		}
		defer store.Close()
	}

	executor, err := orchestrator.NewExecutor(runner, store, zl.Named("orchestrator"))
	if err != nil {
		return nil, err
	}
	if opts.Metrics != nil {
		executor.AddObserver(opts.Metrics)
	}

	rep, execErr := executor.Execute(ctx, runCfg)
	if rep == nil {
		return nil, execErr
	}
	path, err := report.Write(cfg.OutputDir, rep)
	if err != nil {
		return nil, errors.Join(execErr, err)
	}
	if execErr != nil {
		log.Error(ctx, "run finished with persistence errors",
			zap.Error(execErr), zap.String("report", path))
		return nil, execErr
	}

	res := &pipelineResult{
		Report:     rep,
		ReportPath: path,
		Risk:       prrisk.Compute(rep, uint32(cfg.Risk.AutoMergeThreshold)),
		Cases:      escalation.Route(rep),
	}
	log.Info(ctx, "run finished",
		zap.String("terminal_state", string(rep.Terminal())),
		zap.Strings("blocked_reason_codes", rep.BlockedReasonCodes),
		zap.Uint32("risk.total", res.Risk.TotalScore),
		zap.Int("escalations", len(res.Cases)),
		zap.String("report", path),
	)

	if opts.Metrics != nil {
		opts.Metrics.ObserveRisk(res.Risk)
		opts.Metrics.ObserveEscalations(res.Cases)
		if cfg.Metrics.TextfilePath != "" {
			if err := opts.Metrics.WriteTextfile(cfg.Metrics.TextfilePath); err != nil {
				log.Warn(ctx, "metrics textfile export failed", zap.Error(err))
			}
		}
	}
	publish(ctx, log, cfg.NATS, res)
	return res, nil
}

// artifactRefs collects the run_start references: repository HEAD and the
// config file. A working tree outside git contributes nothing.
func artifactRefs(ctx context.Context, log *logging.Logger, cfg *config.Config, configPath string) []string {
	var refs []string
	info, err := gitinfo.Describe(cfg.RepoRoot)
	switch {
	case err == nil:
		refs = append(refs, info.ArtifactRefs()...)
		if cfg.GitHub.Owner == "" && cfg.GitHub.Repo == "" {
			cfg.GitHub.Owner, cfg.GitHub.Repo = info.Owner, info.Repo
		}
	case errors.Is(err, gitinfo.ErrNotRepository):
		log.Debug(ctx, "repo root is not a git repository", zap.String("repo_root", cfg.RepoRoot))
	default:
		log.Warn(ctx, "failed to inspect repository", zap.Error(err))
	}
	if configPath != "" {
		refs = append(refs, "config:"+configPath)
	}
	return refs
}

// gatherSignals fills unset gates from the pull request. A GitHub failure
// leaves them unknown, which the gates treat as failing.
func gatherSignals(ctx context.Context, log *logging.Logger, cfg *config.Config) {
	if !cfg.GitHub.Enabled() {
		return
	}
	src, err := signals.NewGitHubSource(ctx, cfg.GitHub, log.For(ctx).Named("signals"))
	if err != nil {
		log.Warn(ctx, "github signals unavailable", zap.Error(err))
		return
	}
	derived, err := src.Gather(ctx)
	if err != nil {
		log.Warn(ctx, "failed to gather github signals", zap.Error(err))
		return
	}
	signals.Fill(&cfg.Gates, derived)
	log.Debug(ctx, "gate signals resolved",
		zap.String("policy_status", cfg.Gates.PolicyStatus),
		zap.String("ci_status", cfg.Gates.CIStatus),
		zap.String("review_status", cfg.Gates.ReviewStatus),
	)
}

// publish sends the run to NATS when configured. The report on disk is
// authoritative, so a publish failure is logged rather than returned.
func publish(ctx context.Context, log *logging.Logger, cfg config.NATSConfig, res *pipelineResult) {
	if cfg.URL == "" {
		return
	}
	pub, err := events.Connect(cfg.URL, cfg.SubjectPrefix, log.For(ctx).Named("events"))
	if err != nil {
		log.Warn(ctx, "nats unavailable, run not published", zap.Error(err))
		return
	}
	defer pub.Close()
	if err := pub.PublishRun(ctx, events.NewRunEvent(res.Report, res.Risk, res.Cases), res.Cases); err != nil {
		log.Warn(ctx, "failed to publish run", zap.Error(err))
	}
}

// terminalError maps the report's terminal state to the process exit code.
func terminalError(r *orchestrator.RunReport) error {
	state := r.Terminal()
	code, err := state.ExitCode()
	if err != nil {
		return err
	}
	if code == 0 {
		return nil
	}
	return &exitCodeError{code: code, state: state}
}
