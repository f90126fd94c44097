package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conveyor/internal/decision"
	"github.com/fyrsmithlabs/conveyor/internal/invoke"
	"github.com/fyrsmithlabs/conveyor/internal/provenance"
)

const instrumentationName = "github.com/fyrsmithlabs/conveyor/internal/orchestrator"

// Orchestrator reason codes.
const (
	CodeSimulatedBlock = "ORCHESTRATOR_SIMULATED_BLOCK"
	// CodeStageFailedPrefix is followed by "<stage>:<status>" on the terminal node.
	CodeStageFailedPrefix = "ORCHESTRATOR_STAGE_FAILED:"
	CodeResumed           = "ORCHESTRATOR_RESUMED"
	CodeStageSkipped      = "ORCHESTRATOR_STAGE_SKIPPED"
	// CodeFinalDecisionPrefix is followed by the upper-cased non-proceed decision.
	CodeFinalDecisionPrefix = "DECISION_FINAL_"
)

// Provenance event types.
const (
	EventRunStart        = "run_start"
	EventStageTransition = "stage_transition"
	EventStageExecution  = "stage_execution"
	EventGateEvaluation  = "gate_evaluation"
	EventReviewEnsemble  = "review_ensemble"
	EventFinalDecision   = "final_decision"
	EventTerminalState   = "terminal_state"
)

// Observer is notified as a run progresses. Implementations must not mutate
// the values they receive.
type Observer interface {
	StageStarted(runID string, stage Stage)
	StageFinished(runID string, exec Execution)
	GatesEvaluated(runID string, decisions []GateDecision)
	RunFinished(report *RunReport)
}

// Executor runs the pipeline one stage at a time.
type Executor struct {
	invoker   Invoker
	store     CheckpointStore
	logger    *zap.Logger
	observers []Observer

	tracer       trace.Tracer
	runCounter   metric.Int64Counter
	stageCounter metric.Int64Counter

	// Now is the clock for transitions, provenance and checkpoints.
	Now func() time.Time
}

// NewExecutor creates an executor. store and logger may be nil; without a
// store runs are never resumed or checkpointed.
func NewExecutor(invoker Invoker, store CheckpointStore, logger *zap.Logger) (*Executor, error) {
	if invoker == nil {
		return nil, errors.New("invoker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		invoker: invoker,
		store:   store,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		Now:     time.Now,
	}
	e.initMetrics()
	return e, nil
}

func (e *Executor) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	e.runCounter, err = meter.Int64Counter(
		"conveyor.orchestrator.runs_total",
		metric.WithDescription("Total number of finished runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		e.logger.Warn("failed to create run counter", zap.Error(err))
	}

	e.stageCounter, err = meter.Int64Counter(
		"conveyor.orchestrator.stage_executions_total",
		metric.WithDescription("Total number of stage executions"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		e.logger.Warn("failed to create stage counter", zap.Error(err))
	}
}

// AddObserver registers an observer.
func (e *Executor) AddObserver(o Observer) {
	e.observers = append(e.observers, o)
}

// Execute runs cfg, resuming from the store's checkpoint for the same run_id.
func (e *Executor) Execute(ctx context.Context, cfg Config) (*RunReport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var cp *Checkpoint
	if e.store != nil {
		loaded, err := e.store.Load(ctx, cfg.RunID)
		if err != nil {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
		cp = loaded
	}
	return e.ExecuteFrom(ctx, cfg, cp)
}

// ExecuteFrom runs cfg, skipping the stages cp marks completed. A checkpoint
// for a different run_id is ignored.
//
// Failed and Blocked outcomes are reported through the RunReport. The error is
// reserved for invalid config and checkpoint persistence failures; the report
// is complete even when checkpoint saves fail.
func (e *Executor) ExecuteFrom(ctx context.Context, cfg Config, cp *Checkpoint) (*RunReport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "orchestrator.execute", trace.WithAttributes(
		attribute.String("run.id", cfg.RunID),
	))
	defer span.End()

	logger := e.logger.With(zap.String("run.id", cfg.RunID))
	if cp != nil && cp.RunID != cfg.RunID {
		logger.Warn("ignoring checkpoint for another run", zap.String("checkpoint.run_id", cp.RunID))
		cp = nil
	}

	r := &run{
		e:        e,
		cfg:      &cfg,
		cp:       cp,
		logger:   logger,
		report:   NewRunReport(cfg.RunID),
		recorder: provenance.NewRecorder(e.Now),
	}
	r.report.StartedAtUnixSecs = e.Now().Unix()
	r.execute(ctx)

	report := r.report
	span.SetAttributes(attribute.String("terminal_state", string(report.Terminal())))
	if report.Terminal() != TerminalDone {
		span.SetStatus(codes.Error, string(report.Terminal()))
	}
	if e.runCounter != nil {
		e.runCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("terminal_state", string(report.Terminal())),
		))
	}
	for _, o := range e.observers {
		o.RunFinished(report)
	}

	if err := errors.Join(r.saveErrs...); err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("save checkpoint: %w", err)
	}
	return report, nil
}

// run holds the mutable state of one execution.
type run struct {
	e        *Executor
	cfg      *Config
	cp       *Checkpoint
	logger   *zap.Logger
	report   *RunReport
	recorder *provenance.Recorder

	lastNode  string
	completed []Stage
	saveErrs  []error
}

func (r *run) execute(ctx context.Context) {
	var startCodes []string
	if r.cp != nil {
		startCodes = append(startCodes, CodeResumed)
		r.logger.Info("resuming run", zap.Int("completed_stages", len(r.cp.CompletedStages)))
	}
	r.record(provenance.Node{
		ID:           EventRunStart,
		EventType:    EventRunStart,
		ReasonCodes:  startCodes,
		ArtifactRefs: r.cfg.ArtifactRefs,
	})

	for _, stage := range stageOrder {
		if !r.stage(ctx, stage) {
			break
		}
	}
	if r.report.TerminalState == nil {
		r.finish(ctx, TerminalDone, nil)
	}

	r.report.ProvenanceRecords = r.recorder.Records()
	if err := provenance.ValidateChainCompleteness(r.report.ProvenanceRecords); err != nil {
		r.logger.Error("provenance chain incomplete", zap.Error(err))
		r.report.BlockedReasonCodes = appendUnique(r.report.BlockedReasonCodes, provenance.CodeChainIncomplete)
	}
	r.report.FinishedAtUnixSecs = r.e.Now().Unix()

	r.logger.Info("run finished",
		zap.String("terminal_state", string(r.report.Terminal())),
		zap.String("stage", string(r.report.Stage())),
		zap.Strings("blocked_reason_codes", r.report.BlockedReasonCodes),
	)
}

// stage runs one pipeline stage and reports whether the run continues.
func (r *run) stage(ctx context.Context, stage Stage) bool {
	ctx, span := r.e.tracer.Start(ctx, "orchestrator.stage", trace.WithAttributes(
		attribute.String("stage", string(stage)),
	))
	defer span.End()

	r.transition(stage)
	for _, o := range r.e.observers {
		o.StageStarted(r.cfg.RunID, stage)
	}

	switch stage {
	case StageValidation:
		if !r.evaluateGates(ctx) {
			return false
		}
	case StageClosure:
		if !r.decide(ctx) {
			return false
		}
	}

	if !r.invoke(ctx, stage) {
		span.SetStatus(codes.Error, "stage failed")
		return false
	}
	r.markCompleted(ctx, stage)
	return true
}

func (r *run) transition(stage Stage) {
	r.report.Transitions = append(r.report.Transitions, StageTransition{
		FromStage:         r.report.CurrentStage,
		ToStage:           stage,
		TimestampUnixSecs: r.e.Now().Unix(),
	})
	s := stage
	r.report.CurrentStage = &s
	r.record(provenance.Node{
		ID:        EventStageTransition + ":" + string(stage),
		EventType: EventStageTransition + ":" + string(stage),
	})
	r.logger.Debug("stage transition", zap.String("stage", string(stage)))
}

// invoke runs the stage tool, or records a skip for a checkpointed stage.
// It returns false when the run failed.
func (r *run) invoke(ctx context.Context, stage Stage) bool {
	spec, hasSpec := r.cfg.Invocations[stage]

	if r.cp.Completed(stage) {
		exec := Execution{Stage: stage, Command: spec.Command, Status: invoke.StatusSkipped}
		r.appendExecution(ctx, exec, CodeStageSkipped)
		r.logger.Debug("stage skipped from checkpoint", zap.String("stage", string(stage)))
		return true
	}
	if !hasSpec {
		r.logger.Debug("no tool configured for stage", zap.String("stage", string(stage)))
		return true
	}

	res := r.e.invoker.Run(ctx, string(stage), spec)
	exec := Execution{
		Stage:      stage,
		Command:    spec.Command,
		Status:     res.Status,
		OutputRef:  res.OutputPath,
		DurationMs: res.Duration.Milliseconds(),
	}
	if res.ExitCode >= 0 {
		code := res.ExitCode
		exec.ExitCode = &code
	}
	if res.Err != nil {
		exec.Error = res.Err.Error()
	}
	r.appendExecution(ctx, exec)

	if res.Status != invoke.StatusSuccess {
		r.logger.Warn("stage failed, halting run",
			zap.String("stage", string(stage)),
			zap.String("status", string(res.Status)),
			zap.Error(res.Err),
		)
		r.finish(ctx, TerminalFailed, []string{CodeStageFailedPrefix + string(stage) + ":" + string(res.Status)})
		return false
	}
	return true
}

func (r *run) appendExecution(ctx context.Context, exec Execution, reasonCodes ...string) {
	r.report.StageExecutions = append(r.report.StageExecutions, exec)
	var refs []string
	if exec.OutputRef != "" {
		refs = []string{exec.OutputRef}
	}
	r.record(provenance.Node{
		ID:           EventStageExecution + ":" + string(exec.Stage),
		EventType:    EventStageExecution + ":" + string(exec.Stage),
		ReasonCodes:  reasonCodes,
		ArtifactRefs: refs,
	})
	if r.e.stageCounter != nil {
		r.e.stageCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", string(exec.Stage)),
			attribute.String("status", string(exec.Status)),
		))
	}
	for _, o := range r.e.observers {
		o.StageFinished(r.cfg.RunID, exec)
	}
}

// evaluateGates judges the gates at the validation boundary and reports
// whether the run may continue.
func (r *run) evaluateGates(ctx context.Context) bool {
	decisions, reasons := EvaluateGates(r.cfg.Gates)
	r.report.GateDecisions = decisions
	for _, o := range r.e.observers {
		o.GatesEvaluated(r.cfg.RunID, decisions)
	}

	if r.cfg.SimulateBlocked {
		reasons = append(reasons, CodeSimulatedBlock)
	}
	r.record(provenance.Node{
		ID:          EventGateEvaluation,
		EventType:   EventGateEvaluation,
		ReasonCodes: reasons,
	})
	if len(reasons) == 0 {
		r.logger.Debug("all gates passed")
		return true
	}

	r.logger.Warn("gates blocked run", zap.Strings("reason_codes", reasons))
	r.block(ctx, reasons)
	return false
}

// decide runs the decision aggregator and review ensemble at Closure and
// reports whether the run may continue.
func (r *run) decide(ctx context.Context) bool {
	var blocked []string

	if len(r.cfg.Verdicts) > 0 {
		result := decision.RunReviewEnsemble(r.cfg.Verdicts, r.cfg.Ensemble)
		missing := decision.MissingMandatorySpecialties(r.cfg.Verdicts)
		r.report.ReviewEnsemble = &ReviewEnsemble{EnsembleResult: result, MissingMandatory: missing}

		reviewCodes := append([]string{}, result.ReasonCodes...)
		if r.cfg.RequireMandatoryReviewers {
			for _, s := range missing {
				reviewCodes = append(reviewCodes, decision.CodeReviewMissingMandatoryPrefix+s)
			}
		}
		r.record(provenance.Node{ID: EventReviewEnsemble, EventType: EventReviewEnsemble, ReasonCodes: reviewCodes})
		if !result.Passed || (r.cfg.RequireMandatoryReviewers && len(missing) > 0) {
			blocked = append(blocked, reviewCodes...)
		}
	}

	var decisionCodes []string
	if len(r.cfg.Contributions) > 0 {
		summary := decision.Aggregate(r.cfg.Contributions, r.cfg.Aggregator)
		confidence := summary.DecisionConfidence
		r.report.DecisionConfidence = &confidence
		r.report.DecisionContributions = summary.Contributions
		r.report.DecisionRationaleCodes = summary.DecisionRationaleCodes
		decisionCodes = summary.DecisionRationaleCodes

		if summary.FinalDecision != decision.Proceed {
			blocked = append(blocked, CodeFinalDecisionPrefix+strings.ToUpper(string(summary.FinalDecision)))
			blocked = append(blocked, summary.DecisionRationaleCodes...)
		}
		r.logger.Debug("decision aggregated",
			zap.String("final_decision", string(summary.FinalDecision)),
			zap.Uint8("confidence", summary.DecisionConfidence),
		)
	}
	r.record(provenance.Node{ID: EventFinalDecision, EventType: EventFinalDecision, ReasonCodes: decisionCodes})

	if len(blocked) == 0 {
		return true
	}
	r.logger.Warn("decision blocked run", zap.Strings("reason_codes", blocked))
	r.block(ctx, blocked)
	return false
}

func (r *run) block(ctx context.Context, reasons []string) {
	for _, code := range reasons {
		r.report.BlockedReasonCodes = appendUnique(r.report.BlockedReasonCodes, code)
	}
	r.finish(ctx, TerminalBlocked, reasons)
}

// finish sets the terminal state once and records the terminal node.
func (r *run) finish(ctx context.Context, state TerminalState, reasons []string) {
	if r.report.TerminalState != nil {
		return
	}
	r.report.TerminalState = &state
	r.record(provenance.Node{
		ID:          EventTerminalState,
		EventType:   EventTerminalState,
		ReasonCodes: reasons,
	})
	r.saveCheckpoint(ctx, &state)
}

func (r *run) markCompleted(ctx context.Context, stage Stage) {
	r.completed = append(r.completed, stage)
	r.saveCheckpoint(ctx, nil)
}

func (r *run) saveCheckpoint(ctx context.Context, state *TerminalState) {
	if r.e.store == nil {
		return
	}
	cp := &Checkpoint{
		RunID:             r.cfg.RunID,
		CompletedStages:   append([]Stage{}, r.completed...),
		TerminalState:     state,
		UpdatedAtUnixSecs: r.e.Now().Unix(),
	}
	if err := r.e.store.Save(ctx, cp); err != nil {
		r.logger.Error("failed to save checkpoint", zap.Error(err))
		r.saveErrs = append(r.saveErrs, err)
	}
}

func (r *run) record(n provenance.Node) {
	if r.lastNode != "" {
		n.ParentIDs = []string{r.lastNode}
	}
	r.lastNode = r.recorder.RecordNode(n)
}

func appendUnique(list []string, code string) []string {
	for _, c := range list {
		if c == code {
			return list
		}
	}
	return append(list, code)
}
