// Package orchestrator drives a change through the fixed delivery pipeline
// and assembles the auditable RunReport.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"

	"github.com/fyrsmithlabs/conveyor/internal/decision"
	"github.com/fyrsmithlabs/conveyor/internal/invoke"
	"github.com/fyrsmithlabs/conveyor/internal/provenance"
)

// Stage is one step of the pipeline.
type Stage string

const (
	StagePlanning   Stage = "planning"
	StageExecution  Stage = "execution"
	StageValidation Stage = "validation"
	StageClosure    Stage = "closure"
)

// ErrUnknownStage is returned for a Stage outside the closed set.
var ErrUnknownStage = errors.New("unknown stage")

var stageOrder = [...]Stage{StagePlanning, StageExecution, StageValidation, StageClosure}

// AllStages returns all stages in execution order.
func AllStages() []Stage {
	return append([]Stage(nil), stageOrder[:]...)
}

// ParseStage converts a textual stage name.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if _, err := st.Index(); err != nil {
		return "", err
	}
	return st, nil
}

// Index returns the position of the stage in the pipeline.
func (s Stage) Index() (int, error) {
	for i, st := range stageOrder {
		if st == s {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", ErrUnknownStage, string(s))
}

// TerminalState is how a run ended.
type TerminalState string

const (
	TerminalDone    TerminalState = "done"
	TerminalBlocked TerminalState = "blocked"
	TerminalFailed  TerminalState = "failed"
)

// ErrUnknownTerminalState is returned for a TerminalState outside the closed set.
var ErrUnknownTerminalState = errors.New("unknown terminal state")

// ParseTerminalState converts a textual terminal state.
func ParseTerminalState(s string) (TerminalState, error) {
	switch ts := TerminalState(s); ts {
	case TerminalDone, TerminalBlocked, TerminalFailed:
		return ts, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTerminalState, s)
	}
}

// ExitCode maps a terminal state to the process exit code.
func (t TerminalState) ExitCode() (int, error) {
	switch t {
	case TerminalDone:
		return 0, nil
	case TerminalBlocked, TerminalFailed:
		return 3, nil
	default:
		return 3, fmt.Errorf("%w: %q", ErrUnknownTerminalState, string(t))
	}
}

// Execution records one attempted (or skipped) stage invocation.
type Execution struct {
	Stage      Stage         `json:"stage"`
	Command    string        `json:"command"`
	Status     invoke.Status `json:"status"`
	OutputRef  string        `json:"output_ref,omitempty"`
	ExitCode   *int          `json:"exit_code,omitempty"`
	DurationMs int64         `json:"duration_ms"`
	Error      string        `json:"error,omitempty"`
}

// StageTransition records entry into a stage. FromStage is nil for the first one.
type StageTransition struct {
	FromStage         *Stage `json:"from_stage"`
	ToStage           Stage  `json:"to_stage"`
	TimestampUnixSecs int64  `json:"timestamp_unix_secs"`
}

// Checkpoint lists the stages a previous attempt of the same run completed.
type Checkpoint struct {
	RunID             string         `json:"run_id"`
	CompletedStages   []Stage        `json:"completed_stages"`
	TerminalState     *TerminalState `json:"terminal_state"`
	UpdatedAtUnixSecs int64          `json:"updated_at_unix_secs"`
}

// Completed reports whether the checkpoint marks stage as completed.
func (c *Checkpoint) Completed(stage Stage) bool {
	if c == nil {
		return false
	}
	for _, s := range c.CompletedStages {
		if s == stage {
			return true
		}
	}
	return false
}

// CheckpointStore persists checkpoints between attempts of a run.
type CheckpointStore interface {
	// Load returns the checkpoint for runID, or nil when there is none.
	Load(ctx context.Context, runID string) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
}

// Invoker runs a stage tool.
type Invoker interface {
	Run(ctx context.Context, stage string, spec invoke.Spec) invoke.Result
}

// ReviewEnsemble is the reviewer ensemble outcome recorded in the report.
type ReviewEnsemble struct {
	decision.EnsembleResult
	MissingMandatory []string `json:"missing_mandatory,omitempty"`
}

// RunReport is everything known about a run.
type RunReport struct {
	RunID                   string                  `json:"run_id"`
	CurrentStage            *Stage                  `json:"current_stage"`
	TerminalState           *TerminalState          `json:"terminal_state"`
	Transitions             []StageTransition       `json:"transitions"`
	StageExecutions         []Execution             `json:"stage_executions"`
	GateDecisions           []GateDecision          `json:"gate_decisions"`
	BlockedReasonCodes      []string                `json:"blocked_reason_codes"`
	DecisionConfidence      *uint8                  `json:"decision_confidence"`
	DecisionContributions   []decision.Contribution `json:"decision_contributions"`
	DecisionRationaleCodes  []string                `json:"decision_rationale_codes"`
	ReviewEnsemble          *ReviewEnsemble         `json:"review_ensemble,omitempty"`
	ProvenanceRecords       []provenance.Record     `json:"provenance_records"`
	ProvenanceSchemaVersion string                  `json:"provenance_schema_version"`
	StartedAtUnixSecs       int64                   `json:"started_at_unix_secs"`
	FinishedAtUnixSecs      int64                   `json:"finished_at_unix_secs"`
}

// NewRunReport returns an empty report with every list non-nil.
func NewRunReport(runID string) *RunReport {
	return &RunReport{
		RunID:                   runID,
		Transitions:             []StageTransition{},
		StageExecutions:         []Execution{},
		GateDecisions:           []GateDecision{},
		BlockedReasonCodes:      []string{},
		DecisionContributions:   []decision.Contribution{},
		DecisionRationaleCodes:  []string{},
		ProvenanceRecords:       []provenance.Record{},
		ProvenanceSchemaVersion: provenance.SchemaVersion,
	}
}

// Terminal returns the terminal state, or "" while the run is still going.
func (r *RunReport) Terminal() TerminalState {
	if r.TerminalState == nil {
		return ""
	}
	return *r.TerminalState
}

// Stage returns the current stage, or "" before the first transition.
func (r *RunReport) Stage() Stage {
	if r.CurrentStage == nil {
		return ""
	}
	return *r.CurrentStage
}

// Config configures one run.
type Config struct {
	RunID    string
	RepoRoot string
	// OutputDir receives the report and captured tool output.
	OutputDir string
	// Invocations holds the tool per stage; a stage without one auto-succeeds.
	Invocations map[Stage]invoke.Spec
	Gates       GateInputs
	// SimulateBlocked forces a Blocked outcome at Validation.
	SimulateBlocked bool

	Aggregator    decision.AggregatorConfig
	Contributions []decision.Contribution

	Ensemble decision.EnsembleConfig
	Verdicts []decision.ReviewerVerdict
	// RequireMandatoryReviewers blocks when reviewers are configured but a
	// mandatory specialty is missing.
	RequireMandatoryReviewers bool

	// ArtifactRefs are attached to the run_start provenance node.
	ArtifactRefs []string
}

// ErrInvalidConfig wraps every Config validation failure.
var ErrInvalidConfig = errors.New("invalid orchestrator config")

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Validate checks the config before a run starts.
func (c *Config) Validate() error {
	if !runIDPattern.MatchString(c.RunID) {
		return fmt.Errorf("%w: run_id %q must match %s", ErrInvalidConfig, c.RunID, runIDPattern)
	}
	var unknown []Stage
	for stage := range c.Invocations {
		if _, err := stage.Index(); err != nil {
			unknown = append(unknown, stage)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		_, err := unknown[0].Index()
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	for _, stage := range stageOrder {
		spec, ok := c.Invocations[stage]
		if !ok {
			continue
		}
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("%w: stage %s: %w", ErrInvalidConfig, stage, err)
		}
	}
	if err := c.Gates.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Aggregator.MinConfidenceToProceed > 100 {
		return fmt.Errorf("%w: min_confidence_to_proceed must be within 0..100", ErrInvalidConfig)
	}
	if c.Ensemble.MinApprovalConfidence > 100 {
		return fmt.Errorf("%w: min_approval_confidence must be within 0..100", ErrInvalidConfig)
	}
	for _, contribution := range c.Contributions {
		if err := contribution.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	for _, v := range c.Verdicts {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}
