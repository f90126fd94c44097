package report

import (
	"github.com/fyrsmithlabs/conveyor/internal/invoke"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
	"github.com/fyrsmithlabs/conveyor/internal/provenance"
)

// NewTestReport returns a schema-valid report of a run blocked by the CI gate
// at Validation, for tests in other packages.
func NewTestReport(runID string) *orchestrator.RunReport {
	r := orchestrator.NewRunReport(runID)
	validation := orchestrator.StageValidation
	blocked := orchestrator.TerminalBlocked
	exit := 0

	r.CurrentStage = &validation
	r.TerminalState = &blocked
	r.Transitions = []orchestrator.StageTransition{
		{ToStage: orchestrator.StagePlanning, TimestampUnixSecs: 1700000000},
	}
	r.StageExecutions = []orchestrator.Execution{
		{Stage: orchestrator.StagePlanning, Command: "plan", Status: invoke.StatusSuccess, ExitCode: &exit, DurationMs: 12},
	}
	r.GateDecisions = []orchestrator.GateDecision{
		{Gate: orchestrator.GatePolicy, Passed: true},
		{Gate: orchestrator.GateCI, Passed: false, ReasonCode: orchestrator.CodeCINotSuccess},
		{Gate: orchestrator.GateReview, Passed: true},
	}
	r.BlockedReasonCodes = []string{orchestrator.CodeCINotSuccess}

	rec := provenance.NewRecorder(nil)
	first := rec.RecordNode(provenance.Node{ID: "run_start", EventType: "run_start"})
	rec.RecordNode(provenance.Node{ID: "terminal_state", EventType: "terminal_state", ParentIDs: []string{first}})
	r.ProvenanceRecords = rec.Records()
	r.StartedAtUnixSecs = 1700000000
	r.FinishedAtUnixSecs = 1700000001
	return r
}
