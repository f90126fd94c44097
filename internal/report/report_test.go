package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conveyor/internal/decision"
	"github.com/fyrsmithlabs/conveyor/internal/escalation"
	"github.com/fyrsmithlabs/conveyor/internal/invoke"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
	"github.com/fyrsmithlabs/conveyor/internal/provenance"
	"github.com/fyrsmithlabs/conveyor/internal/prrisk"
)

func blockedReport() *orchestrator.RunReport {
	r := orchestrator.NewRunReport("run-42")
	validation := orchestrator.StageValidation
	blocked := orchestrator.TerminalBlocked
	exit := 0
	confidence := uint8(81)

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
	r.DecisionConfidence = &confidence
	r.DecisionContributions = []decision.Contribution{
		{ContributorID: "planner", Capability: "planning", Vote: decision.Proceed, Confidence: 90, Weight: 90},
	}
	r.DecisionRationaleCodes = []string{}

	rec := provenance.NewRecorder(nil)
	first := rec.RecordNode(provenance.Node{ID: "run_start", EventType: "run_start"})
	rec.RecordNode(provenance.Node{ID: "terminal_state", EventType: "terminal_state", ParentIDs: []string{first}})
	r.ProvenanceRecords = rec.Records()
	return r
}

func TestWriteRead_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := blockedReport()

	path, err := Write(dir, in)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName), path)

	out, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	fromDir, err := Read(dir)
	require.NoError(t, err)
	assert.Equal(t, in.RunID, fromDir.RunID)
}

func TestWrite_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := Write(dir, blockedReport())
	require.NoError(t, err)
	_, err = Write(dir, blockedReport())
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, FileName, entries[0].Name())
}

func TestWrite_NilReport(t *testing.T) {
	_, err := Write(t.TempDir(), nil)
	assert.Error(t, err)
}

func TestWrite_EmptyReportIsValid(t *testing.T) {
	_, err := Write(t.TempDir(), orchestrator.NewRunReport("fresh"))
	assert.NoError(t, err)
}

func TestValidateJSON_Violations(t *testing.T) {
	valid, err := json.Marshal(blockedReport())
	require.NoError(t, err)
	require.NoError(t, ValidateJSON(valid))

	mutate := func(t *testing.T, fn func(m map[string]any)) []byte {
		t.Helper()
		var m map[string]any
		require.NoError(t, json.Unmarshal(valid, &m))
		fn(m)
		out, err := json.Marshal(m)
		require.NoError(t, err)
		return out
	}

	tests := []struct {
		name string
		fn   func(m map[string]any)
	}{
		{"missing run_id", func(m map[string]any) { delete(m, "run_id") }},
		{"unknown terminal state", func(m map[string]any) { m["terminal_state"] = "aborted" }},
		{"unknown stage", func(m map[string]any) { m["current_stage"] = "deploy" }},
		{"confidence out of range", func(m map[string]any) { m["decision_confidence"] = 101 }},
		{"wrong schema version", func(m map[string]any) { m["provenance_schema_version"] = "2" }},
		{"null list", func(m map[string]any) { m["blocked_reason_codes"] = nil }},
		{"failed gate without reason", func(m map[string]any) {
			gates := m["gate_decisions"].([]any)
			delete(gates[1].(map[string]any), "reason_code")
		}},
		{"record without node code", func(m map[string]any) {
			recs := m["provenance_records"].([]any)
			recs[0].(map[string]any)["reason_codes"] = []any{}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateJSON(mutate(t, tt.fn))
			assert.ErrorIs(t, err, ErrSchemaViolation)
		})
	}
}

func TestValidateJSON_Malformed(t *testing.T) {
	assert.ErrorIs(t, ValidateJSON([]byte("{")), ErrSchemaViolation)
}

func TestRead_RejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"run_id":"x"}`), 0o600))

	_, err := Read(path)
	assert.ErrorIs(t, err, ErrSchemaViolation)
}

func TestRead_Missing(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrSchemaViolation)
}

func TestSchema_ReturnsCopy(t *testing.T) {
	s := Schema()
	s[0] = 'x'
	assert.Equal(t, byte('{'), Schema()[0])
}

func TestRenderSummary(t *testing.T) {
	var buf bytes.Buffer
	RenderSummary(&buf, blockedReport())
	out := buf.String()

	assert.Contains(t, out, "run-42")
	assert.Contains(t, out, "BLOCKED")
	assert.Contains(t, out, orchestrator.CodeCINotSuccess)
	assert.Contains(t, out, "planner")
	assert.Contains(t, out, "81%")
}

func TestBadge(t *testing.T) {
	r := orchestrator.NewRunReport("x")
	assert.Contains(t, Badge(r), "RUNNING")

	failed := orchestrator.TerminalFailed
	r.TerminalState = &failed
	assert.Contains(t, Badge(r), "FAILED")

	done := orchestrator.TerminalDone
	r.TerminalState = &done
	assert.Contains(t, Badge(r), "DONE")
}

func TestRenderRisk(t *testing.T) {
	var buf bytes.Buffer
	RenderRisk(&buf, prrisk.Compute(blockedReport(), prrisk.DefaultAutoMergeThreshold))
	out := buf.String()

	assert.Contains(t, out, prrisk.FactorGateQuality)
	assert.Contains(t, out, "manual review required")
}

func TestRenderEscalations(t *testing.T) {
	var buf bytes.Buffer
	RenderEscalations(&buf, nil)
	assert.Contains(t, buf.String(), "no escalations")

	buf.Reset()
	RenderEscalations(&buf, []escalation.Case{{
		ID:               "abc",
		TriggerCode:      escalation.TriggerPolicyBlock,
		Severity:         escalation.Sev2,
		RequiredActions:  []string{"review policy"},
		ContextArtifacts: []string{"gate:policy"},
	}})
	assert.Contains(t, buf.String(), escalation.TriggerPolicyBlock)
	assert.Contains(t, buf.String(), "gate:policy")
}
