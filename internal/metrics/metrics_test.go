package metrics

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conveyor/internal/escalation"
	"github.com/fyrsmithlabs/conveyor/internal/invoke"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
	"github.com/fyrsmithlabs/conveyor/internal/prrisk"
)

func TestObserver(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.StageStarted("run-1", orchestrator.StagePlanning)
	m.StageStarted("run-1", orchestrator.StageValidation)
	m.StageFinished("run-1", orchestrator.Execution{
		Stage: orchestrator.StagePlanning, Status: invoke.StatusSuccess, DurationMs: 1500,
	})
	m.StageFinished("run-1", orchestrator.Execution{
		Stage: orchestrator.StageExecution, Status: invoke.StatusSkipped,
	})
	m.GatesEvaluated("run-1", []orchestrator.GateDecision{
		{Gate: orchestrator.GatePolicy, Passed: true},
		{Gate: orchestrator.GateCI, Passed: false, ReasonCode: orchestrator.CodeCINotSuccess},
	})

	report := orchestrator.NewRunReport("run-1")
	blocked := orchestrator.TerminalBlocked
	confidence := uint8(64)
	report.TerminalState = &blocked
	report.BlockedReasonCodes = []string{orchestrator.CodeCINotSuccess}
	report.DecisionConfidence = &confidence
	m.RunFinished(report)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageTransitions.WithLabelValues("planning")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageExecutions.WithLabelValues("planning", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageExecutions.WithLabelValues("execution", "skipped")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateDecisions.WithLabelValues("policy", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateDecisions.WithLabelValues("ci", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("blocked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BlockedReasons.WithLabelValues(orchestrator.CodeCINotSuccess)))
	assert.Equal(t, 64.0, testutil.ToFloat64(m.DecisionConf))
}

func TestObserveRiskAndEscalations(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveRisk(prrisk.Breakdown{TotalScore: 42})
	m.ObserveEscalations([]escalation.Case{
		{TriggerCode: escalation.TriggerPolicyBlock, Severity: escalation.Sev2},
		{TriggerCode: escalation.TriggerCapExhausted, Severity: escalation.Sev3},
	})

	assert.Equal(t, 42.0, testutil.ToFloat64(m.RiskScore))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Escalations.WithLabelValues(escalation.TriggerPolicyBlock, "sev2")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.Escalations))
}

func TestHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Runs.WithLabelValues("done").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `conveyor_runs_total{terminal_state="done"} 1`)
}

func TestWriteTextfile(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RiskScore.Set(7)

	path := filepath.Join(t.TempDir(), "conveyor.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "conveyor_pr_risk_score 7"))
}

func TestWriteTextfile_BadDir(t *testing.T) {
	m := New(prometheus.NewRegistry())
	err := m.WriteTextfile(filepath.Join(t.TempDir(), "missing", "x.prom"))
	assert.Error(t, err)
}

func TestDefault_Once(t *testing.T) {
	assert.Same(t, Default(), Default())
}
