// Package metrics exposes Prometheus metrics for pipeline runs.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fyrsmithlabs/conveyor/internal/escalation"
	"github.com/fyrsmithlabs/conveyor/internal/invoke"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
	"github.com/fyrsmithlabs/conveyor/internal/prrisk"
)

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// Metrics holds run metrics. It implements orchestrator.Observer.
//
// Metrics:
//   - conveyor_stage_transitions_total{stage}
//   - conveyor_stage_executions_total{stage,status}
//   - conveyor_stage_duration_seconds{stage}
//   - conveyor_gate_decisions_total{gate,passed}
//   - conveyor_runs_total{terminal_state}
//   - conveyor_blocked_reasons_total{code}
//   - conveyor_decision_confidence
//   - conveyor_pr_risk_score
//   - conveyor_escalations_total{trigger,severity}
type Metrics struct {
	gatherer prometheus.Gatherer

	StageTransitions *prometheus.CounterVec
	StageExecutions  *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	GateDecisions    *prometheus.CounterVec
	Runs             *prometheus.CounterVec
	BlockedReasons   *prometheus.CounterVec
	DecisionConf     prometheus.Gauge
	RiskScore        prometheus.Gauge
	Escalations      *prometheus.CounterVec
}

var _ orchestrator.Observer = (*Metrics)(nil)

// Default returns metrics registered once on the global Prometheus registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	})
	return defaultMetrics
}

// New registers metrics on reg. Tests use a fresh registry per case.
func New(reg *prometheus.Registry) *Metrics {
	return newMetrics(reg, reg)
}

func newMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,

		StageTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_stage_transitions_total",
			Help: "Total number of stage transitions",
		}, []string{"stage"}),

		StageExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_stage_executions_total",
			Help: "Total number of stage tool executions by outcome",
		}, []string{"stage", "status"}),

		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conveyor_stage_duration_seconds",
			Help:    "Wall-clock duration of stage tool executions",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~45m
		}, []string{"stage"}),

		GateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_gate_decisions_total",
			Help: "Total number of gate decisions",
		}, []string{"gate", "passed"}),

		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_runs_total",
			Help: "Total number of finished runs by terminal state",
		}, []string{"terminal_state"}),

		BlockedReasons: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_blocked_reasons_total",
			Help: "Total number of blocked reason codes emitted",
		}, []string{"code"}),

		DecisionConf: f.NewGauge(prometheus.GaugeOpts{
			Name: "conveyor_decision_confidence",
			Help: "Decision confidence of the last run that aggregated contributions",
		}),

		RiskScore: f.NewGauge(prometheus.GaugeOpts{
			Name: "conveyor_pr_risk_score",
			Help: "Total PR risk score of the last scored report",
		}),

		Escalations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_escalations_total",
			Help: "Total number of escalation cases routed",
		}, []string{"trigger", "severity"}),
	}
}

func (m *Metrics) StageStarted(_ string, stage orchestrator.Stage) {
	m.StageTransitions.WithLabelValues(string(stage)).Inc()
}

func (m *Metrics) StageFinished(_ string, exec orchestrator.Execution) {
	m.StageExecutions.WithLabelValues(string(exec.Stage), string(exec.Status)).Inc()
	if exec.Status != invoke.StatusSkipped {
		m.StageDuration.WithLabelValues(string(exec.Stage)).Observe(float64(exec.DurationMs) / 1000)
	}
}

func (m *Metrics) GatesEvaluated(_ string, decisions []orchestrator.GateDecision) {
	for _, d := range decisions {
		m.GateDecisions.WithLabelValues(d.Gate, strconv.FormatBool(d.Passed)).Inc()
	}
}

func (m *Metrics) RunFinished(report *orchestrator.RunReport) {
	m.Runs.WithLabelValues(string(report.Terminal())).Inc()
	for _, code := range report.BlockedReasonCodes {
		m.BlockedReasons.WithLabelValues(code).Inc()
	}
	if report.DecisionConfidence != nil {
		m.DecisionConf.Set(float64(*report.DecisionConfidence))
	}
}

// ObserveRisk records a risk breakdown.
func (m *Metrics) ObserveRisk(b prrisk.Breakdown) {
	m.RiskScore.Set(float64(b.TotalScore))
}

// ObserveEscalations counts routed cases.
func (m *Metrics) ObserveEscalations(cases []escalation.Case) {
	for _, c := range cases {
		m.Escalations.WithLabelValues(c.TriggerCode, string(c.Severity)).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// WriteTextfile writes the registry for the node_exporter textfile collector.
// The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.gatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
