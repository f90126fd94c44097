// Package prrisk scores how risky it is to merge the change behind a RunReport.
package prrisk

import (
	"fmt"
	"math"

	"github.com/fyrsmithlabs/conveyor/internal/invoke"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
)

// DefaultAutoMergeThreshold is the highest total that still auto-merges.
const DefaultAutoMergeThreshold uint32 = 20

// Factor names, in report order.
const (
	FactorGateQuality        = "gate_quality"
	FactorDecisionConfidence = "decision_confidence"
	FactorRiskTier           = "risk_tier"
	FactorHardGateStatus     = "hard_gate_status"
	FactorTestStability      = "test_stability"
)

// Factor is one additive contribution to the risk score.
type Factor struct {
	Name      string `json:"name"`
	Score     uint32 `json:"score"`
	Rationale string `json:"rationale"`
}

// Breakdown is the full risk assessment.
type Breakdown struct {
	TotalScore           uint32   `json:"total_score"`
	Threshold            uint32   `json:"threshold"`
	Factors              []Factor `json:"factors"`
	EligibleForAutoMerge bool     `json:"eligible_for_auto_merge"`
}

// Compute scores report. It is pure: the report is only read.
func Compute(report *orchestrator.RunReport, threshold uint32) Breakdown {
	if report == nil {
		report = orchestrator.NewRunReport("")
	}
	factors := []Factor{
		gateQuality(report),
		decisionConfidence(report),
		riskTier(report),
		hardGateStatus(report),
		testStability(report),
	}

	var total uint32
	for _, f := range factors {
		total = saturatingAdd(total, f.Score)
	}
	return Breakdown{
		TotalScore:           total,
		Threshold:            threshold,
		Factors:              factors,
		EligibleForAutoMerge: total <= threshold,
	}
}

func gateQuality(r *orchestrator.RunReport) Factor {
	var failing uint32
	for _, d := range r.GateDecisions {
		if !d.Passed {
			failing++
		}
	}
	return Factor{
		Name:      FactorGateQuality,
		Score:     saturatingMul(12, failing),
		Rationale: fmt.Sprintf("%d non-passing gate(s)", failing),
	}
}

func decisionConfidence(r *orchestrator.RunReport) Factor {
	f := Factor{Name: FactorDecisionConfidence}
	if r.DecisionConfidence == nil {
		f.Rationale = "no decision confidence recorded"
		return f
	}
	c := *r.DecisionConfidence
	switch {
	case c >= 80:
		f.Score = 0
	case c >= 60:
		f.Score = 8
	case c >= 40:
		f.Score = 16
	default:
		f.Score = 24
	}
	f.Rationale = fmt.Sprintf("decision confidence %d", c)
	return f
}

func riskTier(r *orchestrator.RunReport) Factor {
	f := Factor{Name: FactorRiskTier}
	switch r.Terminal() {
	case orchestrator.TerminalDone:
		f.Score = 0
		f.Rationale = "run finished done"
	case orchestrator.TerminalBlocked:
		f.Score = 8
		f.Rationale = "run finished blocked"
	default:
		f.Score = 16
		if r.TerminalState == nil {
			f.Rationale = "run has no terminal state"
		} else {
			f.Rationale = "run finished " + string(r.Terminal())
		}
	}
	return f
}

func hardGateStatus(r *orchestrator.RunReport) Factor {
	for _, code := range r.BlockedReasonCodes {
		if orchestrator.IsHardGateCode(code) {
			return Factor{Name: FactorHardGateStatus, Score: 12, Rationale: "hard gate blocked: " + code}
		}
	}
	return Factor{Name: FactorHardGateStatus, Score: 0, Rationale: "no hard gate blocks"}
}

func testStability(r *orchestrator.RunReport) Factor {
	var failures int
	for _, exec := range r.StageExecutions {
		if exec.Stage != orchestrator.StageValidation {
			continue
		}
		switch exec.Status {
		case invoke.StatusFailed, invoke.StatusTimeout, invoke.StatusSpawnFailed:
			failures++
		}
	}
	f := Factor{Name: FactorTestStability, Rationale: fmt.Sprintf("%d unstable validation execution(s)", failures)}
	switch {
	case failures == 0:
		f.Score = 0
	case failures <= 2:
		f.Score = 6
	default:
		f.Score = 12
	}
	return f
}

func saturatingAdd(a, b uint32) uint32 {
	if a > math.MaxUint32-b {
		return math.MaxUint32
	}
	return a + b
}

func saturatingMul(a, b uint32) uint32 {
	if a != 0 && b > math.MaxUint32/a {
		return math.MaxUint32
	}
	return a * b
}
