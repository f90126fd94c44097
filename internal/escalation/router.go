// Package escalation turns a finished RunReport into human-actionable cases.
package escalation

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/conveyor/internal/decision"
	"github.com/fyrsmithlabs/conveyor/internal/invoke"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
)

// Severity ranks how urgently a case needs a human. Sev1 is the most urgent.
type Severity string

const (
	Sev1 Severity = "sev1"
	Sev2 Severity = "sev2"
	Sev3 Severity = "sev3"
)

// ErrUnknownSeverity is returned for a Severity outside the closed set.
var ErrUnknownSeverity = errors.New("unknown severity")

// ParseSeverity converts a textual severity.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(s); sev {
	case Sev1, Sev2, Sev3:
		return sev, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSeverity, s)
	}
}

// Trigger codes.
const (
	TriggerPolicyBlock  = "ESCALATION_TRIGGER_POLICY_BLOCK"
	TriggerCriticalTie  = "ESCALATION_TRIGGER_CRITICAL_TIE"
	TriggerCapExhausted = "ESCALATION_TRIGGER_CAP_EXHAUSTED"
)

// Commands whose failure means a retry budget ran out.
const (
	IterationBudgetCmd   = "execution.iteration_budget"
	RemediationBudgetCmd = "remediation.cycle_budget"
)

// idNamespace scopes case ids so the same run and trigger always get the same id.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/fyrsmithlabs/conveyor/escalation"))

// Case is one escalation for a human to act on.
type Case struct {
	ID               string   `json:"id"`
	TriggerCode      string   `json:"trigger_code"`
	Severity         Severity `json:"severity"`
	RequiredActions  []string `json:"required_actions"`
	ContextArtifacts []string `json:"context_artifacts"`
}

// Route derives escalation cases from a finished report. It never mutates the
// report, and the output order is fixed: policy block, critical tie, cap
// exhausted. Each trigger yields at most one case.
func Route(report *orchestrator.RunReport) []Case {
	cases := []Case{}
	if report == nil {
		return cases
	}

	if hasHardGateBlock(report.BlockedReasonCodes) {
		refs := []string{}
		for _, d := range report.GateDecisions {
			if !d.Passed {
				refs = append(refs, "gate:"+d.Gate)
			}
		}
		cases = append(cases, newCase(report.RunID, TriggerPolicyBlock, Sev2, []string{
			"review failing gate signals",
			"resolve policy, ci or review blockers and re-run",
		}, refs))
	}

	if contains(report.DecisionRationaleCodes, decision.CodeTieFailClosed) ||
		contains(report.BlockedReasonCodes, decision.CodeTieFailClosed) {
		refs := []string{}
		for _, c := range report.DecisionContributions {
			refs = append(refs, "contributor:"+c.ContributorID)
		}
		cases = append(cases, newCase(report.RunID, TriggerCriticalTie, Sev1, []string{
			"break the decision tie manually",
			"record the human decision as a contribution and re-run",
		}, refs))
	}

	var capRefs []string
	for _, exec := range report.StageExecutions {
		if exec.Status != invoke.StatusFailed {
			continue
		}
		if exec.Command == IterationBudgetCmd || exec.Command == RemediationBudgetCmd {
			capRefs = append(capRefs, "stage:"+string(exec.Stage)+":"+exec.Command)
		}
	}
	if capRefs != nil {
		cases = append(cases, newCase(report.RunID, TriggerCapExhausted, Sev3, []string{
			"inspect why the budget was exhausted",
			"raise the budget or split the change",
		}, capRefs))
	}

	return cases
}

func newCase(runID, trigger string, sev Severity, actions, refs []string) Case {
	return Case{
		ID:               uuid.NewSHA1(idNamespace, []byte(runID+"/"+trigger)).String(),
		TriggerCode:      trigger,
		Severity:         sev,
		RequiredActions:  actions,
		ContextArtifacts: refs,
	}
}

func hasHardGateBlock(codes []string) bool {
	for _, c := range codes {
		if orchestrator.IsHardGateCode(c) {
			return true
		}
	}
	return false
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
