package orchestrator

import (
	"errors"
	"fmt"
)

// PolicyStatus is the policy engine's verdict on the change.
type PolicyStatus string

const (
	PolicyAllow   PolicyStatus = "allow"
	PolicyDeny    PolicyStatus = "deny"
	PolicyUnknown PolicyStatus = "unknown"
)

// CIStatus is the combined CI result for the change.
type CIStatus string

const (
	CISuccess CIStatus = "success"
	CIFailure CIStatus = "failure"
	CIPending CIStatus = "pending"
	CIUnknown CIStatus = "unknown"
)

// ReviewStatus is the human review state of the change.
type ReviewStatus string

const (
	ReviewApproved         ReviewStatus = "approved"
	ReviewChangesRequested ReviewStatus = "changes_requested"
	ReviewPending          ReviewStatus = "pending"
	ReviewUnknown          ReviewStatus = "unknown"
)

// ErrUnknownGateSignal is returned when a gate signal string is not recognised.
var ErrUnknownGateSignal = errors.New("unknown gate signal")

// ParsePolicyStatus converts a textual policy status. "" is Unknown.
func ParsePolicyStatus(s string) (PolicyStatus, error) {
	switch p := PolicyStatus(s); p {
	case "":
		return PolicyUnknown, nil
	case PolicyAllow, PolicyDeny, PolicyUnknown:
		return p, nil
	default:
		return "", fmt.Errorf("%w: policy_status %q", ErrUnknownGateSignal, s)
	}
}

// ParseCIStatus converts a textual CI status. "" is Unknown.
func ParseCIStatus(s string) (CIStatus, error) {
	switch c := CIStatus(s); c {
	case "":
		return CIUnknown, nil
	case CISuccess, CIFailure, CIPending, CIUnknown:
		return c, nil
	default:
		return "", fmt.Errorf("%w: ci_status %q", ErrUnknownGateSignal, s)
	}
}

// ParseReviewStatus converts a textual review status. "" is Unknown.
func ParseReviewStatus(s string) (ReviewStatus, error) {
	switch r := ReviewStatus(s); r {
	case "":
		return ReviewUnknown, nil
	case ReviewApproved, ReviewChangesRequested, ReviewPending, ReviewUnknown:
		return r, nil
	default:
		return "", fmt.Errorf("%w: review_status %q", ErrUnknownGateSignal, s)
	}
}

// GateInputs are the external signals the gates judge. Zero values mean the
// signal was never supplied and fail closed.
type GateInputs struct {
	PolicyStatus PolicyStatus `json:"policy_status"`
	CIStatus     CIStatus     `json:"ci_status"`
	ReviewStatus ReviewStatus `json:"review_status"`
}

// Validate rejects signal strings outside the known sets.
func (in GateInputs) Validate() error {
	if _, err := ParsePolicyStatus(string(in.PolicyStatus)); err != nil {
		return err
	}
	if _, err := ParseCIStatus(string(in.CIStatus)); err != nil {
		return err
	}
	if _, err := ParseReviewStatus(string(in.ReviewStatus)); err != nil {
		return err
	}
	return nil
}

// Gate names, in evaluation order.
const (
	GatePolicy = "policy"
	GateCI     = "ci"
	GateReview = "review"
)

var gateOrder = [...]string{GatePolicy, GateCI, GateReview}

// Gate reason codes.
const (
	CodePolicyDeniedOrUnknown = "GATE_POLICY_DENIED_OR_UNKNOWN"
	CodeCINotSuccess          = "GATE_CI_NOT_SUCCESS"
	CodeReviewNotApproved     = "GATE_REVIEW_NOT_APPROVED"
)

// HardGateCodes are the gate denial codes, in gate order.
func HardGateCodes() []string {
	return []string{CodePolicyDeniedOrUnknown, CodeCINotSuccess, CodeReviewNotApproved}
}

// IsHardGateCode reports whether code is a gate denial code.
func IsHardGateCode(code string) bool {
	switch code {
	case CodePolicyDeniedOrUnknown, CodeCINotSuccess, CodeReviewNotApproved:
		return true
	default:
		return false
	}
}

// GateDecision is the verdict of one gate. A failed decision always has a ReasonCode.
type GateDecision struct {
	Gate       string `json:"gate"`
	Passed     bool   `json:"passed"`
	ReasonCode string `json:"reason_code,omitempty"`
}

// EvaluateGates judges all three gates in order and never short-circuits.
// It returns one decision per gate plus the reason codes of the failed ones.
func EvaluateGates(in GateInputs) ([]GateDecision, []string) {
	decisions := make([]GateDecision, 0, len(gateOrder))
	reasons := []string{}
	for _, gate := range gateOrder {
		d := evaluateGate(gate, in)
		decisions = append(decisions, d)
		if !d.Passed {
			reasons = append(reasons, d.ReasonCode)
		}
	}
	return decisions, reasons
}

func evaluateGate(gate string, in GateInputs) GateDecision {
	switch gate {
	case GatePolicy:
		return decide(gate, in.PolicyStatus == PolicyAllow, CodePolicyDeniedOrUnknown)
	case GateCI:
		return decide(gate, in.CIStatus == CISuccess, CodeCINotSuccess)
	case GateReview:
		return decide(gate, in.ReviewStatus == ReviewApproved, CodeReviewNotApproved)
	default:
		// Unreachable with gateOrder; fail closed regardless.
		return GateDecision{Gate: gate, Passed: false, ReasonCode: "GATE_UNKNOWN:" + gate}
	}
}

func decide(gate string, passed bool, code string) GateDecision {
	if passed {
		return GateDecision{Gate: gate, Passed: true}
	}
	return GateDecision{Gate: gate, Passed: false, ReasonCode: code}
}
