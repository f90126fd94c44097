package decision

import (
	"errors"
	"fmt"
)

// Verdict is a single reviewer's vote.
type Verdict string

const (
	Approve Verdict = "approve"
	Reject  Verdict = "reject"
)

// ErrUnknownVerdict is returned for a Verdict outside the closed set.
var ErrUnknownVerdict = errors.New("unknown reviewer verdict")

// ParseVerdict converts a textual verdict.
func ParseVerdict(s string) (Verdict, error) {
	switch v := Verdict(s); v {
	case Approve, Reject:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownVerdict, s)
	}
}

// Mandatory reviewer specialties, in reporting order.
const (
	SpecialtyCorrectness     = "correctness"
	SpecialtySecurity        = "security"
	SpecialtyMaintainability = "maintainability"
)

var mandatorySpecialties = [...]string{SpecialtyCorrectness, SpecialtySecurity, SpecialtyMaintainability}

// Reason codes produced by the review ensemble.
const (
	CodeReviewSecurityRejection      = "REVIEW_ENSEMBLE_SECURITY_REJECTION"
	CodeReviewTieFailClosed          = "REVIEW_ENSEMBLE_TIE_FAIL_CLOSED"
	CodeReviewBelowThreshold         = "REVIEW_ENSEMBLE_CONFIDENCE_BELOW_THRESHOLD"
	CodeReviewRejected               = "REVIEW_ENSEMBLE_REJECTED"
	CodeReviewMissingMandatoryPrefix = "REVIEW_ENSEMBLE_MISSING_MANDATORY:"
)

// ReviewerVerdict is one reviewer's weighted verdict.
type ReviewerVerdict struct {
	Specialty  string  `json:"specialty" koanf:"specialty"`
	Verdict    Verdict `json:"verdict" koanf:"verdict"`
	Confidence uint8   `json:"confidence" koanf:"confidence"`
	Weight     uint8   `json:"weight" koanf:"weight"`
}

// Validate checks the verdict and the 0..=100 ranges.
func (v ReviewerVerdict) Validate() error {
	if v.Specialty == "" {
		return errors.New("specialty is required")
	}
	if _, err := ParseVerdict(string(v.Verdict)); err != nil {
		return fmt.Errorf("reviewer %s: %w", v.Specialty, err)
	}
	if v.Confidence > 100 || v.Weight > 100 {
		return fmt.Errorf("reviewer %s: confidence and weight must be within 0..100", v.Specialty)
	}
	return nil
}

// EnsembleConfig tunes RunReviewEnsemble.
type EnsembleConfig struct {
	MinApprovalConfidence uint8 `json:"min_approval_confidence" koanf:"min_approval_confidence"`
}

// EnsembleResult is the ensemble outcome.
type EnsembleResult struct {
	Passed      bool     `json:"passed"`
	Confidence  uint8    `json:"confidence"`
	ReasonCodes []string `json:"reason_codes"`
}

// MissingMandatorySpecialties lists mandatory specialties with no verdict, in
// fixed order. Whether a gap blocks is the caller's policy.
func MissingMandatorySpecialties(verdicts []ReviewerVerdict) []string {
	present := make(map[string]bool, len(verdicts))
	for _, v := range verdicts {
		present[v.Specialty] = true
	}
	var missing []string
	for _, s := range mandatorySpecialties {
		if !present[s] {
			missing = append(missing, s)
		}
	}
	return missing
}

// RunReviewEnsemble weighs reviewer verdicts. A security rejection vetoes the
// ensemble outright; exact ties fail closed.
func RunReviewEnsemble(verdicts []ReviewerVerdict, cfg EnsembleConfig) EnsembleResult {
	for _, v := range verdicts {
		if v.Specialty == SpecialtySecurity && v.Verdict == Reject {
			return EnsembleResult{
				Passed:      false,
				Confidence:  100,
				ReasonCodes: []string{CodeReviewSecurityRejection},
			}
		}
	}

	var approve, reject uint64
	for _, v := range verdicts {
		s := uint64(v.Confidence) * uint64(v.Weight)
		switch v.Verdict {
		case Approve:
			approve += s
		case Reject:
			reject += s
		}
	}
	total := approve + reject

	if approve == reject {
		var confidence uint8
		if total > 0 {
			confidence = 50
		}
		return EnsembleResult{
			Passed:      false,
			Confidence:  confidence,
			ReasonCodes: []string{CodeReviewTieFailClosed},
		}
	}

	passed := approve > reject
	winner := reject
	if passed {
		winner = approve
	}
	result := EnsembleResult{
		Passed:      passed,
		Confidence:  percentOf(winner, total),
		ReasonCodes: []string{},
	}
	if !passed {
		result.ReasonCodes = append(result.ReasonCodes, CodeReviewRejected)
	}
	if passed && result.Confidence < cfg.MinApprovalConfidence {
		result.Passed = false
		result.ReasonCodes = append(result.ReasonCodes, CodeReviewBelowThreshold)
	}
	return result
}
