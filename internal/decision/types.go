// Package decision combines weighted agent votes into a single auditable
// decision, and runs the reviewer ensemble that guards a change before delivery.
package decision

import (
	"errors"
	"fmt"
)

// FinalDecision is the outcome of a vote.
type FinalDecision string

const (
	Proceed  FinalDecision = "proceed"
	Block    FinalDecision = "block"
	Escalate FinalDecision = "escalate"
)

// ErrUnknownDecision is returned for a FinalDecision outside the closed set.
var ErrUnknownDecision = errors.New("unknown final decision")

// tieBreakOrder ranks vote classes for the fail-closed tie break; lower index wins.
var tieBreakOrder = [...]FinalDecision{Block, Escalate, Proceed}

// ParseFinalDecision converts a textual vote.
func ParseFinalDecision(s string) (FinalDecision, error) {
	d := FinalDecision(s)
	if _, err := d.rank(); err != nil {
		return "", err
	}
	return d, nil
}

func (d FinalDecision) rank() (int, error) {
	for i, c := range tieBreakOrder {
		if c == d {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDecision, string(d))
}

// Rationale codes attached to a DecisionSummary.
const (
	CodeNoContributions          = "DECISION_NO_CONTRIBUTIONS"
	CodeTieFailClosed            = "DECISION_TIE_FAIL_CLOSED"
	CodeConfidenceBelowThreshold = "DECISION_CONFIDENCE_BELOW_THRESHOLD"
	CodeEscalated                = "DECISION_ESCALATED"
)

// Contribution is one contributor's weighted vote.
type Contribution struct {
	ContributorID string        `json:"contributor_id" koanf:"contributor_id"`
	Capability    string        `json:"capability" koanf:"capability"`
	Vote          FinalDecision `json:"vote" koanf:"vote"`
	Confidence    uint8         `json:"confidence" koanf:"confidence"`
	Weight        uint8         `json:"weight" koanf:"weight"`
}

// Validate checks the vote and the 0..=100 ranges.
func (c Contribution) Validate() error {
	if c.ContributorID == "" {
		return errors.New("contributor_id is required")
	}
	if _, err := c.Vote.rank(); err != nil {
		return fmt.Errorf("contributor %s: %w", c.ContributorID, err)
	}
	if c.Confidence > 100 {
		return fmt.Errorf("contributor %s: confidence %d exceeds 100", c.ContributorID, c.Confidence)
	}
	if c.Weight > 100 {
		return fmt.Errorf("contributor %s: weight %d exceeds 100", c.ContributorID, c.Weight)
	}
	return nil
}

// AggregatorConfig tunes Aggregate.
type AggregatorConfig struct {
	MinConfidenceToProceed uint8 `json:"min_confidence_to_proceed" koanf:"min_confidence_to_proceed"`
}

// DefaultAggregatorConfig returns the default proceed threshold.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{MinConfidenceToProceed: 70}
}

// Summary is the aggregated decision.
type Summary struct {
	FinalDecision          FinalDecision  `json:"final_decision"`
	DecisionConfidence     uint8          `json:"decision_confidence"`
	DecisionRationaleCodes []string       `json:"decision_rationale_codes"`
	Contributions          []Contribution `json:"contributions"`
	Threshold              uint8          `json:"threshold"`
}
