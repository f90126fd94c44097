// Package signals resolves the gate inputs (policy, CI and review status) a
// run is judged on.
package signals

import (
	"context"

	"github.com/fyrsmithlabs/conveyor/internal/config"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
)

// Source produces gate signals. A zero field means the source has no opinion.
type Source interface {
	Gather(ctx context.Context) (orchestrator.GateInputs, error)
}

// Static returns fixed signals.
type Static orchestrator.GateInputs

// Gather implements Source.
func (s Static) Gather(context.Context) (orchestrator.GateInputs, error) {
	return orchestrator.GateInputs(s), nil
}

// Fill copies derived signals into the gates left empty in cfg. Explicitly
// configured signals always win.
func Fill(cfg *config.GatesConfig, derived orchestrator.GateInputs) {
	if cfg.PolicyStatus == "" && derived.PolicyStatus != "" {
		cfg.PolicyStatus = string(derived.PolicyStatus)
	}
	if cfg.CIStatus == "" && derived.CIStatus != "" {
		cfg.CIStatus = string(derived.CIStatus)
	}
	if cfg.ReviewStatus == "" && derived.ReviewStatus != "" {
		cfg.ReviewStatus = string(derived.ReviewStatus)
	}
}
