// Package orchestrator drives a change through the fixed delivery pipeline.
//
// # Stages
//
// Every run walks the same linear sequence:
//
//	Planning → Execution → Validation → Closure
//
// Entering a stage appends a StageTransition. A stage with a configured
// invoke.Spec runs that tool through the Invoker; any outcome other than
// success (non-zero exit, missing artifact, timeout, spawn failure) ends the
// run as Failed at that stage. Stages listed in a Checkpoint for the same
// run_id are recorded as skipped instead of being re-run.
//
// # Gates
//
// On entering Validation the policy, ci and review gates are always evaluated,
// all three, before any Validation work. A missing or ambiguous signal fails
// its gate. Any failure ends the run as Blocked with one reason code per
// failing gate.
//
// # Closure
//
// Reviewer verdicts go through the review ensemble and decision contributions
// through the aggregator. A failed ensemble or a final decision other than
// proceed blocks the run; otherwise the Closure tool runs and the run is Done.
//
// # Provenance
//
// Each step appends a node to a linear provenance chain (run_start,
// stage_transition:<stage>, stage_execution:<stage>, gate_evaluation,
// review_ensemble, final_decision, terminal_state). The chain is validated
// when the run ends; a dangling parent adds PROVENANCE_CHAIN_INCOMPLETE to
// the blocked reason codes.
//
// # Usage
//
//	runner := invoke.NewRunner(invoke.Config{Dir: repoRoot, LogDir: logDir}, scrubber, logger)
//	exec, err := orchestrator.NewExecutor(runner, checkpoint.NewFileStore(path), logger)
//	if err != nil {
//	    return err
//	}
//	report, err := exec.Execute(ctx, cfg)
package orchestrator
