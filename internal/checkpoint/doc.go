// Package checkpoint persists orchestrator checkpoints so an interrupted run
// can resume without re-invoking stages it already completed.
//
// Two backends implement orchestrator.CheckpointStore: FileStore writes one
// JSON document atomically, SQLiteStore keeps one row per run_id.
package checkpoint
