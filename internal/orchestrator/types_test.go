package orchestrator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageOrder(t *testing.T) {
	stages := AllStages()
	require.Equal(t, []Stage{StagePlanning, StageExecution, StageValidation, StageClosure}, stages)

	for i, s := range stages {
		idx, err := s.Index()
		require.NoError(t, err)
		assert.Equal(t, i, idx)
	}

	// AllStages returns a copy.
	stages[0] = "mutated"
	assert.Equal(t, StagePlanning, AllStages()[0])
}

func TestParseStage(t *testing.T) {
	s, err := ParseStage("validation")
	require.NoError(t, err)
	assert.Equal(t, StageValidation, s)

	_, err = ParseStage("deploy")
	assert.ErrorIs(t, err, ErrUnknownStage)

	_, err = Stage("").Index()
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestTerminalState_ExitCode(t *testing.T) {
	tests := []struct {
		state TerminalState
		want  int
	}{
		{TerminalDone, 0},
		{TerminalBlocked, 3},
		{TerminalFailed, 3},
	}
	for _, tt := range tests {
		got, err := tt.state.ExitCode()
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.state)
	}

	code, err := TerminalState("aborted").ExitCode()
	assert.ErrorIs(t, err, ErrUnknownTerminalState)
	assert.Equal(t, 3, code)
}

func TestParseTerminalState(t *testing.T) {
	s, err := ParseTerminalState("blocked")
	require.NoError(t, err)
	assert.Equal(t, TerminalBlocked, s)

	_, err = ParseTerminalState("Done")
	assert.ErrorIs(t, err, ErrUnknownTerminalState)
}

func TestCheckpoint_Completed(t *testing.T) {
	var nilCP *Checkpoint
	assert.False(t, nilCP.Completed(StagePlanning))

	cp := &Checkpoint{RunID: "r", CompletedStages: []Stage{StagePlanning, StageExecution}}
	assert.True(t, cp.Completed(StageExecution))
	assert.False(t, cp.Completed(StageValidation))
}

func TestNewRunReport_JSONShape(t *testing.T) {
	data, err := json.Marshal(NewRunReport("run-1"))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.Equal(t, "run-1", raw["run_id"])
	assert.Nil(t, raw["current_stage"])
	assert.Nil(t, raw["terminal_state"])
	assert.Nil(t, raw["decision_confidence"])
	assert.Equal(t, []any{}, raw["blocked_reason_codes"])
	assert.Equal(t, []any{}, raw["provenance_records"])
	assert.Equal(t, "1", raw["provenance_schema_version"])
	assert.NotContains(t, raw, "review_ensemble")
}

func TestStageTransition_FirstHasNullFrom(t *testing.T) {
	data, err := json.Marshal(StageTransition{ToStage: StagePlanning, TimestampUnixSecs: 5})
	require.NoError(t, err)
	assert.JSONEq(t, `{"from_stage":null,"to_stage":"planning","timestamp_unix_secs":5}`, string(data))
}
