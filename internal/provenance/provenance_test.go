package provenance

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Unix(1700000000, 0)
}

func TestRecorder_RecordNode_AddsRecordedCode(t *testing.T) {
	r := NewRecorder(fixedClock)

	id := r.RecordNode(Node{ID: "root", EventType: "run_start", ReasonCodes: []string{"RUN_STARTED"}})

	assert.Equal(t, "root", id)
	recs := r.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, []string{"RUN_STARTED", CodeNodeRecorded}, recs[0].ReasonCodes)
	assert.Equal(t, int64(1700000000), recs[0].TimestampUnixSecs)
	assert.Empty(t, recs[0].ParentIDs)
}

func TestRecorder_RecordNode_NoDuplicateRecordedCode(t *testing.T) {
	r := NewRecorder(fixedClock)
	r.RecordNode(Node{ID: "a", EventType: "x", ReasonCodes: []string{CodeNodeRecorded, "B", "B"}})

	assert.Equal(t, []string{CodeNodeRecorded, "B"}, r.Records()[0].ReasonCodes)
}

func TestRecorder_RecordsAreCopies(t *testing.T) {
	r := NewRecorder(fixedClock)
	parents := []string{"root"}
	r.RecordNode(Node{ID: "root", EventType: "run_start"})
	r.RecordNode(Node{ID: "child", EventType: "x", ParentIDs: parents})
	parents[0] = "mutated"

	recs := r.Records()
	recs[0].ID = "changed"

	again := r.Records()
	assert.Equal(t, "root", again[0].ID)
	assert.Equal(t, []string{"root"}, again[1].ParentIDs)
	assert.Equal(t, "child", r.Last())
	assert.Equal(t, 2, r.Len())
}

func TestRecorder_LastOnEmptyChain(t *testing.T) {
	assert.Equal(t, "", NewRecorder(nil).Last())
}

func TestValidateChainCompleteness(t *testing.T) {
	tests := []struct {
		name    string
		records []Record
		wantErr bool
	}{
		{name: "empty chain", records: nil},
		{name: "single root", records: []Record{{ID: "root"}}},
		{
			name: "root and child",
			records: []Record{
				{ID: "root"},
				{ID: "child", ParentIDs: []string{"root"}},
			},
		},
		{
			name: "parent recorded after child",
			records: []Record{
				{ID: "child", ParentIDs: []string{"root"}},
				{ID: "root"},
			},
		},
		{
			name:    "dangling parent",
			records: []Record{{ID: "child", ParentIDs: []string{"missing"}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChainCompleteness(tt.records)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateChainCompleteness_ErrorMessage(t *testing.T) {
	err := ValidateChainCompleteness([]Record{{ID: "child", ParentIDs: []string{"missing"}}})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChainIncomplete))
	assert.Contains(t, err.Error(), CodeChainIncomplete)
	assert.Contains(t, err.Error(), "missing")
	assert.Equal(t, "PROVENANCE_CHAIN_INCOMPLETE: node 'child' references missing parent 'missing'", err.Error())
}

func TestValidateChainCompleteness_ReportsFirstDanglingInInputOrder(t *testing.T) {
	err := ValidateChainCompleteness([]Record{
		{ID: "root"},
		{ID: "b", ParentIDs: []string{"root", "gone-1"}},
		{ID: "c", ParentIDs: []string{"gone-2"}},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "'b'")
	assert.Contains(t, err.Error(), "gone-1")
}
