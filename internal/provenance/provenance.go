// Package provenance records the append-only audit chain of a pipeline run and
// verifies that every parent reference in the chain resolves.
package provenance

import (
	"errors"
	"fmt"
	"time"
)

const (
	// SchemaVersion is written alongside persisted provenance records.
	SchemaVersion = "1"

	// CodeNodeRecorded is carried by every record in a chain.
	CodeNodeRecorded = "PROVENANCE_NODE_RECORDED"

	// CodeChainIncomplete marks a chain with a dangling parent reference.
	CodeChainIncomplete = "PROVENANCE_CHAIN_INCOMPLETE"
)

// ErrChainIncomplete is wrapped by ValidateChainCompleteness failures.
var ErrChainIncomplete = errors.New(CodeChainIncomplete)

// Record is one immutable node in the provenance chain.
type Record struct {
	ID                string   `json:"id"`
	EventType         string   `json:"event_type"`
	ParentIDs         []string `json:"parent_ids"`
	ReasonCodes       []string `json:"reason_codes"`
	ArtifactRefs      []string `json:"artifact_refs"`
	TimestampUnixSecs int64    `json:"timestamp_unix_secs"`
}

// Node describes a record to append. ID and EventType are supplied by the caller.
type Node struct {
	ID           string
	EventType    string
	ParentIDs    []string
	ReasonCodes  []string
	ArtifactRefs []string
}

// Recorder appends records to a chain. It is not safe for concurrent use; a run
// owns exactly one Recorder.
type Recorder struct {
	records []Record
	now     func() time.Time
}

// NewRecorder creates an empty chain. A nil clock defaults to time.Now.
func NewRecorder(now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{now: now}
}

// RecordNode appends a record and returns its ID. The record's reason codes are
// the caller's codes plus CodeNodeRecorded, without duplicates and in first-seen order.
func (r *Recorder) RecordNode(n Node) string {
	rec := Record{
		ID:                n.ID,
		EventType:         n.EventType,
		ParentIDs:         cloneStrings(n.ParentIDs),
		ReasonCodes:       unionCodes(n.ReasonCodes, CodeNodeRecorded),
		ArtifactRefs:      cloneStrings(n.ArtifactRefs),
		TimestampUnixSecs: r.now().Unix(),
	}
	r.records = append(r.records, rec)
	return rec.ID
}

// Last returns the ID of the most recently appended record, or "" for an empty chain.
func (r *Recorder) Last() string {
	if len(r.records) == 0 {
		return ""
	}
	return r.records[len(r.records)-1].ID
}

// Records returns a copy of the chain in append order.
func (r *Recorder) Records() []Record {
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Len returns the number of records in the chain.
func (r *Recorder) Len() int {
	return len(r.records)
}

// ValidateChainCompleteness checks that every parent ID references a record in
// the same chain. The first dangling reference, in input order, is reported.
// Acyclicity is not checked.
func ValidateChainCompleteness(records []Record) error {
	ids := make(map[string]struct{}, len(records))
	for _, rec := range records {
		ids[rec.ID] = struct{}{}
	}
	for _, rec := range records {
		for _, parent := range rec.ParentIDs {
			if _, ok := ids[parent]; !ok {
				return fmt.Errorf("%w: node '%s' references missing parent '%s'", ErrChainIncomplete, rec.ID, parent)
			}
		}
	}
	return nil
}

func unionCodes(codes []string, extra ...string) []string {
	out := make([]string, 0, len(codes)+len(extra))
	seen := make(map[string]struct{}, len(codes)+len(extra))
	for _, list := range [][]string{codes, extra} {
		for _, c := range list {
			if c == "" {
				continue
			}
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
