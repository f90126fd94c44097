// Package invoke runs the external tool configured for a pipeline stage.
package invoke

import (
	"errors"
	"fmt"
	"time"
)

// Status is the outcome of one stage invocation.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusFailed      Status = "failed"
	StatusTimeout     Status = "timeout"
	StatusSpawnFailed Status = "spawn_failed"
	// StatusSkipped is never produced by the Runner; the orchestrator uses it
	// for stages already completed by a previous attempt.
	StatusSkipped Status = "skipped"
)

// ErrUnknownStatus is returned for a Status outside the closed set.
var ErrUnknownStatus = errors.New("unknown invocation status")

// ParseStatus converts a textual status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusSpawnFailed, StatusSkipped:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
}

// Fatal reports whether the status halts a run.
func (s Status) Fatal() bool {
	return s == StatusFailed || s == StatusTimeout || s == StatusSpawnFailed
}

// Spec describes the external tool for one stage.
type Spec struct {
	Command           string            `json:"command" koanf:"command"`
	Args              []string          `json:"args,omitempty" koanf:"args"`
	Env               map[string]string `json:"env,omitempty" koanf:"env"`
	TimeoutMs         uint64            `json:"timeout_ms" koanf:"timeout_ms"`
	ExpectedArtifacts []string          `json:"expected_artifacts,omitempty" koanf:"expected_artifacts"`
}

// Timeout returns the wall-clock limit for the invocation.
func (s Spec) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// Validate checks that the spec can be run.
func (s Spec) Validate() error {
	if s.Command == "" {
		return errors.New("command is required")
	}
	if s.TimeoutMs == 0 {
		return errors.New("timeout_ms must be > 0")
	}
	for k := range s.Env {
		if k == "" {
			return errors.New("env keys must not be empty")
		}
	}
	return nil
}

// Result is what the Runner observed.
type Result struct {
	Status Status
	// ExitCode is -1 when the process never exited on its own.
	ExitCode int
	Duration time.Duration
	// OutputPath is the captured combined output, empty when it could not be written.
	OutputPath string
	// MissingArtifacts lists expected artifacts absent after a zero exit.
	MissingArtifacts []string
	Err              error
}
