package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conveyor/internal/decision"
	"github.com/fyrsmithlabs/conveyor/internal/invoke"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 70, cfg.Decision.MinConfidenceToProceed)
	assert.Equal(t, 70, cfg.Review.MinApprovalConfidence)
	assert.True(t, cfg.Review.RequireMandatory)
	assert.Equal(t, 20, cfg.Risk.AutoMergeThreshold)
	assert.True(t, cfg.Scrub.Enabled)
	assert.Equal(t, "file", cfg.Checkpoint.Backend)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty output dir", func(c *Config) { c.OutputDir = "" }},
		{"unknown backend", func(c *Config) { c.Checkpoint.Backend = "redis" }},
		{"unknown stage", func(c *Config) {
			c.Stages = map[string]invoke.Spec{"deploy": {Command: "x", TimeoutMs: 1}}
		}},
		{"empty command", func(c *Config) {
			c.Stages = map[string]invoke.Spec{"planning": {TimeoutMs: 1}}
		}},
		{"zero timeout", func(c *Config) {
			c.Stages = map[string]invoke.Spec{"planning": {Command: "plan"}}
		}},
		{"unknown gate signal", func(c *Config) { c.Gates.CIStatus = "green" }},
		{"min confidence above 100", func(c *Config) { c.Decision.MinConfidenceToProceed = 101 }},
		{"approval confidence negative", func(c *Config) { c.Review.MinApprovalConfidence = -1 }},
		{"contribution confidence above 100", func(c *Config) {
			c.Decision.Contributions = []Contribution{{ContributorID: "a", Vote: "proceed", Confidence: 300, Weight: 1}}
		}},
		{"contribution weight above 100", func(c *Config) {
			c.Decision.Contributions = []Contribution{{ContributorID: "a", Vote: "proceed", Confidence: 1, Weight: 101}}
		}},
		{"unknown vote", func(c *Config) {
			c.Decision.Contributions = []Contribution{{ContributorID: "a", Vote: "maybe"}}
		}},
		{"missing contributor id", func(c *Config) {
			c.Decision.Contributions = []Contribution{{Vote: "block"}}
		}},
		{"unknown verdict", func(c *Config) {
			c.Review.Verdicts = []Verdict{{Specialty: "security", Verdict: "lgtm"}}
		}},
		{"verdict weight above 100", func(c *Config) {
			c.Review.Verdicts = []Verdict{{Specialty: "security", Verdict: "approve", Weight: 150}}
		}},
		{"negative risk threshold", func(c *Config) { c.Risk.AutoMergeThreshold = -1 }},
		{"zero request rate", func(c *Config) { c.GitHub.RequestsPerSecond = 0 }},
		{"invalid port", func(c *Config) { c.HTTP.Port = 70000 }},
		{"zero shutdown timeout", func(c *Config) { c.HTTP.ShutdownTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestOrchestrator_Converts(t *testing.T) {
	cfg := Default()
	cfg.RunID = "run-1"
	cfg.OutputDir = "out"
	cfg.SimulateBlocked = true
	cfg.Stages = map[string]invoke.Spec{
		"execution": {Command: "make", Args: []string{"build"}, TimeoutMs: 1000},
	}
	cfg.Gates = GatesConfig{PolicyStatus: "allow", CIStatus: "success", ReviewStatus: "approved"}
	cfg.Decision.Contributions = []Contribution{
		{ContributorID: "planner", Capability: "planning", Vote: "proceed", Confidence: 90, Weight: 80},
	}
	cfg.Review.Verdicts = []Verdict{
		{Specialty: "security", Verdict: "approve", Confidence: 95, Weight: 100},
	}
	cfg.Review.RequireMandatory = false

	oc, err := cfg.Orchestrator([]string{"git:HEAD:abc"})
	require.NoError(t, err)

	assert.Equal(t, "run-1", oc.RunID)
	assert.Equal(t, "out", oc.OutputDir)
	assert.True(t, oc.SimulateBlocked)
	assert.Equal(t, "make", oc.Invocations[orchestrator.StageExecution].Command)
	assert.Equal(t, orchestrator.GateInputs{
		PolicyStatus: orchestrator.PolicyAllow,
		CIStatus:     orchestrator.CISuccess,
		ReviewStatus: orchestrator.ReviewApproved,
	}, oc.Gates)
	assert.Equal(t, uint8(70), oc.Aggregator.MinConfidenceToProceed)
	assert.Equal(t, uint8(70), oc.Ensemble.MinApprovalConfidence)
	assert.Equal(t, []decision.Contribution{
		{ContributorID: "planner", Capability: "planning", Vote: decision.Proceed, Confidence: 90, Weight: 80},
	}, oc.Contributions)
	require.Len(t, oc.Verdicts, 1)
	assert.Equal(t, decision.Approve, oc.Verdicts[0].Verdict)
	assert.False(t, oc.RequireMandatoryReviewers)
	assert.Equal(t, []string{"git:HEAD:abc"}, oc.ArtifactRefs)
	require.NoError(t, oc.Validate())
}

func TestOrchestrator_EmptyGatesAreUnknown(t *testing.T) {
	cfg := Default()
	cfg.RunID = "run-1"
	oc, err := cfg.Orchestrator(nil)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.PolicyUnknown, oc.Gates.PolicyStatus)
	assert.Equal(t, orchestrator.CIUnknown, oc.Gates.CIStatus)
	assert.Equal(t, orchestrator.ReviewUnknown, oc.Gates.ReviewStatus)
}

func TestOrchestrator_Invalid(t *testing.T) {
	cfg := Default()
	cfg.Gates.PolicyStatus = "maybe"
	_, err := cfg.Orchestrator(nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCheckpointPath(t *testing.T) {
	cfg := Default()
	cfg.OutputDir = "out"
	assert.Equal(t, filepath.Join("out", "checkpoint.json"), cfg.CheckpointPath())

	cfg.Checkpoint.Backend = "sqlite"
	assert.Equal(t, filepath.Join("out", "checkpoint.db"), cfg.CheckpointPath())

	cfg.Checkpoint.Path = "/var/lib/conveyor/cp.db"
	assert.Equal(t, "/var/lib/conveyor/cp.db", cfg.CheckpointPath())
}

func TestGitHubConfig_Enabled(t *testing.T) {
	assert.False(t, GitHubConfig{}.Enabled())
	assert.False(t, GitHubConfig{Owner: "o", Repo: "r"}.Enabled())
	assert.True(t, GitHubConfig{Owner: "o", Repo: "r", PullNumber: 7}.Enabled())
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestSecret_Redacts(t *testing.T) {
	s := Secret("ghp_abcdef")

	assert.Equal(t, "ghp_abcdef", s.Value())
	assert.True(t, s.IsSet())
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "ghp_")

	data, err := json.Marshal(struct{ Token Secret }{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Token":"[REDACTED]"}`, string(data))

	text, err := s.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "[REDACTED]", string(text))
}

func TestSecret_Empty(t *testing.T) {
	var s Secret
	assert.False(t, s.IsSet())
	assert.Equal(t, "", s.String())

	require.NoError(t, s.UnmarshalText([]byte("token")))
	assert.Equal(t, "token", s.Value())
}
