// Package config loads conveyor configuration from a YAML file and CONVEYOR_
// environment variables, validates it, and converts it into a run config.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/conveyor/internal/checkpoint"
	"github.com/fyrsmithlabs/conveyor/internal/decision"
	"github.com/fyrsmithlabs/conveyor/internal/invoke"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
	"github.com/fyrsmithlabs/conveyor/internal/prrisk"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds the complete conveyor configuration. Logging and telemetry
// sections are decoded separately through Loader.Unmarshal.
type Config struct {
	RunID           string                 `koanf:"run_id"`
	RepoRoot        string                 `koanf:"repo_root"`
	OutputDir       string                 `koanf:"output_dir"`
	SimulateBlocked bool                   `koanf:"simulate_blocked"`
	Checkpoint      CheckpointConfig       `koanf:"checkpoint"`
	Stages          map[string]invoke.Spec `koanf:"stages"`
	Gates           GatesConfig            `koanf:"gates"`
	Decision        DecisionConfig         `koanf:"decision"`
	Review          ReviewConfig           `koanf:"review"`
	Risk            RiskConfig             `koanf:"risk"`
	Scrub           ScrubConfig            `koanf:"scrub"`
	GitHub          GitHubConfig           `koanf:"github"`
	NATS            NATSConfig             `koanf:"nats"`
	HTTP            HTTPConfig             `koanf:"http"`
	Metrics         MetricsConfig          `koanf:"metrics"`
}

// CheckpointConfig selects the checkpoint backend.
type CheckpointConfig struct {
	Backend string `koanf:"backend"` // file or sqlite
	Path    string `koanf:"path"`
}

// GatesConfig carries the raw gate signals. Empty means unknown.
type GatesConfig struct {
	PolicyStatus string `koanf:"policy_status"`
	CIStatus     string `koanf:"ci_status"`
	ReviewStatus string `koanf:"review_status"`
}

// DecisionConfig configures the decision aggregator.
type DecisionConfig struct {
	MinConfidenceToProceed int            `koanf:"min_confidence_to_proceed"`
	Contributions          []Contribution `koanf:"contributions"`
}

// Contribution is the file form of decision.Contribution. Integers are wide so
// out-of-range values are reported rather than truncated.
type Contribution struct {
	ContributorID string `koanf:"contributor_id"`
	Capability    string `koanf:"capability"`
	Vote          string `koanf:"vote"`
	Confidence    int    `koanf:"confidence"`
	Weight        int    `koanf:"weight"`
}

// ReviewConfig configures the review ensemble.
type ReviewConfig struct {
	MinApprovalConfidence int       `koanf:"min_approval_confidence"`
	RequireMandatory      bool      `koanf:"require_mandatory"`
	Verdicts              []Verdict `koanf:"verdicts"`
}

// Verdict is the file form of decision.ReviewerVerdict.
type Verdict struct {
	Specialty  string `koanf:"specialty"`
	Verdict    string `koanf:"verdict"`
	Confidence int    `koanf:"confidence"`
	Weight     int    `koanf:"weight"`
}

// RiskConfig configures the PR risk scorer.
type RiskConfig struct {
	AutoMergeThreshold int `koanf:"auto_merge_threshold"`
}

// ScrubConfig configures secret scrubbing of captured tool output.
type ScrubConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// GitHubConfig configures the GitHub gate signal source. The source is used
// only when Owner, Repo and PullNumber are all set.
type GitHubConfig struct {
	Token             Secret  `koanf:"token"`
	Owner             string  `koanf:"owner"`
	Repo              string  `koanf:"repo"`
	PullNumber        int     `koanf:"pull_number"`
	BaseURL           string  `koanf:"base_url"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// Enabled reports whether a pull request is configured.
func (g GitHubConfig) Enabled() bool {
	return g.Owner != "" && g.Repo != "" && g.PullNumber > 0
}

// NATSConfig configures run event publication. Empty URL disables it.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// HTTPConfig configures the report API server.
type HTTPConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// MetricsConfig configures the Prometheus textfile export. Empty path disables it.
type MetricsConfig struct {
	TextfilePath string `koanf:"textfile_path"`
}

// Default returns the configuration used before the file and environment are applied.
func Default() Config {
	return Config{
		RepoRoot:  ".",
		OutputDir: ".conveyor",
		Checkpoint: CheckpointConfig{
			Backend: checkpoint.BackendFile,
		},
		Decision: DecisionConfig{MinConfidenceToProceed: 70},
		Review: ReviewConfig{
			MinApprovalConfidence: 70,
			RequireMandatory:      true,
		},
		Risk:  RiskConfig{AutoMergeThreshold: int(prrisk.DefaultAutoMergeThreshold)},
		Scrub: ScrubConfig{Enabled: true},
		GitHub: GitHubConfig{
			RequestsPerSecond: 5,
		},
		NATS: NATSConfig{SubjectPrefix: "conveyor"},
		HTTP: HTTPConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
	}
}

// CheckpointPath returns the configured checkpoint path, defaulting to a file
// inside the output directory that matches the backend.
func (c *Config) CheckpointPath() string {
	if c.Checkpoint.Path != "" {
		return c.Checkpoint.Path
	}
	if c.Checkpoint.Backend == checkpoint.BackendSQLite {
		return filepath.Join(c.OutputDir, "checkpoint.db")
	}
	return filepath.Join(c.OutputDir, "checkpoint.json")
}

// Validate checks the configuration. Every failure wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return fmt.Errorf("%w: output_dir is required", ErrInvalidConfig)
	}
	switch c.Checkpoint.Backend {
	case checkpoint.BackendFile, checkpoint.BackendSQLite:
	default:
		return fmt.Errorf("%w: %w: %q", ErrInvalidConfig, checkpoint.ErrUnknownBackend, c.Checkpoint.Backend)
	}
	for name, spec := range c.Stages {
		if _, err := orchestrator.ParseStage(name); err != nil {
			return fmt.Errorf("%w: stages: %w", ErrInvalidConfig, err)
		}
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("%w: stages.%s: %w", ErrInvalidConfig, name, err)
		}
	}
	if _, err := c.gateInputs(); err != nil {
		return fmt.Errorf("%w: gates: %w", ErrInvalidConfig, err)
	}
	if err := percent("decision.min_confidence_to_proceed", c.Decision.MinConfidenceToProceed); err != nil {
		return err
	}
	if err := percent("review.min_approval_confidence", c.Review.MinApprovalConfidence); err != nil {
		return err
	}
	if _, err := c.contributions(); err != nil {
		return err
	}
	if _, err := c.verdicts(); err != nil {
		return err
	}
	if c.Risk.AutoMergeThreshold < 0 {
		return fmt.Errorf("%w: risk.auto_merge_threshold must not be negative", ErrInvalidConfig)
	}
	if c.GitHub.RequestsPerSecond <= 0 {
		return fmt.Errorf("%w: github.requests_per_second must be positive", ErrInvalidConfig)
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("%w: invalid http port: %d (must be 1-65535)", ErrInvalidConfig, c.HTTP.Port)
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: http.shutdown_timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// Orchestrator converts the configuration into a run config. artifactRefs
// are attached to the run_start provenance node.
func (c *Config) Orchestrator(artifactRefs []string) (orchestrator.Config, error) {
	if err := c.Validate(); err != nil {
		return orchestrator.Config{}, err
	}
	gates, _ := c.gateInputs()
	contributions, _ := c.contributions()
	verdicts, _ := c.verdicts()

	invocations := make(map[orchestrator.Stage]invoke.Spec, len(c.Stages))
	for name, spec := range c.Stages {
		invocations[orchestrator.Stage(name)] = spec
	}

	return orchestrator.Config{
		RunID:           c.RunID,
		RepoRoot:        c.RepoRoot,
		OutputDir:       c.OutputDir,
		Invocations:     invocations,
		Gates:           gates,
		SimulateBlocked: c.SimulateBlocked,
		Aggregator: decision.AggregatorConfig{
			MinConfidenceToProceed: uint8(c.Decision.MinConfidenceToProceed),
		},
		Contributions: contributions,
		Ensemble: decision.EnsembleConfig{
			MinApprovalConfidence: uint8(c.Review.MinApprovalConfidence),
		},
		Verdicts:                  verdicts,
		RequireMandatoryReviewers: c.Review.RequireMandatory,
		ArtifactRefs:              artifactRefs,
	}, nil
}

func (c *Config) gateInputs() (orchestrator.GateInputs, error) {
	policy, err := orchestrator.ParsePolicyStatus(c.Gates.PolicyStatus)
	if err != nil {
		return orchestrator.GateInputs{}, err
	}
	ci, err := orchestrator.ParseCIStatus(c.Gates.CIStatus)
	if err != nil {
		return orchestrator.GateInputs{}, err
	}
	review, err := orchestrator.ParseReviewStatus(c.Gates.ReviewStatus)
	if err != nil {
		return orchestrator.GateInputs{}, err
	}
	return orchestrator.GateInputs{PolicyStatus: policy, CIStatus: ci, ReviewStatus: review}, nil
}

func (c *Config) contributions() ([]decision.Contribution, error) {
	out := make([]decision.Contribution, 0, len(c.Decision.Contributions))
	for i, raw := range c.Decision.Contributions {
		field := fmt.Sprintf("decision.contributions[%d]", i)
		if err := percent(field+".confidence", raw.Confidence); err != nil {
			return nil, err
		}
		if err := percent(field+".weight", raw.Weight); err != nil {
			return nil, err
		}
		vote, err := decision.ParseFinalDecision(raw.Vote)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, field, err)
		}
		contribution := decision.Contribution{
			ContributorID: raw.ContributorID,
			Capability:    raw.Capability,
			Vote:          vote,
			Confidence:    uint8(raw.Confidence),
			Weight:        uint8(raw.Weight),
		}
		if err := contribution.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, field, err)
		}
		out = append(out, contribution)
	}
	return out, nil
}

func (c *Config) verdicts() ([]decision.ReviewerVerdict, error) {
	out := make([]decision.ReviewerVerdict, 0, len(c.Review.Verdicts))
	for i, raw := range c.Review.Verdicts {
		field := fmt.Sprintf("review.verdicts[%d]", i)
		if err := percent(field+".confidence", raw.Confidence); err != nil {
			return nil, err
		}
		if err := percent(field+".weight", raw.Weight); err != nil {
			return nil, err
		}
		verdict, err := decision.ParseVerdict(raw.Verdict)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, field, err)
		}
		v := decision.ReviewerVerdict{
			Specialty:  raw.Specialty,
			Verdict:    verdict,
			Confidence: uint8(raw.Confidence),
			Weight:     uint8(raw.Weight),
		}
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, field, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func percent(field string, v int) error {
	if v < 0 || v > 100 {
		return fmt.Errorf("%w: %s must be within 0..100, got %d", ErrInvalidConfig, field, v)
	}
	return nil
}
