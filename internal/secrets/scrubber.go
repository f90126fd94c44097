package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.uber.org/zap"
)

// Finding is one detected secret.
type Finding struct {
	RuleID string
	Line   int
	Match  string
}

// Scrubber replaces every detected secret with a [REDACTED:<rule-id>] marker.
// It is safe for concurrent use.
type Scrubber struct {
	mu       sync.Mutex
	detector *detect.Detector
	logger   *zap.Logger
}

// New builds a Scrubber on the default gitleaks rules. allowlist may be nil;
// logger may be nil.
func New(allowlist *Allowlist, logger *zap.Logger) (*Scrubber, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating gitleaks detector: %w", err)
	}
	if allowlist != nil {
		if err := applyAllowlist(&detector.Config, allowlist); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scrubber{detector: detector, logger: logger}, nil
}

// NewFromFile builds a Scrubber, loading the allowlist from path when it is non-empty.
func NewFromFile(path string, logger *zap.Logger) (*Scrubber, error) {
	var allowlist *Allowlist
	if path != "" {
		var err error
		if allowlist, err = LoadAllowlist(path); err != nil {
			return nil, err
		}
	}
	return New(allowlist, logger)
}

// Detect returns the secrets found in text.
func (s *Scrubber) Detect(text string) []Finding {
	s.mu.Lock()
	found := s.detector.DetectString(text)
	s.mu.Unlock()

	out := make([]Finding, 0, len(found))
	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		out = append(out, Finding{RuleID: f.RuleID, Line: f.StartLine, Match: f.Secret})
	}
	return out
}

// Scrub returns text with every finding replaced by its marker.
func (s *Scrubber) Scrub(text string) string {
	if text == "" {
		return text
	}
	findings := s.Detect(text)
	if len(findings) == 0 {
		return text
	}

	// Longest first so a secret containing another is replaced whole.
	sort.SliceStable(findings, func(i, j int) bool {
		return len(findings[i].Match) > len(findings[j].Match)
	})
	pairs := make([]string, 0, 2*len(findings))
	seen := make(map[string]struct{}, len(findings))
	rules := make(map[string]int)
	for _, f := range findings {
		rules[f.RuleID]++
		if _, dup := seen[f.Match]; dup {
			continue
		}
		seen[f.Match] = struct{}{}
		pairs = append(pairs, f.Match, Marker(f.RuleID))
	}

	s.logger.Debug("redacted secrets from tool output",
		zap.Int("findings", len(findings)),
		zap.Any("rules", rules))
	return strings.NewReplacer(pairs...).Replace(text)
}

// Marker is the replacement text for a secret matched by ruleID.
func Marker(ruleID string) string {
	return "[REDACTED:" + ruleID + "]"
}

func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) error {
	global := &gitleaksConfig.Allowlist{
		Description: "conveyor allowlist",
	}
	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: '%s': %v", ErrInvalidRegex, pattern, err)
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
	return nil
}
