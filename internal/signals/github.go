package signals

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/conveyor/internal/config"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
)

// ErrGitHubNotConfigured is returned when owner, repo or pull number is missing.
var ErrGitHubNotConfigured = errors.New("github pull request not configured")

// GitHubSource derives the CI and review signals of a pull request. The policy
// signal is never derived.
type GitHubSource struct {
	client *github.Client
	owner  string
	repo   string
	number int
	retry  RetryConfig
	logger *zap.Logger
}

// GitHubOption customises a GitHubSource.
type GitHubOption func(*GitHubSource)

// WithRetry overrides the retry policy.
func WithRetry(cfg RetryConfig) GitHubOption {
	return func(s *GitHubSource) { s.retry = cfg }
}

// NewGitHubSource builds a source for the configured pull request. Requests are
// throttled to cfg.RequestsPerSecond and authenticated when a token is set.
func NewGitHubSource(ctx context.Context, cfg config.GitHubConfig, logger *zap.Logger, opts ...GitHubOption) (*GitHubSource, error) {
	if !cfg.Enabled() {
		return nil, ErrGitHubNotConfigured
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	base := http.DefaultTransport
	if cfg.Token.IsSet() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
		base = oauth2.NewClient(ctx, ts).Transport
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	httpClient := &http.Client{Transport: &throttledTransport{
		base:    base,
		limiter: rate.NewLimiter(limit, 1),
	}}

	client := github.NewClient(httpClient)
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing github base_url: %w", err)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		client.BaseURL = u
	}

	s := &GitHubSource{
		client: client,
		owner:  cfg.Owner,
		repo:   cfg.Repo,
		number: cfg.PullNumber,
		retry:  DefaultRetryConfig(),
		logger: logger.With(zap.String("repo", cfg.Owner+"/"+cfg.Repo), zap.Int("pull", cfg.PullNumber)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Gather implements Source.
func (s *GitHubSource) Gather(ctx context.Context) (orchestrator.GateInputs, error) {
	var pr *github.PullRequest
	err := retry(ctx, s.retry, s.logger, "get pull request", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = s.client.PullRequests.Get(ctx, s.owner, s.repo, s.number)
		return resp, err
	})
	if err != nil {
		return orchestrator.GateInputs{}, err
	}
	sha := pr.GetHead().GetSHA()

	ci, err := s.ciStatus(ctx, sha)
	if err != nil {
		return orchestrator.GateInputs{}, err
	}
	review, err := s.reviewStatus(ctx)
	if err != nil {
		return orchestrator.GateInputs{}, err
	}

	s.logger.Debug("derived gate signals from GitHub",
		zap.String("head_sha", sha),
		zap.String("ci_status", string(ci)),
		zap.String("review_status", string(review)))
	return orchestrator.GateInputs{CIStatus: ci, ReviewStatus: review}, nil
}

func (s *GitHubSource) ciStatus(ctx context.Context, sha string) (orchestrator.CIStatus, error) {
	var combined *github.CombinedStatus
	err := retry(ctx, s.retry, s.logger, "get combined status", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		combined, resp, err = s.client.Repositories.GetCombinedStatus(ctx, s.owner, s.repo, sha, nil)
		return resp, err
	})
	if err != nil {
		return "", err
	}

	var runs []*github.CheckRun
	opts := &github.ListCheckRunsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		var page *github.ListCheckRunsResults
		var resp *github.Response
		err := retry(ctx, s.retry, s.logger, "list check runs", func() (*github.Response, error) {
			var err error
			page, resp, err = s.client.Checks.ListCheckRunsForRef(ctx, s.owner, s.repo, sha, opts)
			return resp, err
		})
		if err != nil {
			return "", err
		}
		runs = append(runs, page.CheckRuns...)
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return combineCI(statusFromCombined(combined), statusFromCheckRuns(runs)), nil
}

func (s *GitHubSource) reviewStatus(ctx context.Context) (orchestrator.ReviewStatus, error) {
	var reviews []*github.PullRequestReview
	opts := &github.ListOptions{PerPage: 100}
	for {
		var page []*github.PullRequestReview
		var resp *github.Response
		err := retry(ctx, s.retry, s.logger, "list reviews", func() (*github.Response, error) {
			var err error
			page, resp, err = s.client.PullRequests.ListReviews(ctx, s.owner, s.repo, s.number, opts)
			return resp, err
		})
		if err != nil {
			return "", err
		}
		reviews = append(reviews, page...)
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return statusFromReviews(reviews), nil
}

// statusFromCombined maps the commit status API. No statuses at all is no opinion.
func statusFromCombined(cs *github.CombinedStatus) orchestrator.CIStatus {
	if cs == nil || cs.GetTotalCount() == 0 {
		return ""
	}
	switch cs.GetState() {
	case "success":
		return orchestrator.CISuccess
	case "failure", "error":
		return orchestrator.CIFailure
	case "pending":
		return orchestrator.CIPending
	default:
		return orchestrator.CIUnknown
	}
}

func statusFromCheckRuns(runs []*github.CheckRun) orchestrator.CIStatus {
	if len(runs) == 0 {
		return ""
	}
	status := orchestrator.CISuccess
	for _, run := range runs {
		if run.GetStatus() != "completed" {
			status = orchestrator.CIPending
			continue
		}
		switch run.GetConclusion() {
		case "success", "neutral", "skipped":
		default:
			return orchestrator.CIFailure
		}
	}
	return status
}

// combineCI merges both CI systems: failure dominates, then pending, then
// unknown. Success needs at least one system reporting and none dissenting.
func combineCI(statuses ...orchestrator.CIStatus) orchestrator.CIStatus {
	result := orchestrator.CIStatus("")
	for _, st := range []orchestrator.CIStatus{orchestrator.CIFailure, orchestrator.CIPending, orchestrator.CIUnknown} {
		for _, s := range statuses {
			if s == st {
				return st
			}
		}
	}
	for _, s := range statuses {
		if s == orchestrator.CISuccess {
			result = orchestrator.CISuccess
		}
	}
	if result == "" {
		return orchestrator.CIUnknown
	}
	return result
}

// statusFromReviews takes each reviewer's latest decisive review. Any
// outstanding change request wins over approvals; no decisive review is pending.
func statusFromReviews(reviews []*github.PullRequestReview) orchestrator.ReviewStatus {
	latest := make(map[string]string)
	for _, r := range reviews {
		login := r.GetUser().GetLogin()
		switch state := r.GetState(); state {
		case "APPROVED", "CHANGES_REQUESTED":
			latest[login] = state
		case "DISMISSED":
			delete(latest, login)
		}
	}

	approved := false
	for _, state := range latest {
		if state == "CHANGES_REQUESTED" {
			return orchestrator.ReviewChangesRequested
		}
		approved = true
	}
	if approved {
		return orchestrator.ReviewApproved
	}
	return orchestrator.ReviewPending
}

type throttledTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *throttledTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}
