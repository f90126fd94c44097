package signals

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
)

// RetryConfig configures retries of GitHub API calls.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first. Default: 3
	MaxRetries int
	// InitialBackoff defaults to 1 second.
	InitialBackoff time.Duration
	// MaxBackoff defaults to 30 seconds.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	return c
}

// retry runs op until it succeeds, fails permanently, or the retries run out.
// Backoff doubles per attempt up to MaxBackoff; rate-limited responses wait
// for the advertised reset instead.
func retry(ctx context.Context, cfg RetryConfig, logger *zap.Logger, name string, op func() (*github.Response, error)) error {
	cfg = cfg.withDefaults()
	backoff := cfg.InitialBackoff

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		resp, err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err, resp) || attempt == cfg.MaxRetries {
			break
		}

		wait := backoff
		if isRateLimited(resp) {
			wait = rateLimitBackoff(resp, cfg.MaxBackoff)
		}
		logger.Info("retrying GitHub API call",
			zap.String("call", name),
			zap.Int("attempt", attempt+1),
			zap.Int("status_code", statusCode(resp)),
			zap.Duration("backoff", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", name, ctx.Err())
		case <-time.After(wait):
		}
		backoff = min(2*backoff, cfg.MaxBackoff)
	}
	return fmt.Errorf("%s: %w", name, lastErr)
}

func retryable(err error, resp *github.Response) bool {
	if err == nil {
		return false
	}
	code := statusCode(resp)
	switch {
	case code == 0:
		// Transport failure.
		return true
	case code == http.StatusTooManyRequests:
		return true
	case code == http.StatusForbidden:
		return resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
	default:
		return code >= 500 && code < 600
	}
}

func isRateLimited(resp *github.Response) bool {
	code := statusCode(resp)
	return code == http.StatusTooManyRequests ||
		(code == http.StatusForbidden && resp.Rate.Limit > 0 && resp.Rate.Remaining == 0)
}

func rateLimitBackoff(resp *github.Response, maxBackoff time.Duration) time.Duration {
	if resp.Rate.Reset.IsZero() {
		return maxBackoff
	}
	wait := time.Until(resp.Rate.Reset.Time) + time.Second
	if wait < time.Second {
		wait = time.Second
	}
	return min(wait, maxBackoff)
}

func statusCode(resp *github.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.StatusCode
}
