package invoke

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/conveyor/internal/invoke"

// waitDelay bounds how long Wait blocks on inherited pipes after a kill.
const waitDelay = 2 * time.Second

// Scrubber removes secrets from captured tool output before it is persisted.
type Scrubber interface {
	Scrub(text string) string
}

// Config configures a Runner.
type Config struct {
	// Dir is the working directory for every invocation (the repository root).
	Dir string
	// LogDir receives one captured-output file per invocation.
	LogDir string
}

// Runner spawns stage tools one at a time.
type Runner struct {
	cfg      Config
	scrubber Scrubber
	logger   *zap.Logger
	tracer   trace.Tracer

	// Now is the clock used to name output files.
	Now func() time.Time
}

// NewRunner creates a Runner. scrubber and logger may be nil.
func NewRunner(cfg Config, scrubber Scrubber, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:      cfg,
		scrubber: scrubber,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		Now:      time.Now,
	}
}

// Run executes spec for the named stage and blocks until the process exits or
// its timeout expires. Cancelling ctx does not interrupt a running tool; only
// the spec timeout does.
func (r *Runner) Run(ctx context.Context, stage string, spec Spec) Result {
	ctx, span := r.tracer.Start(ctx, "invoke.run", trace.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("command", spec.Command),
	))
	defer span.End()

	res := r.run(ctx, stage, spec)

	span.SetAttributes(
		attribute.String("status", string(res.Status)),
		attribute.Int("exit_code", res.ExitCode),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	return res
}

func (r *Runner) run(ctx context.Context, stage string, spec Spec) Result {
	logger := r.logger.With(zap.String("stage", stage), zap.String("command", spec.Command))

	if err := spec.Validate(); err != nil {
		logger.Warn("invalid invocation spec", zap.Error(err))
		return Result{Status: StatusSpawnFailed, ExitCode: -1, Err: err}
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), spec.Timeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Command, spec.Args...)
	cmd.Dir = r.cfg.Dir
	cmd.Env = environ(spec.Env)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	configureCommandProcess(cmd)
	cmd.Cancel = func() error {
		terminateCommandProcess(cmd)
		return nil
	}
	cmd.WaitDelay = waitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		logger.Warn("failed to spawn stage tool", zap.Error(err))
		res := Result{Status: StatusSpawnFailed, ExitCode: -1, Err: fmt.Errorf("spawn %s: %w", spec.Command, err)}
		res.OutputPath = r.writeOutput(stage, spec, []byte(err.Error()+"\n"))
		return res
	}
	logger.Debug("stage tool started", zap.Int("pid", cmd.Process.Pid), zap.Duration("timeout", spec.Timeout()))

	waitErr := cmd.Wait()
	res := Result{Duration: time.Since(start), ExitCode: exitCode(waitErr)}
	res.OutputPath = r.writeOutput(stage, spec, output.Bytes())

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Status = StatusTimeout
		res.ExitCode = -1
		res.Err = fmt.Errorf("%s timed out after %s", spec.Command, spec.Timeout())
	case waitErr != nil:
		res.Status = StatusFailed
		res.Err = fmt.Errorf("%s exited with code %d: %w", spec.Command, res.ExitCode, waitErr)
	default:
		res.MissingArtifacts = r.missingArtifacts(spec.ExpectedArtifacts)
		if len(res.MissingArtifacts) > 0 {
			res.Status = StatusFailed
			res.Err = fmt.Errorf("missing expected artifacts: %s", strings.Join(res.MissingArtifacts, ", "))
		} else {
			res.Status = StatusSuccess
		}
	}

	if res.Status == StatusSuccess {
		logger.Debug("stage tool finished", zap.Duration("duration", res.Duration))
	} else {
		logger.Warn("stage tool did not succeed",
			zap.String("status", string(res.Status)),
			zap.Int("exit_code", res.ExitCode),
			zap.Error(res.Err),
		)
	}
	return res
}

// environ renders env as KEY=VALUE pairs in key order. The result is never nil
// so the child does not inherit the parent environment.
func environ(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return 127
	}
	return 1
}

func (r *Runner) missingArtifacts(paths []string) []string {
	var missing []string
	for _, p := range paths {
		full := p
		if !filepath.IsAbs(full) {
			full = filepath.Join(r.cfg.Dir, p)
		}
		if _, err := os.Stat(full); err != nil {
			missing = append(missing, p)
		}
	}
	return missing
}

// writeOutput persists the captured output and returns its path, or "" when
// no log directory is configured or the write fails.
func (r *Runner) writeOutput(stage string, spec Spec, output []byte) string {
	if r.cfg.LogDir == "" {
		return ""
	}
	if err := os.MkdirAll(r.cfg.LogDir, 0o755); err != nil {
		r.logger.Warn("failed to create output dir", zap.String("dir", r.cfg.LogDir), zap.Error(err))
		return ""
	}
	timestamp := r.Now().UTC().Format("20060102-150405.000000000")
	path := filepath.Join(r.cfg.LogDir, fmt.Sprintf("%s-%s.log", stage, timestamp))
	content := fmt.Sprintf("$ %s %s\n\n%s", spec.Command, strings.Join(spec.Args, " "), output)
	if r.scrubber != nil {
		content = r.scrubber.Scrub(content)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		r.logger.Warn("failed to write stage output", zap.String("path", path), zap.Error(err))
		return ""
	}
	return path
}
