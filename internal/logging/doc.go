// Package logging provides structured logging for the conveyor CLI.
//
// Logger wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - stderr and optional OpenTelemetry outputs
//   - run.id, stage and trace correlation fields taken from the context
//   - key- and pattern-based secret redaction
//   - optional sampling below Error
//
// Pipeline packages accept a plain *zap.Logger; the CLI hands them
// Logger.For(ctx) so their entries carry the run's correlation fields.
//
//	ctx = logging.WithRunID(ctx, cfg.RunID)
//	logger.Info(ctx, "run finished", zap.String("terminal_state", "done"))
//
// Use NewTestLogger in tests:
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "gate evaluated", zap.String("gate", "ci"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "gate evaluated")
//	tl.AssertField(t, "gate evaluated", "gate", "ci")
package logging
