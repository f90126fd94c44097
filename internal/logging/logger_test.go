package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/conveyor/internal/config"
)

func jsonLogger(t *testing.T, mutate func(c *Config)) (*Logger, *bytes.Buffer) {
	t.Helper()
	cfg := NewDefaultConfig()
	cfg.Format = "json"
	cfg.Level = "trace"
	if mutate != nil {
		mutate(cfg)
	}
	var buf bytes.Buffer
	l, err := newLogger(cfg, nil, zapcore.AddSync(&buf))
	require.NoError(t, err)
	return l, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg, nil)
	assert.Error(t, err)
}

func TestLogger_WritesContextFields(t *testing.T) {
	l, buf := jsonLogger(t, nil)

	ctx := WithStage(WithRunID(context.Background(), "run-9"), "validation")
	l.Info(ctx, "gates evaluated", zap.Int("failed", 1))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "gates evaluated", lines[0]["msg"])
	assert.Equal(t, "run-9", lines[0][FieldRunID])
	assert.Equal(t, "validation", lines[0][FieldStage])
	assert.Equal(t, "conveyor", lines[0]["service"])
	assert.EqualValues(t, 1, lines[0]["failed"])
}

func TestLogger_TraceLevel(t *testing.T) {
	l, buf := jsonLogger(t, nil)
	l.Trace(context.Background(), "provenance node")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "trace", lines[0]["level"])
}

func TestLogger_LevelFilter(t *testing.T) {
	l, buf := jsonLogger(t, func(c *Config) { c.Level = "warn" })
	ctx := context.Background()

	l.Debug(ctx, "hidden")
	l.Info(ctx, "hidden")
	l.Warn(ctx, "shown")
	l.Error(ctx, "shown too")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.False(t, l.Enabled(zapcore.InfoLevel))
	assert.True(t, l.Enabled(zapcore.WarnLevel))
}

func TestLogger_RedactsSensitiveFields(t *testing.T) {
	l, buf := jsonLogger(t, nil)

	l.Info(context.Background(), "calling github with Bearer abc123",
		zap.String("github_token", "ghp_plaintext"),
		zap.String("note", "token ghp_ABCDEFGHIJKLMNOPQRSTUVWX leaked"),
		Secret("credentials", config.Secret("hunter2")),
	)
	l.With(zap.String("password", "pw")).Info(context.Background(), "child")

	out := buf.String()
	assert.NotContains(t, out, "ghp_plaintext")
	assert.NotContains(t, out, "ghp_ABCDEFGHIJKLMNOPQRSTUVWX")
	assert.NotContains(t, out, "abc123")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, `"pw"`)
	assert.Contains(t, out, "[REDACTED:7]")
}

func TestLogger_RedactionDisabled(t *testing.T) {
	l, buf := jsonLogger(t, func(c *Config) { c.Redaction.Enabled = false })
	l.Info(context.Background(), "plain", zap.String("token", "visible"))
	assert.Contains(t, buf.String(), "visible")
}

func TestLogger_For(t *testing.T) {
	l, buf := jsonLogger(t, nil)
	ctx := WithRunID(context.Background(), "run-for")

	l.For(ctx).Info("from a package logger")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "run-for", lines[0][FieldRunID])
}

func TestLogger_TraceCorrelation(t *testing.T) {
	l, buf := jsonLogger(t, nil)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.Info(ctx, "traced")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, sc.TraceID().String(), lines[0][FieldTraceID])
	assert.Equal(t, sc.SpanID().String(), lines[0][FieldSpanID])
}

func TestLogger_SamplingKeepsErrors(t *testing.T) {
	l, buf := jsonLogger(t, func(c *Config) {
		c.Sampling = SamplingConfig{Enabled: true, Tick: config.Duration(1 << 40), Initial: 1, Thereafter: 0}
	})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		l.Info(ctx, "repeated")
		l.Error(ctx, "failure")
	}

	var infos, errs int
	for _, line := range decodeLines(t, buf) {
		switch line["level"] {
		case "info":
			infos++
		case "error":
			errs++
		}
	}
	assert.Equal(t, 1, infos)
	assert.Equal(t, 5, errs)
}

func TestLogger_NamedAndSync(t *testing.T) {
	l, buf := jsonLogger(t, nil)
	l.Named("checkpoint").Info(context.Background(), "saved")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "checkpoint", lines[0]["logger"])
	assert.NoError(t, l.Sync())
}

func TestLogger_WithCarriesFields(t *testing.T) {
	l, buf := jsonLogger(t, nil)
	l.With(zap.String("component", "runner")).Info(context.Background(), "x")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "runner", lines[0]["component"])
}
