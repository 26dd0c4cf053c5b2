package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestNewLoggerWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	cfg := NewDefaultConfig("ragd-test")
	cfg.Sampling.Enabled = false

	logger, err := NewLoggerWithWriter(cfg, &buf)
	require.NoError(t, err)

	logger.Info(context.Background(), "answer served", zap.Int("chunks", 3))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "answer served", lines[0]["msg"])
	assert.Equal(t, "ragd-test", lines[0]["service"])
	assert.EqualValues(t, 3, lines[0]["chunks"])
	assert.Contains(t, lines[0], "ts")
}

func TestLogger_RedactsSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	cfg := NewDefaultConfig("")
	cfg.Sampling.Enabled = false

	logger, err := NewLoggerWithWriter(cfg, &buf)
	require.NoError(t, err)

	logger.Info(context.Background(), "backend configured",
		zap.String("api_key", "sk-abcdefghijklmnopqrstuv"),
		zap.String("header", "Bearer abc.def.ghi"),
		Secret("credential_len", config.Secret("hunter2")),
		zap.String("model", "gpt-4o-mini"),
	)

	out := buf.String()
	assert.NotContains(t, out, "sk-abcdefghijklmnopqrstuv")
	assert.NotContains(t, out, "abc.def.ghi")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "gpt-4o-mini")
}

func TestLogger_SamplingNeverDropsErrors(t *testing.T) {
	var buf bytes.Buffer
	cfg := NewDefaultConfig("")
	cfg.Sampling.Initial = 1
	cfg.Sampling.Thereafter = 0

	logger, err := NewLoggerWithWriter(cfg, &buf)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		logger.Info(ctx, "repeated info")
		logger.Error(ctx, "repeated error")
	}

	var infos, errs int
	for _, line := range decodeLines(t, &buf) {
		switch line["msg"] {
		case "repeated info":
			infos++
		case "repeated error":
			errs++
		}
	}
	assert.Equal(t, 1, infos)
	assert.Equal(t, 5, errs)
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	cfg := NewDefaultConfig("")
	cfg.Level = zapcore.WarnLevel
	cfg.Sampling.Enabled = false

	logger, err := NewLoggerWithWriter(cfg, &buf)
	require.NoError(t, err)

	logger.Debug(context.Background(), "hidden")
	logger.Warn(context.Background(), "shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["msg"])
	assert.False(t, logger.Enabled(zapcore.InfoLevel))
}

func TestContextFields(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx = trace.ContextWithSpanContext(ctx, sc)

	tl := NewTestLogger()
	tl.Info(ctx, "retrieved")

	tl.AssertField(t, "retrieved", "request.id", "req-123")
	tl.AssertField(t, "retrieved", "trace_id", "4bf92f3577b34da6a3ce929d0e0e4736")
	tl.AssertField(t, "retrieved", "span_id", "00f067aa0ba902b7")
}

func TestWithRequestID_DropsInvalidIDs(t *testing.T) {
	tests := []string{"", "has space", "semi;colon", strings.Repeat("a", 129)}
	for _, id := range tests {
		ctx := WithRequestID(context.Background(), id)
		assert.Empty(t, RequestIDFromContext(ctx), "id %q", id)
	}
	assert.Equal(t, "ok_id-1", RequestIDFromContext(WithRequestID(context.Background(), "ok_id-1")))
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Warn(ctx, "from context")
	tl.AssertLogged(t, zapcore.WarnLevel, "from context")
}

func TestTestLogger_Named(t *testing.T) {
	tl := NewTestLogger()
	tl.Named("store").With(zap.String("document_id", "d1")).Info(context.Background(), "ingested")

	entries := tl.FilterMessage("ingested").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "store", entries[0].LoggerName)
	tl.AssertField(t, "ingested", "document_id", "d1")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "ingested")
}
