package generation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/ragd/internal/generation"

// Metrics holds generation instruments.
type Metrics struct {
	attempts metric.Int64Counter
	failures metric.Int64Counter
	degraded metric.Int64Counter
	duration metric.Float64Histogram
}

// NewMetrics registers generation instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}

	var err error
	m.attempts, err = meter.Int64Counter(
		"ragd.generation.attempts_total",
		metric.WithDescription("Backend calls by backend"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		logger.Warn("failed to create attempts counter", zap.Error(err))
	}

	m.failures, err = meter.Int64Counter(
		"ragd.generation.failures_total",
		metric.WithDescription("Failed backend calls by backend and retryability"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		logger.Warn("failed to create failures counter", zap.Error(err))
	}

	m.degraded, err = meter.Int64Counter(
		"ragd.generation.degraded_total",
		metric.WithDescription("Answers replaced by a fallback message, by reason"),
		metric.WithUnit("{answer}"),
	)
	if err != nil {
		logger.Warn("failed to create degraded counter", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram(
		"ragd.generation.duration_seconds",
		metric.WithDescription("End-to-end generation latency including retries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}
	return m
}

func (m *Metrics) recordAttempt(ctx context.Context, backend string, err error, retry bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("backend", backend))
	if m.attempts != nil {
		m.attempts.Add(ctx, 1, attrs)
	}
	if err != nil && m.failures != nil {
		m.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.Bool("retryable", retry),
		))
	}
}

func (m *Metrics) recordResult(ctx context.Context, backend, degradedReason string, d time.Duration) {
	if m == nil {
		return
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("backend", backend)))
	}
	if degradedReason != "" && m.degraded != nil {
		m.degraded.Add(ctx, 1, metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("reason", degradedReason),
		))
	}
}
