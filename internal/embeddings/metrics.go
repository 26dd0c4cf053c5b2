package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/ragd/internal/embeddings"

// Metrics holds embedding instruments.
type Metrics struct {
	logger    *zap.Logger
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
	errors    metric.Int64Counter
}

// NewMetrics registers embedding instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := otel.Meter(instrumentationName)
	m := &Metrics{logger: logger}

	var err error
	m.duration, err = meter.Float64Histogram(
		"ragd.embedding.duration_seconds",
		metric.WithDescription("Duration of embedding calls by model and operation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.batchSize, err = meter.Int64Histogram(
		"ragd.embedding.batch_size",
		metric.WithDescription("Number of texts per embedding batch"),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250),
	)
	if err != nil {
		logger.Warn("failed to create batch size histogram", zap.Error(err))
	}

	m.errors, err = meter.Int64Counter(
		"ragd.embedding.errors_total",
		metric.WithDescription("Embedding failures by model and operation"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn("failed to create errors counter", zap.Error(err))
	}
	return m
}

// Record records one embedding call.
func (m *Metrics) Record(ctx context.Context, model, operation string, d time.Duration, batch int, err error) {
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("operation", operation),
	)
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
	if batch > 0 && m.batchSize != nil {
		m.batchSize.Record(ctx, int64(batch), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}

type instrumented struct {
	Provider
	metrics *Metrics
}

// Instrument wraps p so every call is recorded in m.
func Instrument(p Provider, m *Metrics) Provider {
	return &instrumented{Provider: p, metrics: m}
}

func (i *instrumented) Embed(ctx context.Context, text string) (vec []float32, err error) {
	start := time.Now()
	defer func() { i.metrics.Record(ctx, i.Model(), "embed", time.Since(start), 0, err) }()
	return i.Provider.Embed(ctx, text)
}

func (i *instrumented) EmbedBatch(ctx context.Context, texts []string) (vecs [][]float32, err error) {
	start := time.Now()
	defer func() { i.metrics.Record(ctx, i.Model(), "embed_batch", time.Since(start), len(texts), err) }()
	return i.Provider.EmbedBatch(ctx, texts)
}
